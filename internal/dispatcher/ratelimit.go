package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// RateWindow is the rolling period a channel's RateLimitPerHour applies to
const RateWindow = time.Hour

// SendHistory is the persisted source the limiter warms itself from
type SendHistory interface {
	SentTimesSince(ctx context.Context, channelID int64, since time.Time) ([]time.Time, error)
}

// RateLimiter tracks per-channel attempt timestamps over a rolling hour.
// A channel's window is seeded from history the first time it is used.
type RateLimiter struct {
	logger  *zap.Logger
	history SendHistory
	now     func() time.Time

	mu      sync.Mutex
	windows map[int64][]time.Time
	seeded  map[int64]bool
}

// NewRateLimiter creates a rate limiter. history may be nil.
func NewRateLimiter(logger *zap.Logger, history SendHistory, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		logger:  logger.Named("ratelimit"),
		history: history,
		now:     now,
		windows: make(map[int64][]time.Time),
		seeded:  make(map[int64]bool),
	}
}

// Reserve records an attempt for ch if its budget allows it, otherwise it
// returns an error wrapping ErrRateLimited.
func (l *RateLimiter) Reserve(ctx context.Context, ch *model.NotificationChannel) error {
	if ch.RateLimitPerHour == nil {
		return nil
	}
	limit := *ch.RateLimitPerHour

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.seed(ctx, ch.ID, now)

	window := prune(l.windows[ch.ID], now.Add(-RateWindow))
	if len(window) >= limit {
		l.windows[ch.ID] = window
		return fmt.Errorf("channel %d: %w", ch.ID, ErrRateLimited)
	}
	l.windows[ch.ID] = append(window, now)
	return nil
}

// Count returns the attempts recorded for a channel in the current window
func (l *RateLimiter) Count(channelID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	window := prune(l.windows[channelID], l.now().Add(-RateWindow))
	l.windows[channelID] = window
	return len(window)
}

// Forget drops a channel's state, e.g. after it is deleted
func (l *RateLimiter) Forget(channelID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, channelID)
	delete(l.seeded, channelID)
}

// seed loads recent send times once per channel; the caller holds l.mu
func (l *RateLimiter) seed(ctx context.Context, channelID int64, now time.Time) {
	if l.seeded[channelID] || l.history == nil {
		return
	}
	times, err := l.history.SentTimesSince(ctx, channelID, now.Add(-RateWindow))
	if err != nil {
		l.logger.Warn("Failed to seed rate limit window from history",
			zap.Int64("channel_id", channelID),
			zap.Error(err))
		return
	}
	l.windows[channelID] = append(times, l.windows[channelID]...)
	l.seeded[channelID] = true
}

// LimitMessage is the error text recorded for a rate limited attempt
func LimitMessage(limit int) string {
	return fmt.Sprintf("Rate limit exceeded: %d per hour", limit)
}

func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0:0], window[i:]...)
}
