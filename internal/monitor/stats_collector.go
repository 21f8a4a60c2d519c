package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/events"
	"github.com/t77yq/alert-dispatch/internal/metrics"
	"github.com/t77yq/alert-dispatch/internal/model"
)

// StatsSource computes the current alert statistics
type StatsSource interface {
	GetAlertStats(ctx context.Context) (*model.AlertStats, error)
}

// StatsCollector refreshes the alert gauges and publishes a stats snapshot
type StatsCollector struct {
	logger    *zap.Logger
	source    StatsSource
	publisher events.Publisher
	now       func() time.Time

	mu     sync.RWMutex
	latest *model.AlertStats
}

// NewStatsCollector creates a new stats collector. publisher may be nil.
func NewStatsCollector(logger *zap.Logger, source StatsSource, publisher events.Publisher) *StatsCollector {
	return &StatsCollector{
		logger:    logger.Named("stats-collector"),
		source:    source,
		publisher: publisher,
		now:       time.Now,
	}
}

// Collect takes one snapshot
func (c *StatsCollector) Collect(ctx context.Context) error {
	stats, err := c.source.GetAlertStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect alert stats: %w", err)
	}

	metrics.ActiveAlerts.Set(float64(stats.Active))
	metrics.CriticalAlerts.Set(float64(stats.Critical))
	metrics.UnacknowledgedAlerts.Set(float64(stats.Unacknowledged))
	metrics.ResolvedAlerts24h.Set(float64(stats.ResolvedLast24h))
	metrics.ActiveSilences.Set(float64(stats.ActiveSilences))
	metrics.ActiveMaintenanceWindows.Set(float64(stats.ActiveWindows))

	c.mu.Lock()
	c.latest = stats
	c.mu.Unlock()

	events.PublishBestEffort(ctx, c.logger, c.publisher, events.NewStatsEvent(stats, c.now()))

	c.logger.Debug("Alert stats collected",
		zap.Int("active", stats.Active),
		zap.Int("critical", stats.Critical),
		zap.Int("unacknowledged", stats.Unacknowledged))
	return nil
}

// Latest returns a copy of the last snapshot, or nil before the first Collect
func (c *StatsCollector) Latest() *model.AlertStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.latest == nil {
		return nil
	}
	stats := *c.latest
	return &stats
}
