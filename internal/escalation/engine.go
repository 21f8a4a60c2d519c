package escalation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/events"
	"github.com/t77yq/alert-dispatch/internal/metrics"
	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

// Store is the subset of storage the engine needs
type Store interface {
	GetPolicy(ctx context.Context, id int64) (*model.EscalationPolicy, error)
	ListEscalatingAlerts(ctx context.Context) ([]*model.Alert, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error
	AdvanceEscalation(ctx context.Context, id string, fromTier, fromPass, toTier, toPass int, at time.Time) (bool, error)
}

// Dispatcher sends an alert to one tier's channels
type Dispatcher interface {
	DispatchTier(ctx context.Context, alert *model.Alert, channelIDs []int64) ([]*model.NotificationResult, error)
}

// Engine walks unacknowledged alerts through their escalation policy tiers
type Engine struct {
	logger     *zap.Logger
	store      Store
	dispatcher Dispatcher
	publisher  events.Publisher
	now        func() time.Time

	// reconcileMu keeps scans from overlapping
	reconcileMu sync.Mutex
}

// NewEngine creates an escalation engine. publisher may be nil.
func NewEngine(logger *zap.Logger, store Store, dispatcher Dispatcher, publisher events.Publisher, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		logger:     logger.Named("escalation"),
		store:      store,
		dispatcher: dispatcher,
		publisher:  publisher,
		now:        now,
	}
}

// Start notifies the policy's first tier. The alert must already be stored
// positioned on that tier.
func (e *Engine) Start(ctx context.Context, alert *model.Alert, policy *model.EscalationPolicy) ([]*model.NotificationResult, error) {
	tiers := policy.SortedTiers()
	if len(tiers) == 0 {
		return nil, fmt.Errorf("policy %d has no tiers", policy.ID)
	}
	first := tiers[0]

	results, err := e.dispatcher.DispatchTier(ctx, alert, first.ChannelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch tier %d: %w", first.Order, err)
	}

	now := e.now().UTC()
	if err := e.store.MarkNotified(ctx, alert.ID, now); err != nil {
		return results, err
	}
	alert.LastNotificationAt = &now

	e.logger.Info("Escalation started",
		zap.String("alert_id", alert.ID),
		zap.String("policy", policy.Name),
		zap.Int("tier", first.Order),
		zap.Int("notifications", len(results)))
	return results, nil
}

// Reconcile advances every alert whose current tier delay has elapsed and
// returns how many advanced. Acknowledged and resolved alerts are never
// advanced, even when they change during the scan.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	e.reconcileMu.Lock()
	defer e.reconcileMu.Unlock()

	alerts, err := e.store.ListEscalatingAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list escalating alerts: %w", err)
	}

	policies := make(map[int64]*model.EscalationPolicy)
	advanced := 0
	for _, alert := range alerts {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}

		policy, err := e.policy(ctx, policies, *alert.EscalationPolicyID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				e.logger.Warn("Alert references a missing escalation policy",
					zap.String("alert_id", alert.ID),
					zap.Int64("policy_id", *alert.EscalationPolicyID))
				continue
			}
			return advanced, err
		}

		ok, err := e.advance(ctx, alert, policy)
		if ok {
			advanced++
		}
		if err != nil {
			e.logger.Error("Failed to advance escalation",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}
	return advanced, nil
}

func (e *Engine) policy(ctx context.Context, cache map[int64]*model.EscalationPolicy, id int64) (*model.EscalationPolicy, error) {
	if p, ok := cache[id]; ok {
		return p, nil
	}
	p, err := e.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = p
	return p, nil
}

// Next returns the tier index and pass that follow (idx, pass), or ok=false once
// the final tier of the final pass has been notified
func Next(tierCount, idx, pass, repeatCount int) (nextIdx, nextPass int, ok bool) {
	if idx+1 < tierCount {
		return idx + 1, pass, true
	}
	if pass < repeatCount {
		return 0, pass + 1, true
	}
	return 0, 0, false
}

func (e *Engine) advance(ctx context.Context, alert *model.Alert, policy *model.EscalationPolicy) (bool, error) {
	tiers := policy.SortedTiers()
	idx := policy.TierIndex(alert.CurrentEscalationTier)
	if idx < 0 {
		e.logger.Warn("Alert is on a tier its policy does not define",
			zap.String("alert_id", alert.ID),
			zap.Int("tier", alert.CurrentEscalationTier))
		return false, nil
	}

	now := e.now().UTC()
	last := alert.FiredAt
	if alert.LastNotificationAt != nil {
		last = *alert.LastNotificationAt
	}
	if now.Sub(last) < tiers[idx].Delay() {
		return false, nil
	}

	nextIdx, nextPass, ok := Next(len(tiers), idx, alert.EscalationPass, policy.RepeatCount)
	if !ok {
		return false, nil
	}
	next := tiers[nextIdx]

	changed, err := e.store.AdvanceEscalation(ctx, alert.ID,
		alert.CurrentEscalationTier, alert.EscalationPass, next.Order, nextPass, now)
	if err != nil {
		return false, err
	}
	if !changed {
		// acknowledged, resolved or advanced elsewhere since the scan started
		return false, nil
	}

	alert.CurrentEscalationTier = next.Order
	alert.EscalationPass = nextPass
	alert.LastNotificationAt = &now

	metrics.EscalationsTotal.WithLabelValues(strconv.Itoa(next.Order)).Inc()
	e.logger.Info("Escalating alert",
		zap.String("alert_id", alert.ID),
		zap.String("policy", policy.Name),
		zap.Int("tier", next.Order),
		zap.Int("pass", nextPass))
	events.PublishBestEffort(ctx, e.logger, e.publisher, events.NewAlertEvent(events.AlertEscalated, alert, now))

	if _, err := e.dispatcher.DispatchTier(ctx, alert, next.ChannelIDs); err != nil {
		return true, fmt.Errorf("failed to dispatch tier %d: %w", next.Order, err)
	}
	return true, nil
}
