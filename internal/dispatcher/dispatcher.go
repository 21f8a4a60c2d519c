package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/alert-dispatch/internal/metrics"
	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/sender"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

const (
	DefaultWorkers    = 4
	DefaultRetryLimit = 10

	reasonMaintenance = "maintenance_window"
	reasonSilence     = "silence"
)

// Store is the subset of storage the dispatcher reads and writes
type Store interface {
	GetChannel(ctx context.Context, id int64) (*model.NotificationChannel, error)
	ListEnabledChannels(ctx context.Context) ([]*model.NotificationChannel, error)
	RecordChannelUsage(ctx context.Context, id int64, success bool, at time.Time) error
	ActiveWindows(ctx context.Context, at time.Time) ([]*model.MaintenanceWindow, error)
	ActiveSilences(ctx context.Context, at time.Time) ([]*model.AlertSilence, error)
	AppendResult(ctx context.Context, result *model.NotificationResult) error
	ListRetryCandidates(ctx context.Context, limit int) ([]*model.NotificationResult, error)
	SentTimesSince(ctx context.Context, channelID int64, since time.Time) ([]time.Time, error)
}

// Config tunes the dispatcher
type Config struct {
	// Workers bounds concurrent channel sends within one dispatch call
	Workers int
	// RetryLimit is the RetryFailed batch size when the caller passes none
	RetryLimit int
	Now        func() time.Time
}

// Dispatcher routes alerts to notification channels and records every attempt
type Dispatcher struct {
	logger     *zap.Logger
	store      Store
	registry   *sender.Registry
	limiter    *RateLimiter
	workers    int
	retryLimit int
	now        func() time.Time
}

// New creates a dispatcher
func New(logger *zap.Logger, store Store, registry *sender.Registry, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger = logger.Named("dispatcher")
	return &Dispatcher{
		logger:     logger,
		store:      store,
		registry:   registry,
		limiter:    NewRateLimiter(logger, store, cfg.Now),
		workers:    cfg.Workers,
		retryLimit: cfg.RetryLimit,
		now:        cfg.Now,
	}
}

// Limiter exposes the per-channel rate limiter
func (d *Dispatcher) Limiter() *RateLimiter {
	return d.limiter
}

// delivery is one channel send
type delivery struct {
	channel *model.NotificationChannel
	alert   *model.Alert
	kind    model.NotificationType
	limited bool
	retryOf *int64
}

// Dispatch sends an alert to every enabled channel whose filters accept it.
// A suppressed alert yields no results and no history.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *model.Alert) ([]*model.NotificationResult, error) {
	suppressed, err := d.suppressed(ctx, alert)
	if err != nil || suppressed {
		return nil, err
	}

	channels, err := d.store.ListEnabledChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	var jobs []delivery
	for _, ch := range channels {
		if !ch.Matches(alert) {
			continue
		}
		jobs = append(jobs, delivery{channel: ch, alert: alert, kind: model.NotificationAlert, limited: true})
	}
	if len(jobs) == 0 {
		d.logger.Debug("No channel matches alert",
			zap.String("alert_id", alert.ID),
			zap.String("alert_type", alert.AlertType))
	}
	return d.run(ctx, jobs), nil
}

// DispatchTier sends an alert to an escalation tier's channels. Suppression
// applies but channel filters do not.
func (d *Dispatcher) DispatchTier(ctx context.Context, alert *model.Alert, channelIDs []int64) ([]*model.NotificationResult, error) {
	suppressed, err := d.suppressed(ctx, alert)
	if err != nil || suppressed {
		return nil, err
	}
	return d.DispatchToChannels(ctx, alert, channelIDs)
}

// DispatchToChannels sends an alert to the given channels, bypassing filters
// and suppression. Rate limits still apply.
func (d *Dispatcher) DispatchToChannels(ctx context.Context, alert *model.Alert, channelIDs []int64) ([]*model.NotificationResult, error) {
	channels, err := d.loadChannels(ctx, channelIDs)
	if err != nil {
		return nil, err
	}
	jobs := make([]delivery, 0, len(channels))
	for _, ch := range channels {
		jobs = append(jobs, delivery{channel: ch, alert: alert, kind: model.NotificationAlert, limited: true})
	}
	return d.run(ctx, jobs), nil
}

// DispatchResolution sends resolution notices. With no channel ids every enabled
// channel whose filters still accept the alert is used. Channels whose sender
// declines a resolution notice produce no result.
func (d *Dispatcher) DispatchResolution(ctx context.Context, alert *model.Alert, channelIDs []int64) ([]*model.NotificationResult, error) {
	var (
		channels []*model.NotificationChannel
		err      error
	)
	if len(channelIDs) == 0 {
		channels, err = d.store.ListEnabledChannels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list channels: %w", err)
		}
	} else if channels, err = d.loadChannels(ctx, channelIDs); err != nil {
		return nil, err
	}

	var jobs []delivery
	for _, ch := range channels {
		if !ch.Matches(alert) {
			continue
		}
		jobs = append(jobs, delivery{channel: ch, alert: alert, kind: model.NotificationResolution})
	}
	return d.run(ctx, jobs), nil
}

// TestChannel sends a synthetic test notification, enabled or not
func (d *Dispatcher) TestChannel(ctx context.Context, channelID int64) (*model.NotificationResult, error) {
	ch, err := d.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, delivery{channel: ch, kind: model.NotificationTest}), nil
}

// RetryFailed resends the most recent failed deliveries that were not retried
// yet, each to its originating channel only
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) ([]*model.NotificationResult, error) {
	if limit <= 0 {
		limit = d.retryLimit
	}
	candidates, err := d.store.ListRetryCandidates(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	var jobs []delivery
	for _, failed := range candidates {
		ch, err := d.store.GetChannel(ctx, failed.ChannelID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				d.logger.Info("Skipping retry for deleted channel",
					zap.Int64("history_id", failed.ID),
					zap.Int64("channel_id", failed.ChannelID))
				continue
			}
			return nil, err
		}
		if !ch.Enabled {
			d.logger.Info("Skipping retry for disabled channel",
				zap.Int64("history_id", failed.ID),
				zap.String("channel", ch.Name))
			continue
		}

		id := failed.ID
		jobs = append(jobs, delivery{
			channel: ch,
			alert:   alertFromHistory(failed),
			kind:    failed.NotificationType,
			limited: failed.NotificationType == model.NotificationAlert,
			retryOf: &id,
		})
	}

	d.logger.Info("Retrying failed notifications",
		zap.Int("candidates", len(candidates)),
		zap.Int("retries", len(jobs)))
	return d.run(ctx, jobs), nil
}

// IsInMaintenanceWindow reports whether an active window covers the instance and alert type
func (d *Dispatcher) IsInMaintenanceWindow(ctx context.Context, instance, alertType string) (bool, error) {
	windows, err := d.store.ActiveWindows(ctx, d.now())
	if err != nil {
		return false, fmt.Errorf("failed to load maintenance windows: %w", err)
	}
	for _, w := range windows {
		if w.Applies(instance, alertType) {
			return true, nil
		}
	}
	return false, nil
}

// IsSilenced reports whether any active silence matches every one of its matchers
func (d *Dispatcher) IsSilenced(ctx context.Context, alert *model.Alert) (bool, error) {
	silences, err := d.store.ActiveSilences(ctx, d.now())
	if err != nil {
		return false, fmt.Errorf("failed to load silences: %w", err)
	}
	for _, s := range silences {
		if s.Matches(alert) {
			return true, nil
		}
	}
	return false, nil
}

func (d *Dispatcher) suppressed(ctx context.Context, alert *model.Alert) (bool, error) {
	inWindow, err := d.IsInMaintenanceWindow(ctx, alert.InstanceName, alert.AlertType)
	if err != nil {
		return false, err
	}
	if inWindow {
		metrics.SuppressedTotal.WithLabelValues(reasonMaintenance).Inc()
		d.logger.Info("Alert suppressed by maintenance window",
			zap.String("alert_id", alert.ID),
			zap.String("instance", alert.InstanceName))
		return true, nil
	}

	silenced, err := d.IsSilenced(ctx, alert)
	if err != nil {
		return false, err
	}
	if silenced {
		metrics.SuppressedTotal.WithLabelValues(reasonSilence).Inc()
		d.logger.Info("Alert suppressed by silence",
			zap.String("alert_id", alert.ID),
			zap.String("alert_type", alert.AlertType))
		return true, nil
	}
	return false, nil
}

// loadChannels resolves ids in order, dropping duplicates, unknown and disabled channels
func (d *Dispatcher) loadChannels(ctx context.Context, ids []int64) ([]*model.NotificationChannel, error) {
	seen := make(map[int64]bool, len(ids))
	channels := make([]*model.NotificationChannel, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		ch, err := d.store.GetChannel(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				d.logger.Warn("Channel referenced for dispatch does not exist", zap.Int64("channel_id", id))
				continue
			}
			return nil, err
		}
		if !ch.Enabled {
			d.logger.Debug("Skipping disabled channel", zap.Int64("channel_id", id))
			continue
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// run delivers jobs on a bounded pool and returns non-nil results in job order
func (d *Dispatcher) run(ctx context.Context, jobs []delivery) []*model.NotificationResult {
	results := make([]*model.NotificationResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = d.deliver(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*model.NotificationResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, job delivery) *model.NotificationResult {
	ch := job.channel

	s, err := d.registry.Get(ch.Type)
	if err != nil {
		result := model.NewResult(ch, job.alert, job.kind).Fail(sender.FailureKindOf(err), err.Error())
		return d.record(ctx, job, result)
	}

	if job.limited {
		if err := d.limiter.Reserve(ctx, ch); err != nil {
			metrics.RateLimitedTotal.WithLabelValues(ch.Name).Inc()
			result := model.NewResult(ch, job.alert, job.kind).
				Fail(model.FailureRateLimited, LimitMessage(*ch.RateLimitPerHour))
			return d.record(ctx, job, result)
		}
	}

	start := time.Now()
	result := d.invoke(ctx, s, job)
	if result == nil {
		return nil
	}
	metrics.NotificationDuration.WithLabelValues(string(ch.Type)).Observe(time.Since(start).Seconds())
	return d.record(ctx, job, result)
}

// invoke calls the sender, turning a panic into a transport failure
func (d *Dispatcher) invoke(ctx context.Context, s sender.Sender, job delivery) (result *model.NotificationResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Sender panicked",
				zap.String("channel", job.channel.Name),
				zap.Any("panic", r))
			result = model.NewResult(job.channel, job.alert, job.kind).
				Fail(model.FailureTransport, fmt.Sprintf("sender panic: %v", r))
		}
	}()

	switch job.kind {
	case model.NotificationResolution:
		return s.SendResolution(ctx, job.channel, job.alert)
	case model.NotificationTest:
		return s.SendTest(ctx, job.channel)
	default:
		return s.Send(ctx, job.channel, job.alert)
	}
}

// record persists a result and updates channel usage. Storage failures are
// logged; the result is still returned to the caller.
func (d *Dispatcher) record(ctx context.Context, job delivery, result *model.NotificationResult) *model.NotificationResult {
	ctx = context.WithoutCancel(ctx)
	result.RetryOf = job.retryOf

	outcome := "success"
	if !result.Success {
		outcome = string(result.ErrorKind)
	}
	metrics.NotificationsTotal.WithLabelValues(string(result.ChannelType), string(result.NotificationType), outcome).Inc()

	logger := d.logger.With(
		zap.Int64("channel_id", result.ChannelID),
		zap.String("channel", result.ChannelName),
		zap.String("alert_id", result.AlertID),
		zap.String("type", string(result.NotificationType)))
	if result.Success {
		logger.Info("Notification delivered", zap.Int("status", result.ResponseCode))
	} else {
		logger.Warn("Notification failed",
			zap.String("kind", string(result.ErrorKind)),
			zap.String("error", result.ErrorMessage))
	}

	if err := d.store.AppendResult(ctx, result); err != nil {
		logger.Error("Failed to record notification history", zap.Error(err))
	}
	if result.ErrorKind != model.FailureRateLimited {
		if err := d.store.RecordChannelUsage(ctx, result.ChannelID, result.Success, result.SentAt); err != nil {
			logger.Error("Failed to record channel usage", zap.Error(err))
		}
	}
	return result
}

func alertFromHistory(r *model.NotificationResult) *model.Alert {
	return &model.Alert{
		ID:                    r.AlertID,
		AlertType:             r.AlertType,
		Severity:              r.Severity,
		Message:               r.Message,
		InstanceName:          r.InstanceName,
		FiredAt:               r.SentAt,
		CurrentEscalationTier: r.EscalationTier,
	}
}
