package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/dispatcher"
	"github.com/t77yq/alert-dispatch/internal/escalation"
	"github.com/t77yq/alert-dispatch/internal/events"
	"github.com/t77yq/alert-dispatch/internal/metrics"
	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/sender"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

// Default retention periods for the cleanup job
const (
	DefaultResolvedAlertRetention  = 30 * 24 * time.Hour
	DefaultExpiredSilenceRetention = 7 * 24 * time.Hour
	DefaultHistoryRetention        = 90 * 24 * time.Hour
)

// Retention controls what Cleanup purges. A zero History keeps history forever.
type Retention struct {
	ResolvedAlerts  time.Duration
	ExpiredSilences time.Duration
	History         time.Duration
}

// Config holds optional AlertManager settings
type Config struct {
	Retention Retention
	Now       func() time.Time
}

// FireRequest describes an alert condition reported by a caller
type FireRequest struct {
	AlertType          string              `json:"alert_type"`
	Severity           model.AlertSeverity `json:"severity"`
	Message            string              `json:"message"`
	InstanceName       string              `json:"instance_name,omitempty"`
	EscalationPolicyID *int64              `json:"escalation_policy_id,omitempty"`
}

// FireResult is the outcome of FireAlert. Duplicate firings carry the existing
// alert and no notifications.
type FireResult struct {
	Alert         *model.Alert                `json:"alert"`
	Duplicate     bool                        `json:"duplicate"`
	Notifications []*model.NotificationResult `json:"notifications"`
}

// CleanupReport counts the rows removed by Cleanup
type CleanupReport struct {
	ResolvedAlerts  int64 `json:"resolved_alerts"`
	ExpiredSilences int64 `json:"expired_silences"`
	History         int64 `json:"history"`
}

// AlertManager is the entry point for firing, acknowledging and resolving
// alerts and for administering channels, policies and suppressions
type AlertManager struct {
	logger     *zap.Logger
	store      storage.Store
	dispatcher *dispatcher.Dispatcher
	escalation *escalation.Engine
	registry   *sender.Registry
	publisher  events.Publisher
	retention  Retention
	now        func() time.Time

	// fireMu serialises the find-or-create step of FireAlert
	fireMu sync.Mutex
}

// NewAlertManager creates a new alert manager. publisher may be nil.
func NewAlertManager(
	logger *zap.Logger,
	store storage.Store,
	d *dispatcher.Dispatcher,
	engine *escalation.Engine,
	registry *sender.Registry,
	publisher events.Publisher,
	cfg Config,
) *AlertManager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retention.ResolvedAlerts <= 0 {
		cfg.Retention.ResolvedAlerts = DefaultResolvedAlertRetention
	}
	if cfg.Retention.ExpiredSilences <= 0 {
		cfg.Retention.ExpiredSilences = DefaultExpiredSilenceRetention
	}
	return &AlertManager{
		logger:     logger.Named("alert-manager"),
		store:      store,
		dispatcher: d,
		escalation: engine,
		registry:   registry,
		publisher:  publisher,
		retention:  cfg.Retention,
		now:        cfg.Now,
	}
}

func (r *FireRequest) validate() error {
	r.AlertType = strings.TrimSpace(r.AlertType)
	r.InstanceName = strings.TrimSpace(r.InstanceName)
	if r.AlertType == "" {
		return fmt.Errorf("%w: alert type is required", ErrInvalidAlert)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidAlert, r.Severity)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidAlert)
	}
	return nil
}

// FireAlert records an alert condition. While an unresolved alert with the same
// type and instance exists, firing again returns it without notifying anyone.
// A new alert is handed to the escalation engine when it names a policy and is
// dispatched to every matching channel otherwise.
func (m *AlertManager) FireAlert(ctx context.Context, req FireRequest) (*FireResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	alert, policy, created, err := m.register(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		m.logger.Debug("Alert already active",
			zap.String("alert_id", alert.ID),
			zap.String("alert_type", alert.AlertType),
			zap.String("instance", alert.InstanceName))
		return &FireResult{Alert: alert, Duplicate: true}, nil
	}

	metrics.AlertsFiredTotal.WithLabelValues(string(alert.Severity)).Inc()
	m.logger.Info("Alert fired",
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", alert.AlertType),
		zap.String("severity", string(alert.Severity)),
		zap.String("instance", alert.InstanceName))
	events.PublishBestEffort(ctx, m.logger, m.publisher, events.NewAlertEvent(events.AlertFired, alert, alert.FiredAt))

	var results []*model.NotificationResult
	if policy != nil {
		results, err = m.escalation.Start(ctx, alert, policy)
	} else {
		results, err = m.notify(ctx, alert)
	}
	if err != nil {
		return &FireResult{Alert: alert, Notifications: results}, fmt.Errorf("failed to notify alert %s: %w", alert.ID, err)
	}
	return &FireResult{Alert: alert, Notifications: results}, nil
}

// register returns the active alert for the request's identity, creating it
// when none exists
func (m *AlertManager) register(ctx context.Context, req FireRequest) (*model.Alert, *model.EscalationPolicy, bool, error) {
	m.fireMu.Lock()
	defer m.fireMu.Unlock()

	existing, err := m.store.FindActiveAlert(ctx, req.AlertType, req.InstanceName)
	if err == nil {
		return existing, nil, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, false, err
	}

	alert := &model.Alert{
		ID:                    uuid.New().String(),
		AlertType:             req.AlertType,
		Severity:              req.Severity,
		Message:               req.Message,
		InstanceName:          req.InstanceName,
		FiredAt:               m.now().UTC(),
		CurrentEscalationTier: 1,
	}

	var policy *model.EscalationPolicy
	if req.EscalationPolicyID != nil {
		policy, err = m.store.GetPolicy(ctx, *req.EscalationPolicyID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil, false, fmt.Errorf("%w: policy %d does not exist", ErrInvalidPolicy, *req.EscalationPolicyID)
			}
			return nil, nil, false, err
		}
		tiers := policy.SortedTiers()
		if len(tiers) == 0 {
			return nil, nil, false, fmt.Errorf("%w: policy %d has no tiers", ErrInvalidPolicy, policy.ID)
		}
		alert.EscalationPolicyID = &policy.ID
		alert.CurrentEscalationTier = tiers[0].Order
	}

	if err := m.store.CreateAlert(ctx, alert); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// another process won the race
			existing, ferr := m.store.FindActiveAlert(ctx, req.AlertType, req.InstanceName)
			if ferr != nil {
				return nil, nil, false, ferr
			}
			return existing, nil, false, nil
		}
		return nil, nil, false, err
	}
	return alert, policy, true, nil
}

func (m *AlertManager) notify(ctx context.Context, alert *model.Alert) ([]*model.NotificationResult, error) {
	results, err := m.dispatcher.Dispatch(ctx, alert)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := m.store.MarkNotified(ctx, alert.ID, now); err != nil {
		return results, err
	}
	alert.LastNotificationAt = &now
	return results, nil
}

// GetAlert returns an alert by id
func (m *AlertManager) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	alert, err := m.store.GetAlert(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAlertNotFound, id)
		}
		return nil, err
	}
	return alert, nil
}

// ListActiveAlerts returns every unresolved alert, newest first
func (m *AlertManager) ListActiveAlerts(ctx context.Context) ([]*model.Alert, error) {
	return m.store.ListActiveAlerts(ctx)
}

// AcknowledgeAlert marks an alert acknowledged, which stops its escalation.
// Acknowledging an already acknowledged alert returns it unchanged.
func (m *AlertManager) AcknowledgeAlert(ctx context.Context, id, by, note string) (*model.Alert, error) {
	alert, err := m.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Resolved {
		return nil, fmt.Errorf("%w: %s", ErrAlertResolved, id)
	}
	if alert.Acknowledged {
		return alert, nil
	}

	if by = strings.TrimSpace(by); by == "" {
		by = "unknown"
	}
	ack := &model.AlertAcknowledgement{
		AlertID:        id,
		AcknowledgedBy: by,
		Note:           note,
		AcknowledgedAt: m.now().UTC(),
	}
	changed, err := m.store.AcknowledgeAlert(ctx, ack)
	if err != nil {
		return nil, err
	}
	if !changed {
		// resolved or acknowledged concurrently
		current, err := m.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.Resolved {
			return nil, fmt.Errorf("%w: %s", ErrAlertResolved, id)
		}
		return current, nil
	}
	alert.Acknowledged = true

	m.logger.Info("Alert acknowledged",
		zap.String("alert_id", id),
		zap.String("by", by),
		zap.Int("tier", alert.CurrentEscalationTier))
	event := events.NewAlertEvent(events.AlertAcknowledged, alert, ack.AcknowledgedAt)
	event.Actor = by
	event.Note = note
	events.PublishBestEffort(ctx, m.logger, m.publisher, event)
	return alert, nil
}

// ListAcknowledgements returns the acknowledgement records of an alert
func (m *AlertManager) ListAcknowledgements(ctx context.Context, alertID string) ([]*model.AlertAcknowledgement, error) {
	if _, err := m.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return m.store.ListAcknowledgements(ctx, alertID)
}

// ResolveAlert marks an alert resolved and, if sendResolution is set, notifies
// every enabled channel that still accepts the alert
func (m *AlertManager) ResolveAlert(ctx context.Context, id string, sendResolution bool) (*model.Alert, []*model.NotificationResult, error) {
	alert, err := m.GetAlert(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if alert.Resolved {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlertResolved, id)
	}

	now := m.now().UTC()
	changed, err := m.store.ResolveAlert(ctx, id, now)
	if err != nil {
		return nil, nil, err
	}
	if !changed {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlertResolved, id)
	}
	alert.Resolved = true
	alert.ResolvedAt = &now

	m.logger.Info("Alert resolved",
		zap.String("alert_id", id),
		zap.Duration("duration", alert.Duration(now)),
		zap.Bool("send_resolution", sendResolution))
	events.PublishBestEffort(ctx, m.logger, m.publisher, events.NewAlertEvent(events.AlertResolved, alert, now))

	if !sendResolution {
		return alert, nil, nil
	}
	results, err := m.dispatcher.DispatchResolution(ctx, alert, nil)
	if err != nil {
		return alert, nil, fmt.Errorf("failed to send resolution notices: %w", err)
	}
	return alert, results, nil
}

// CreateSilence validates and stores a silence. A zero start time means now.
func (m *AlertManager) CreateSilence(ctx context.Context, silence *model.AlertSilence) error {
	if silence.StartTime.IsZero() {
		silence.StartTime = m.now().UTC()
	}
	if err := silence.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSilence, err)
	}
	silence.CreatedAt = m.now().UTC()
	if err := m.store.CreateSilence(ctx, silence); err != nil {
		return err
	}
	m.logger.Info("Silence created",
		zap.Int64("silence_id", silence.ID),
		zap.Int("matchers", len(silence.Matchers)),
		zap.Time("end", silence.EndTime),
		zap.String("by", silence.CreatedBy))
	return nil
}

// ListSilences returns all silences, or only those active now
func (m *AlertManager) ListSilences(ctx context.Context, activeOnly bool) ([]*model.AlertSilence, error) {
	if activeOnly {
		return m.store.ActiveSilences(ctx, m.now())
	}
	return m.store.ListSilences(ctx)
}

// ExpireSilence ends an active silence now. The record is kept until cleanup.
func (m *AlertManager) ExpireSilence(ctx context.Context, id int64) error {
	if err := m.store.ExpireSilence(ctx, id, m.now()); err != nil {
		return err
	}
	m.logger.Info("Silence expired", zap.Int64("silence_id", id))
	return nil
}

// CreateWindow validates and stores a maintenance window
func (m *AlertManager) CreateWindow(ctx context.Context, w *model.MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	if err := m.store.CreateWindow(ctx, w); err != nil {
		return err
	}
	m.logger.Info("Maintenance window created",
		zap.Int64("window_id", w.ID),
		zap.String("name", w.Name),
		zap.Time("start", w.StartTime),
		zap.Time("end", w.EndTime),
		zap.String("recurrence", w.Recurrence))
	return nil
}

// UpdateWindow validates and replaces a maintenance window
func (m *AlertManager) UpdateWindow(ctx context.Context, w *model.MaintenanceWindow) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}
	return m.store.UpdateWindow(ctx, w)
}

// GetWindow returns a maintenance window by id
func (m *AlertManager) GetWindow(ctx context.Context, id int64) (*model.MaintenanceWindow, error) {
	return m.store.GetWindow(ctx, id)
}

// ListWindows returns all maintenance windows, or only those active now
func (m *AlertManager) ListWindows(ctx context.Context, activeOnly bool) ([]*model.MaintenanceWindow, error) {
	if activeOnly {
		return m.store.ActiveWindows(ctx, m.now())
	}
	return m.store.ListWindows(ctx)
}

// DeleteWindow removes a maintenance window
func (m *AlertManager) DeleteWindow(ctx context.Context, id int64) error {
	return m.store.DeleteWindow(ctx, id)
}

func (m *AlertManager) validateChannel(ch *model.NotificationChannel) error {
	ch.Name = strings.TrimSpace(ch.Name)
	if ch.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidChannel)
	}
	if ch.RateLimitPerHour != nil && *ch.RateLimitPerHour < 1 {
		return fmt.Errorf("%w: rate limit must be at least 1 per hour", ErrInvalidChannel)
	}
	for _, s := range ch.SeverityFilter {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown severity %q in filter", ErrInvalidChannel, s)
		}
	}
	if err := m.registry.ValidateChannel(ch); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChannel, err)
	}
	return nil
}

// CreateChannel validates the channel against its sender and stores it.
// Nothing is persisted when validation fails.
func (m *AlertManager) CreateChannel(ctx context.Context, ch *model.NotificationChannel) error {
	if err := m.validateChannel(ch); err != nil {
		return err
	}
	if err := m.store.CreateChannel(ctx, ch); err != nil {
		return err
	}
	m.logger.Info("Notification channel created",
		zap.Int64("channel_id", ch.ID),
		zap.String("name", ch.Name),
		zap.String("type", string(ch.Type)))
	return nil
}

// UpdateChannel validates and replaces a channel. Its rate-limit window is
// reloaded from history on next use.
func (m *AlertManager) UpdateChannel(ctx context.Context, ch *model.NotificationChannel) error {
	if err := m.validateChannel(ch); err != nil {
		return err
	}
	if err := m.store.UpdateChannel(ctx, ch); err != nil {
		return err
	}
	m.dispatcher.Limiter().Forget(ch.ID)
	return nil
}

// SetChannelEnabled enables or disables a channel
func (m *AlertManager) SetChannelEnabled(ctx context.Context, id int64, enabled bool) (*model.NotificationChannel, error) {
	ch, err := m.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch.Enabled == enabled {
		return ch, nil
	}
	ch.Enabled = enabled
	if err := m.store.UpdateChannel(ctx, ch); err != nil {
		return nil, err
	}
	m.logger.Info("Notification channel toggled",
		zap.Int64("channel_id", id),
		zap.Bool("enabled", enabled))
	return ch, nil
}

// GetChannel returns a channel by id
func (m *AlertManager) GetChannel(ctx context.Context, id int64) (*model.NotificationChannel, error) {
	return m.store.GetChannel(ctx, id)
}

// ListChannels returns every channel
func (m *AlertManager) ListChannels(ctx context.Context) ([]*model.NotificationChannel, error) {
	return m.store.ListChannels(ctx)
}

// DeleteChannel removes a channel. Its history rows are kept.
func (m *AlertManager) DeleteChannel(ctx context.Context, id int64) error {
	if err := m.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	m.dispatcher.Limiter().Forget(id)
	m.logger.Info("Notification channel deleted", zap.Int64("channel_id", id))
	return nil
}

// TestChannel sends a test notification through a channel
func (m *AlertManager) TestChannel(ctx context.Context, id int64) (*model.NotificationResult, error) {
	return m.dispatcher.TestChannel(ctx, id)
}

// CreatePolicy validates and stores an escalation policy. Every tier must
// reference existing channels.
func (m *AlertManager) CreatePolicy(ctx context.Context, policy *model.EscalationPolicy) error {
	policy.Name = strings.TrimSpace(policy.Name)
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for _, tier := range policy.Tiers {
		for _, id := range tier.ChannelIDs {
			if _, err := m.store.GetChannel(ctx, id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: tier %d references unknown channel %d", ErrInvalidPolicy, tier.Order, id)
				}
				return err
			}
		}
	}
	if err := m.store.CreatePolicy(ctx, policy); err != nil {
		return err
	}
	m.logger.Info("Escalation policy created",
		zap.Int64("policy_id", policy.ID),
		zap.String("name", policy.Name),
		zap.Int("tiers", len(policy.Tiers)),
		zap.Int("repeat_count", policy.RepeatCount))
	return nil
}

// GetPolicy returns an escalation policy by id
func (m *AlertManager) GetPolicy(ctx context.Context, id int64) (*model.EscalationPolicy, error) {
	return m.store.GetPolicy(ctx, id)
}

// ListPolicies returns every escalation policy
func (m *AlertManager) ListPolicies(ctx context.Context) ([]*model.EscalationPolicy, error) {
	return m.store.ListPolicies(ctx)
}

// DeletePolicy removes an escalation policy and its tiers
func (m *AlertManager) DeletePolicy(ctx context.Context, id int64) error {
	return m.store.DeletePolicy(ctx, id)
}

// ListHistory returns notification history rows
func (m *AlertManager) ListHistory(ctx context.Context, filter storage.HistoryFilter) ([]*model.NotificationResult, error) {
	return m.store.ListHistory(ctx, filter)
}

// RetryFailed resends up to limit recent failed notifications
func (m *AlertManager) RetryFailed(ctx context.Context, limit int) ([]*model.NotificationResult, error) {
	return m.dispatcher.RetryFailed(ctx, limit)
}

// GetAlertStats counts alerts, active silences and active maintenance windows
func (m *AlertManager) GetAlertStats(ctx context.Context) (*model.AlertStats, error) {
	now := m.now()
	stats, err := m.store.AlertCounts(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	silences, err := m.store.ActiveSilences(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load active silences: %w", err)
	}
	windows, err := m.store.ActiveWindows(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load active maintenance windows: %w", err)
	}
	stats.ActiveSilences = len(silences)
	stats.ActiveWindows = len(windows)
	return stats, nil
}

// Cleanup purges resolved alerts, expired silences and old history past their retention
func (m *AlertManager) Cleanup(ctx context.Context) (*CleanupReport, error) {
	now := m.now()
	report := &CleanupReport{}

	var err error
	if report.ResolvedAlerts, err = m.store.DeleteResolvedAlertsBefore(ctx, now.Add(-m.retention.ResolvedAlerts)); err != nil {
		return report, err
	}
	if report.ExpiredSilences, err = m.store.DeleteSilencesExpiredBefore(ctx, now.Add(-m.retention.ExpiredSilences)); err != nil {
		return report, err
	}
	if m.retention.History > 0 {
		if report.History, err = m.store.DeleteHistoryBefore(ctx, now.Add(-m.retention.History)); err != nil {
			return report, err
		}
	}

	m.logger.Info("Cleanup completed",
		zap.Int64("resolved_alerts", report.ResolvedAlerts),
		zap.Int64("expired_silences", report.ExpiredSilences),
		zap.Int64("history", report.History))
	return report, nil
}
