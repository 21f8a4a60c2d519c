package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/alert-dispatch/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when a uniqueness constraint is violated
	ErrDuplicate = errors.New("duplicate record")
)

// ChannelStore persists notification channels
type ChannelStore interface {
	CreateChannel(ctx context.Context, ch *model.NotificationChannel) error
	UpdateChannel(ctx context.Context, ch *model.NotificationChannel) error
	GetChannel(ctx context.Context, id int64) (*model.NotificationChannel, error)
	ListChannels(ctx context.Context) ([]*model.NotificationChannel, error)
	ListEnabledChannels(ctx context.Context) ([]*model.NotificationChannel, error)
	DeleteChannel(ctx context.Context, id int64) error

	// RecordChannelUsage bumps the success/failure counters and, on success, last_used_at
	RecordChannelUsage(ctx context.Context, id int64, success bool, at time.Time) error
}

// PolicyStore persists escalation policies together with their tiers
type PolicyStore interface {
	CreatePolicy(ctx context.Context, policy *model.EscalationPolicy) error
	GetPolicy(ctx context.Context, id int64) (*model.EscalationPolicy, error)
	ListPolicies(ctx context.Context) ([]*model.EscalationPolicy, error)
	DeletePolicy(ctx context.Context, id int64) error
}

// AlertStore persists alerts and acknowledgements
type AlertStore interface {
	// CreateAlert returns ErrDuplicate if an unresolved alert with the same
	// (alert_type, instance_name) already exists
	CreateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	FindActiveAlert(ctx context.Context, alertType, instance string) (*model.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]*model.Alert, error)

	// ListEscalatingAlerts returns unresolved, unacknowledged alerts with a policy
	ListEscalatingAlerts(ctx context.Context) ([]*model.Alert, error)
	MarkNotified(ctx context.Context, id string, at time.Time) error

	// AdvanceEscalation moves an alert from (fromTier, fromPass) to (toTier, toPass)
	// only if it is still at the expected position and neither acknowledged nor resolved
	AdvanceEscalation(ctx context.Context, id string, fromTier, fromPass, toTier, toPass int, at time.Time) (bool, error)

	// AcknowledgeAlert flips acknowledged on an unresolved, unacknowledged alert
	// and records the acknowledgement. It reports whether the flag changed.
	AcknowledgeAlert(ctx context.Context, ack *model.AlertAcknowledgement) (bool, error)
	ListAcknowledgements(ctx context.Context, alertID string) ([]*model.AlertAcknowledgement, error)

	// ResolveAlert flips resolved on an unresolved alert and reports whether it changed
	ResolveAlert(ctx context.Context, id string, at time.Time) (bool, error)
	AlertCounts(ctx context.Context, resolvedSince time.Time) (*model.AlertStats, error)
	DeleteResolvedAlertsBefore(ctx context.Context, before time.Time) (int64, error)
}

// SuppressionStore persists maintenance windows and silences
type SuppressionStore interface {
	CreateWindow(ctx context.Context, w *model.MaintenanceWindow) error
	UpdateWindow(ctx context.Context, w *model.MaintenanceWindow) error
	GetWindow(ctx context.Context, id int64) (*model.MaintenanceWindow, error)
	ListWindows(ctx context.Context) ([]*model.MaintenanceWindow, error)
	DeleteWindow(ctx context.Context, id int64) error
	ActiveWindows(ctx context.Context, at time.Time) ([]*model.MaintenanceWindow, error)

	CreateSilence(ctx context.Context, s *model.AlertSilence) error
	GetSilence(ctx context.Context, id int64) (*model.AlertSilence, error)
	ListSilences(ctx context.Context) ([]*model.AlertSilence, error)
	DeleteSilence(ctx context.Context, id int64) error
	ExpireSilence(ctx context.Context, id int64, at time.Time) error
	ActiveSilences(ctx context.Context, at time.Time) ([]*model.AlertSilence, error)
	DeleteSilencesExpiredBefore(ctx context.Context, before time.Time) (int64, error)
}

// HistoryFilter narrows history listings. Zero values are ignored.
type HistoryFilter struct {
	ChannelID   int64
	AlertID     string
	SuccessOnly *bool
	Since       time.Time
	Limit       int
	Offset      int
}

// HistoryStore is the append-only notification audit log
type HistoryStore interface {
	AppendResult(ctx context.Context, result *model.NotificationResult) error
	ListHistory(ctx context.Context, filter HistoryFilter) ([]*model.NotificationResult, error)

	// ListRetryCandidates returns the most recent failed rows that have not been retried yet
	ListRetryCandidates(ctx context.Context, limit int) ([]*model.NotificationResult, error)

	// SentTimesSince returns attempted (not rate limited) send times for a channel
	SentTimesSince(ctx context.Context, channelID int64, since time.Time) ([]time.Time, error)
	DeleteHistoryBefore(ctx context.Context, before time.Time) (int64, error)
}

// Store bundles every repository contract the engine needs
type Store interface {
	ChannelStore
	PolicyStore
	AlertStore
	SuppressionStore
	HistoryStore
	Close() error
}
