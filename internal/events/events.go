package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Type is the subject an event is published on
type Type string

const (
	AlertFired        Type = "alert.fired"
	AlertAcknowledged Type = "alert.acknowledged"
	AlertResolved     Type = "alert.resolved"
	AlertEscalated    Type = "alert.escalated"
	StatsUpdated      Type = "alert.stats"
)

// Event is an alert lifecycle notification
type Event struct {
	ID             string              `json:"id"`
	Type           Type                `json:"type"`
	AlertID        string              `json:"alert_id,omitempty"`
	AlertType      string              `json:"alert_type,omitempty"`
	Severity       model.AlertSeverity `json:"severity,omitempty"`
	InstanceName   string              `json:"instance_name,omitempty"`
	Message        string              `json:"message,omitempty"`
	EscalationTier int                 `json:"escalation_tier,omitempty"`
	EscalationPass int                 `json:"escalation_pass,omitempty"`
	Actor          string              `json:"actor,omitempty"`
	Note           string              `json:"note,omitempty"`
	Stats          *model.AlertStats   `json:"stats,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// NewAlertEvent builds an event describing alert
func NewAlertEvent(t Type, alert *model.Alert, at time.Time) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           t,
		AlertID:        alert.ID,
		AlertType:      alert.AlertType,
		Severity:       alert.Severity,
		InstanceName:   alert.InstanceName,
		Message:        alert.Message,
		EscalationTier: alert.CurrentEscalationTier,
		EscalationPass: alert.EscalationPass,
		OccurredAt:     at.UTC(),
	}
}

// NewStatsEvent builds a stats snapshot event
func NewStatsEvent(stats *model.AlertStats, at time.Time) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       StatsUpdated,
		Stats:      stats,
		OccurredAt: at.UTC(),
	}
}

// Publisher emits lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }
