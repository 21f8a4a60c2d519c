package model

import (
	"fmt"
	"strings"
	"time"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "CRITICAL"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityLow      AlertSeverity = "LOW"
)

// ParseSeverity normalises a severity name. Lowercase input is accepted.
func ParseSeverity(s string) (AlertSeverity, error) {
	sev := AlertSeverity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity: %q", s)
	}
	return sev, nil
}

// Valid reports whether s is one of the known severities
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityCritical, AlertSeverityHigh, AlertSeverityMedium, AlertSeverityLow:
		return true
	}
	return false
}

// Alert represents an active or historical alert occurrence
type Alert struct {
	ID                    string        `json:"id"`
	AlertType             string        `json:"alert_type"`
	Severity              AlertSeverity `json:"severity"`
	Message               string        `json:"message"`
	InstanceName          string        `json:"instance_name,omitempty"`
	FiredAt               time.Time     `json:"fired_at"`
	LastNotificationAt    *time.Time    `json:"last_notification_at,omitempty"`
	CurrentEscalationTier int           `json:"current_escalation_tier"`
	EscalationPass        int           `json:"escalation_pass"`
	EscalationPolicyID    *int64        `json:"escalation_policy_id,omitempty"`
	Acknowledged          bool          `json:"acknowledged"`
	Resolved              bool          `json:"resolved"`
	ResolvedAt            *time.Time    `json:"resolved_at,omitempty"`
}

// Status returns a human readable lifecycle state
func (a *Alert) Status() string {
	switch {
	case a.Resolved:
		return "Resolved"
	case a.Acknowledged:
		return "Acknowledged"
	default:
		return "Active"
	}
}

// Duration returns how long the alert has been (or was) firing
func (a *Alert) Duration(now time.Time) time.Duration {
	end := now
	if a.ResolvedAt != nil {
		end = *a.ResolvedAt
	}
	if end.Before(a.FiredAt) {
		return 0
	}
	return end.Sub(a.FiredAt)
}

// AlertAcknowledgement records who acknowledged an alert
type AlertAcknowledgement struct {
	ID             int64     `json:"id"`
	AlertID        string    `json:"alert_id"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	Note           string    `json:"note,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// AlertStats summarises the current alerting state
type AlertStats struct {
	Active          int `json:"active"`
	Critical        int `json:"critical"`
	Unacknowledged  int `json:"unacknowledged"`
	ResolvedLast24h int `json:"resolved_last_24h"`
	ActiveSilences  int `json:"active_silences"`
	ActiveWindows   int `json:"active_maintenance_windows"`
}
