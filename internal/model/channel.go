package model

import (
	"strconv"
	"strings"
	"time"
)

// ChannelType identifies the external service behind a notification channel
type ChannelType string

const (
	ChannelTypeSlack     ChannelType = "slack"
	ChannelTypeTeams     ChannelType = "teams"
	ChannelTypePagerDuty ChannelType = "pagerduty"
	ChannelTypeDiscord   ChannelType = "discord"
	ChannelTypeWebhook   ChannelType = "webhook"
	ChannelTypeEmail     ChannelType = "email"
)

// NotificationChannel is a configured external notification destination.
// Nil or empty filters match every alert; a nil RateLimitPerHour means unlimited.
type NotificationChannel struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Type             ChannelType       `json:"type"`
	Enabled          bool              `json:"enabled"`
	Config           map[string]string `json:"config"`
	SeverityFilter   []AlertSeverity   `json:"severity_filter,omitempty"`
	AlertTypeFilter  []string          `json:"alert_type_filter,omitempty"`
	InstanceFilter   []string          `json:"instance_filter,omitempty"`
	RateLimitPerHour *int              `json:"rate_limit_per_hour,omitempty"`
	LastUsedAt       *time.Time        `json:"last_used_at,omitempty"`
	SuccessCount     int64             `json:"success_count"`
	FailureCount     int64             `json:"failure_count"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Matches reports whether the channel's filters accept the alert
func (c *NotificationChannel) Matches(alert *Alert) bool {
	if len(c.SeverityFilter) > 0 && !containsSeverity(c.SeverityFilter, alert.Severity) {
		return false
	}
	if len(c.AlertTypeFilter) > 0 && !containsString(c.AlertTypeFilter, alert.AlertType) {
		return false
	}
	if len(c.InstanceFilter) > 0 && !containsString(c.InstanceFilter, alert.InstanceName) {
		return false
	}
	return true
}

// ConfigValue returns a trimmed config value
func (c *NotificationChannel) ConfigValue(key string) string {
	if c.Config == nil {
		return ""
	}
	return strings.TrimSpace(c.Config[key])
}

// ConfigBool interprets a config value as a boolean. Missing or malformed values are false.
func (c *NotificationChannel) ConfigBool(key string) bool {
	v, err := strconv.ParseBool(c.ConfigValue(key))
	return err == nil && v
}

func containsSeverity(list []AlertSeverity, s AlertSeverity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
