package model

import "time"

// NotificationType distinguishes why a delivery was attempted
type NotificationType string

const (
	NotificationAlert      NotificationType = "alert"
	NotificationResolution NotificationType = "resolution"
	NotificationTest       NotificationType = "test"
)

// FailureKind classifies a failed delivery
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureConfiguration FailureKind = "configuration"
	FailureValidation    FailureKind = "validation"
	FailureTransport     FailureKind = "transport"
	FailureRejected      FailureKind = "rejected"
	FailureRateLimited   FailureKind = "rate_limited"
)

// MaxResponseBodyLength bounds the stored response body
const MaxResponseBodyLength = 1000

// NotificationResult is an immutable delivery history record. Channel and alert
// fields are copied so the record survives deletion of either.
type NotificationResult struct {
	ID               int64            `json:"id"`
	ChannelID        int64            `json:"channel_id"`
	ChannelName      string           `json:"channel_name"`
	ChannelType      ChannelType      `json:"channel_type"`
	AlertID          string           `json:"alert_id,omitempty"`
	AlertType        string           `json:"alert_type,omitempty"`
	Severity         AlertSeverity    `json:"severity,omitempty"`
	Message          string           `json:"message,omitempty"`
	InstanceName     string           `json:"instance_name,omitempty"`
	NotificationType NotificationType `json:"notification_type"`
	Success          bool             `json:"success"`
	ResponseCode     int              `json:"response_code,omitempty"`
	ResponseBody     string           `json:"response_body,omitempty"`
	ErrorKind        FailureKind      `json:"error_kind,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	EscalationTier   int              `json:"escalation_tier,omitempty"`
	DedupKey         string           `json:"dedup_key,omitempty"`
	RetryOf          *int64           `json:"retry_of,omitempty"`
	Retried          bool             `json:"retried"`
	SentAt           time.Time        `json:"sent_at"`
}

// NewResult builds a result pre-filled with channel and alert fields. alert may be nil.
func NewResult(ch *NotificationChannel, alert *Alert, kind NotificationType) *NotificationResult {
	r := &NotificationResult{
		ChannelID:        ch.ID,
		ChannelName:      ch.Name,
		ChannelType:      ch.Type,
		NotificationType: kind,
		SentAt:           time.Now().UTC(),
	}
	if alert != nil {
		r.AlertID = alert.ID
		r.AlertType = alert.AlertType
		r.Severity = alert.Severity
		r.Message = alert.Message
		r.InstanceName = alert.InstanceName
		r.EscalationTier = alert.CurrentEscalationTier
	}
	return r
}

// Fail marks the result as failed
func (r *NotificationResult) Fail(kind FailureKind, msg string) *NotificationResult {
	r.Success = false
	r.ErrorKind = kind
	r.ErrorMessage = msg
	return r
}

// Truncate shortens s to at most MaxResponseBodyLength runes
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxResponseBodyLength {
		return s
	}
	return string(runes[:MaxResponseBodyLength])
}
