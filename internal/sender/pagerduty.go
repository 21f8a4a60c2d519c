package sender

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// DefaultPagerDutyEventsURL is the Events API v2 enqueue endpoint
const DefaultPagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDuty channel config keys
const (
	PagerDutyRoutingKey   = "routing_key"
	PagerDutyAutoResolve  = "auto_resolve"
	pagerDutyAutoResolve2 = "autoResolve"
	PagerDutyDashboardURL = "dashboard_url"
)

const (
	pagerDutyRoutingKeyLength = 32
	pagerDutySummaryLimit     = 1024
)

type pagerDutyEvent struct {
	RoutingKey  string            `json:"routing_key"`
	EventAction string            `json:"event_action"`
	DedupKey    string            `json:"dedup_key"`
	Payload     *pagerDutyPayload `json:"payload,omitempty"`
	Client      string            `json:"client,omitempty"`
	ClientURL   string            `json:"client_url,omitempty"`
}

type pagerDutyPayload struct {
	Summary       string            `json:"summary"`
	Severity      string            `json:"severity"`
	Source        string            `json:"source"`
	Timestamp     string            `json:"timestamp"`
	Component     string            `json:"component,omitempty"`
	Class         string            `json:"class,omitempty"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
}

// DedupKey returns the incident key shared by every trigger and resolve for one alert
func DedupKey(alert *model.Alert) string {
	return "pg-console-" + alert.AlertType + "-" + alert.InstanceName + "-" + alert.ID
}

// PagerDutySeverity maps alert severities onto Events API v2 severities
func PagerDutySeverity(s model.AlertSeverity) string {
	switch s {
	case model.AlertSeverityCritical:
		return "critical"
	case model.AlertSeverityHigh:
		return "error"
	case model.AlertSeverityMedium, "WARNING":
		return "warning"
	default:
		return "info"
	}
}

// PagerDutySender sends Events API v2 trigger and resolve events
type PagerDutySender struct {
	httpBase
	eventsURL string
}

// NewPagerDutySender creates a PagerDuty sender
func NewPagerDutySender(logger *zap.Logger, opts Options) *PagerDutySender {
	opts = opts.withDefaults()
	return &PagerDutySender{
		httpBase:  newHTTPBase(logger, "pagerduty", opts),
		eventsURL: opts.PagerDutyEventsURL,
	}
}

func (s *PagerDutySender) Type() model.ChannelType { return model.ChannelTypePagerDuty }

func (s *PagerDutySender) ValidateConfig(ch *model.NotificationChannel) error {
	key := ch.ConfigValue(PagerDutyRoutingKey)
	if key == "" {
		return fmt.Errorf("%w: %s is required", ErrConfiguration, PagerDutyRoutingKey)
	}
	if len(key) != pagerDutyRoutingKeyLength {
		return fmt.Errorf("%w: %s must be %d characters", ErrValidation, PagerDutyRoutingKey, pagerDutyRoutingKeyLength)
	}
	return nil
}

func (s *PagerDutySender) Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationAlert)
	result.DedupKey = DedupKey(alert)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}

	event := s.event(ch, "trigger", result.DedupKey)
	event.Payload = &pagerDutyPayload{
		Summary:   truncateRunes(fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.AlertType, alert.Message), pagerDutySummaryLimit),
		Severity:  PagerDutySeverity(alert.Severity),
		Source:    pagerDutySource(alert),
		Timestamp: alert.FiredAt.UTC().Format(time.RFC3339),
		Component: alert.InstanceName,
		Class:     alert.AlertType,
		CustomDetails: map[string]string{
			"alert_id": alert.ID,
			"message":  alert.Message,
			"status":   alert.Status(),
		},
	}
	return s.deliver(ctx, result, s.eventsURL, event, nil, statusIn(http.StatusAccepted))
}

// SendTest triggers a short-lived test incident and resolves it straight away
func (s *PagerDutySender) SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult {
	result := model.NewResult(ch, nil, model.NotificationTest)
	result.DedupKey = fmt.Sprintf("pg-console-test-%d-%d", ch.ID, s.now().Unix())
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}

	event := s.event(ch, "trigger", result.DedupKey)
	event.Payload = &pagerDutyPayload{
		Summary:   testMessage(ch),
		Severity:  "info",
		Source:    Hostname(),
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}
	s.deliver(ctx, result, s.eventsURL, event, nil, statusIn(http.StatusAccepted))
	if result.Success {
		resolve := model.NewResult(ch, nil, model.NotificationTest)
		s.deliver(ctx, resolve, s.eventsURL, s.event(ch, "resolve", result.DedupKey), nil, statusIn(http.StatusAccepted))
		if !resolve.Success {
			s.logger.Warn("Failed to resolve PagerDuty test incident",
				zap.String("channel", ch.Name),
				zap.String("error", resolve.ErrorMessage))
		}
	}
	return result
}

// SendResolution returns nil unless the channel enables auto resolve
func (s *PagerDutySender) SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	if !ch.ConfigBool(PagerDutyAutoResolve) && !ch.ConfigBool(pagerDutyAutoResolve2) {
		return nil
	}
	result := model.NewResult(ch, alert, model.NotificationResolution)
	result.DedupKey = DedupKey(alert)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	return s.deliver(ctx, result, s.eventsURL, s.event(ch, "resolve", result.DedupKey), nil, statusIn(http.StatusAccepted))
}

func (s *PagerDutySender) event(ch *model.NotificationChannel, action, dedupKey string) *pagerDutyEvent {
	return &pagerDutyEvent{
		RoutingKey:  ch.ConfigValue(PagerDutyRoutingKey),
		EventAction: action,
		DedupKey:    dedupKey,
		Client:      "alert-dispatch",
		ClientURL:   ch.ConfigValue(PagerDutyDashboardURL),
	}
}

func pagerDutySource(alert *model.Alert) string {
	if alert.InstanceName != "" {
		return alert.InstanceName
	}
	return Hostname()
}
