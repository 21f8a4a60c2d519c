package sender

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Webhook channel config keys. Keys prefixed with WebhookHeaderPrefix become request headers.
const (
	WebhookURL          = "url"
	WebhookMethod       = "method"
	WebhookSecret       = "secret"
	WebhookHeaderPrefix = "header_"

	SignatureHeader = "X-Signature-256"
)

type webhookAlert struct {
	ID             string              `json:"id"`
	Type           string              `json:"type"`
	Severity       model.AlertSeverity `json:"severity"`
	Message        string              `json:"message"`
	Instance       string              `json:"instance,omitempty"`
	Status         string              `json:"status"`
	FiredAt        time.Time           `json:"fired_at"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	EscalationTier int                 `json:"escalation_tier"`
}

type webhookPayload struct {
	Event     string        `json:"event"`
	Alert     *webhookAlert `json:"alert,omitempty"`
	Channel   string        `json:"channel"`
	Message   string        `json:"message,omitempty"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sign returns the X-Signature-256 header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// WebhookSender posts a generic JSON document to any HTTP endpoint
type WebhookSender struct {
	httpBase
}

// NewWebhookSender creates a generic webhook sender
func NewWebhookSender(logger *zap.Logger, opts Options) *WebhookSender {
	return &WebhookSender{httpBase: newHTTPBase(logger, "webhook", opts.withDefaults())}
}

func (s *WebhookSender) Type() model.ChannelType { return model.ChannelTypeWebhook }

func (s *WebhookSender) ValidateConfig(ch *model.NotificationChannel) error {
	if err := s.requireURL(ch, WebhookURL, nil, ""); err != nil {
		return err
	}
	switch strings.ToUpper(ch.ConfigValue(WebhookMethod)) {
	case "", http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("%w: %s must be POST, PUT or PATCH", ErrValidation, WebhookMethod)
	}
	for key := range ch.Config {
		if strings.HasPrefix(key, WebhookHeaderPrefix) && strings.TrimPrefix(key, WebhookHeaderPrefix) == "" {
			return fmt.Errorf("%w: empty header name in %q", ErrValidation, key)
		}
	}
	return nil
}

func (s *WebhookSender) Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationAlert)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	return s.post(ctx, ch, result, &webhookPayload{Event: "alert.fired", Alert: s.alert(alert)})
}

func (s *WebhookSender) SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult {
	result := model.NewResult(ch, nil, model.NotificationTest)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	return s.post(ctx, ch, result, &webhookPayload{Event: "test", Message: testMessage(ch)})
}

func (s *WebhookSender) SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationResolution)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	return s.post(ctx, ch, result, &webhookPayload{Event: "alert.resolved", Alert: s.alert(alert)})
}

func (s *WebhookSender) post(ctx context.Context, ch *model.NotificationChannel, result *model.NotificationResult, payload *webhookPayload) *model.NotificationResult {
	payload.Channel = ch.Name
	payload.Source = Hostname()
	payload.Timestamp = s.now().UTC()

	body, err := json.Marshal(payload)
	if err != nil {
		return result.Fail(model.FailureConfiguration, fmt.Sprintf("failed to encode payload: %v", err))
	}

	headers := make(map[string]string)
	for key, value := range ch.Config {
		if name := strings.TrimPrefix(key, WebhookHeaderPrefix); name != key {
			headers[name] = value
		}
	}
	if secret := ch.ConfigValue(WebhookSecret); secret != "" {
		headers[SignatureHeader] = Sign(secret, body)
	}

	method := strings.ToUpper(ch.ConfigValue(WebhookMethod))
	if method == "" {
		method = http.MethodPost
	}
	return s.deliverRaw(ctx, result, method, ch.ConfigValue(WebhookURL), body, headers, status2xx)
}

func (s *WebhookSender) alert(alert *model.Alert) *webhookAlert {
	return &webhookAlert{
		ID:             alert.ID,
		Type:           alert.AlertType,
		Severity:       alert.Severity,
		Message:        alert.Message,
		Instance:       alert.InstanceName,
		Status:         alert.Status(),
		FiredAt:        alert.FiredAt.UTC(),
		ResolvedAt:     alert.ResolvedAt,
		EscalationTier: alert.CurrentEscalationTier,
	}
}
