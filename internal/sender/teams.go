package sender

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Teams channel config keys
const (
	TeamsWebhookURL   = "webhook_url"
	TeamsDashboardURL = "dashboard_url"
)

const (
	adaptiveCardContentType = "application/vnd.microsoft.card.adaptive"
	adaptiveCardSchema      = "http://adaptivecards.io/schemas/adaptive-card.json"
	adaptiveCardVersion     = "1.4"
)

var teamsHostSuffixes = []string{".webhook.office.com", "outlook.office.com", ".logic.azure.com"}

type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

type teamsAttachment struct {
	ContentType string       `json:"contentType"`
	ContentURL  *string      `json:"contentUrl"`
	Content     adaptiveCard `json:"content"`
}

type adaptiveCard struct {
	Schema  string         `json:"$schema"`
	Type    string         `json:"type"`
	Version string         `json:"version"`
	Body    []cardElement  `json:"body"`
	Actions []cardAction   `json:"actions,omitempty"`
	MSTeams *msteamsLayout `json:"msteams,omitempty"`
}

type msteamsLayout struct {
	Width string `json:"width"`
}

type cardElement struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	Size     string     `json:"size,omitempty"`
	Weight   string     `json:"weight,omitempty"`
	Color    string     `json:"color,omitempty"`
	Wrap     bool       `json:"wrap,omitempty"`
	IsSubtle bool       `json:"isSubtle,omitempty"`
	Facts    []cardFact `json:"facts,omitempty"`
}

type cardFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type cardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// TeamsSender posts Adaptive Cards to Microsoft Teams webhooks
type TeamsSender struct {
	httpBase
}

// NewTeamsSender creates a Teams sender
func NewTeamsSender(logger *zap.Logger, opts Options) *TeamsSender {
	return &TeamsSender{httpBase: newHTTPBase(logger, "teams", opts.withDefaults())}
}

func (s *TeamsSender) Type() model.ChannelType { return model.ChannelTypeTeams }

func (s *TeamsSender) ValidateConfig(ch *model.NotificationChannel) error {
	return s.requireURL(ch, TeamsWebhookURL, func(_ string, u *url.URL) bool {
		if u.Scheme != "https" {
			return false
		}
		host := strings.ToLower(u.Hostname())
		for _, suffix := range teamsHostSuffixes {
			if strings.HasSuffix(host, suffix) {
				return true
			}
		}
		return false
	}, "an https Teams or Power Automate webhook URL")
}

func (s *TeamsSender) Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationAlert)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	card := s.alertCard(ch, alert, alertTitle(alert), teamsColor(alert.Severity))
	return s.post(ctx, ch, result, card)
}

func (s *TeamsSender) SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult {
	result := model.NewResult(ch, nil, model.NotificationTest)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	card := newCard([]cardElement{
		{Type: "TextBlock", Text: "✅ Test notification", Size: "Large", Weight: "Bolder", Color: "Good"},
		{Type: "TextBlock", Text: testMessage(ch), Wrap: true},
	})
	return s.post(ctx, ch, result, card)
}

func (s *TeamsSender) SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationResolution)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	card := s.alertCard(ch, alert, resolvedTitle(alert), "Good")
	return s.post(ctx, ch, result, card)
}

func (s *TeamsSender) post(ctx context.Context, ch *model.NotificationChannel, result *model.NotificationResult, card adaptiveCard) *model.NotificationResult {
	msg := teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{{
			ContentType: adaptiveCardContentType,
			Content:     card,
		}},
	}
	return s.deliver(ctx, result, ch.ConfigValue(TeamsWebhookURL), msg, nil, statusIn(http.StatusOK, http.StatusAccepted))
}

func (s *TeamsSender) alertCard(ch *model.NotificationChannel, alert *model.Alert, title, color string) adaptiveCard {
	card := newCard([]cardElement{
		{Type: "TextBlock", Text: title, Size: "Large", Weight: "Bolder", Color: color, Wrap: true},
		{Type: "TextBlock", Text: alert.Message, Wrap: true},
		{Type: "FactSet", Facts: []cardFact{
			{Title: "Severity", Value: string(alert.Severity)},
			{Title: "Instance", Value: instanceLabel(alert)},
			{Title: "Duration", Value: formatDuration(alert.Duration(s.now()))},
			{Title: "Status", Value: alert.Status()},
		}},
		{Type: "TextBlock", Text: "Alert ID: " + alert.ID, IsSubtle: true, Size: "Small"},
	})
	if dashboard := ch.ConfigValue(TeamsDashboardURL); dashboard != "" {
		card.Actions = []cardAction{{Type: "Action.OpenUrl", Title: "Open dashboard", URL: dashboard}}
	}
	return card
}

func newCard(body []cardElement) adaptiveCard {
	return adaptiveCard{
		Schema:  adaptiveCardSchema,
		Type:    "AdaptiveCard",
		Version: adaptiveCardVersion,
		Body:    body,
		MSTeams: &msteamsLayout{Width: "Full"},
	}
}

// teamsColor maps severity onto Adaptive Card text colors
func teamsColor(s model.AlertSeverity) string {
	switch s {
	case model.AlertSeverityCritical:
		return "Attention"
	case model.AlertSeverityHigh, model.AlertSeverityMedium:
		return "Warning"
	default:
		return "Accent"
	}
}
