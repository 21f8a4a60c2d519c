package sender

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Slack channel config keys
const (
	SlackWebhookURL     = "webhook_url"
	SlackFormat         = "format"
	SlackMentionChannel = "mention_channel"
	SlackMentionGroup   = "mention_group"
	SlackUsername       = "username"
	SlackIconEmoji      = "icon_emoji"
)

const slackWebhookPrefix = "https://hooks.slack.com/"

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks,omitempty"`
}

type slackMessage struct {
	Text        string            `json:"text,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Blocks      []slackBlock      `json:"blocks,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// SlackSender posts to Slack incoming webhooks
type SlackSender struct {
	httpBase
}

// NewSlackSender creates a Slack sender
func NewSlackSender(logger *zap.Logger, opts Options) *SlackSender {
	return &SlackSender{httpBase: newHTTPBase(logger, "slack", opts.withDefaults())}
}

func (s *SlackSender) Type() model.ChannelType { return model.ChannelTypeSlack }

func (s *SlackSender) ValidateConfig(ch *model.NotificationChannel) error {
	if err := s.requireURL(ch, SlackWebhookURL, hasAnyPrefix(slackWebhookPrefix), "a "+slackWebhookPrefix+" URL"); err != nil {
		return err
	}
	switch ch.ConfigValue(SlackFormat) {
	case "", "text", "blocks":
		return nil
	default:
		return fmt.Errorf("%w: %s must be text or blocks", ErrValidation, SlackFormat)
	}
}

func (s *SlackSender) Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationAlert)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	return s.post(ctx, ch, result, s.alertMessage(ch, alert))
}

func (s *SlackSender) SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult {
	result := model.NewResult(ch, nil, model.NotificationTest)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	msg := s.envelope(ch)
	msg.Text = "✅ " + testMessage(ch)
	return s.post(ctx, ch, result, msg)
}

func (s *SlackSender) SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationResolution)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	return s.post(ctx, ch, result, s.resolutionMessage(ch, alert))
}

func (s *SlackSender) post(ctx context.Context, ch *model.NotificationChannel, result *model.NotificationResult, msg *slackMessage) *model.NotificationResult {
	return s.deliver(ctx, result, ch.ConfigValue(SlackWebhookURL), msg, nil, statusIn(http.StatusOK))
}

func (s *SlackSender) envelope(ch *model.NotificationChannel) *slackMessage {
	return &slackMessage{
		Username:  ch.ConfigValue(SlackUsername),
		IconEmoji: ch.ConfigValue(SlackIconEmoji),
	}
}

func useBlocks(ch *model.NotificationChannel) bool {
	return ch.ConfigValue(SlackFormat) != "text"
}

// slackMention is only produced for CRITICAL alerts
func slackMention(ch *model.NotificationChannel, alert *model.Alert) string {
	if alert.Severity != model.AlertSeverityCritical {
		return ""
	}
	if group := ch.ConfigValue(SlackMentionGroup); group != "" {
		return "<!subteam^" + group + ">"
	}
	if ch.ConfigBool(SlackMentionChannel) {
		return "<!channel>"
	}
	return ""
}

func (s *SlackSender) alertMessage(ch *model.NotificationChannel, alert *model.Alert) *slackMessage {
	msg := s.envelope(ch)
	mention := slackMention(ch, alert)

	if !useBlocks(ch) {
		text := fmt.Sprintf("%s\n%s\nInstance: %s", alertTitle(alert), alert.Message, instanceLabel(alert))
		if mention != "" {
			text = mention + " " + text
		}
		msg.Text = text
		return msg
	}

	msg.Blocks = []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: truncateRunes(alertTitle(alert), 150)}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: truncateRunes(alert.Message, 3000)}},
	}
	if mention != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: mention}})
	}
	msg.Attachments = []slackAttachment{{
		Color:  severityColor(alert.Severity),
		Blocks: s.detailBlocks(alert),
	}}
	return msg
}

func (s *SlackSender) resolutionMessage(ch *model.NotificationChannel, alert *model.Alert) *slackMessage {
	msg := s.envelope(ch)
	if !useBlocks(ch) {
		msg.Text = fmt.Sprintf("%s\nInstance: %s\nDuration: %s",
			resolvedTitle(alert), instanceLabel(alert), formatDuration(alert.Duration(s.now())))
		return msg
	}
	msg.Blocks = []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: truncateRunes(resolvedTitle(alert), 150)}},
	}
	msg.Attachments = []slackAttachment{{
		Color:  resolvedColor,
		Blocks: s.detailBlocks(alert),
	}}
	return msg
}

func (s *SlackSender) detailBlocks(alert *model.Alert) []slackBlock {
	return []slackBlock{
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: "*Severity:*\n" + string(alert.Severity)},
				{Type: "mrkdwn", Text: "*Instance:*\n" + instanceLabel(alert)},
				{Type: "mrkdwn", Text: "*Duration:*\n" + formatDuration(alert.Duration(s.now()))},
				{Type: "mrkdwn", Text: "*Status:*\n" + alert.Status()},
			},
		},
		{
			Type: "context",
			Elements: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("Alert %s fired at %s", alert.ID, alert.FiredAt.UTC().Format(time.RFC3339))},
			},
		},
	}
}
