package sender

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

// Discord channel config keys
const (
	DiscordWebhookURL      = "webhook_url"
	DiscordFormat          = "format"
	DiscordMentionEveryone = "mention_everyone"
	DiscordMentionRole     = "mention_role"
	DiscordUsername        = "username"
	DiscordAvatarURL       = "avatar_url"
)

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordMentions struct {
	Parse []string `json:"parse"`
	Roles []string `json:"roles,omitempty"`
}

type discordMessage struct {
	Content         string           `json:"content,omitempty"`
	Username        string           `json:"username,omitempty"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	Embeds          []discordEmbed   `json:"embeds,omitempty"`
	AllowedMentions *discordMentions `json:"allowed_mentions,omitempty"`
}

// DiscordSender posts to Discord webhooks
type DiscordSender struct {
	httpBase
}

// NewDiscordSender creates a Discord sender
func NewDiscordSender(logger *zap.Logger, opts Options) *DiscordSender {
	return &DiscordSender{httpBase: newHTTPBase(logger, "discord", opts.withDefaults())}
}

func (s *DiscordSender) Type() model.ChannelType { return model.ChannelTypeDiscord }

func (s *DiscordSender) ValidateConfig(ch *model.NotificationChannel) error {
	err := s.requireURL(ch, DiscordWebhookURL,
		hasAnyPrefix("https://discord.com/api/webhooks/", "https://discordapp.com/api/webhooks/"),
		"a Discord webhook URL")
	if err != nil {
		return err
	}
	switch ch.ConfigValue(DiscordFormat) {
	case "", "text", "embeds":
		return nil
	default:
		return fmt.Errorf("%w: %s must be text or embeds", ErrValidation, DiscordFormat)
	}
}

func (s *DiscordSender) Send(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationAlert)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}

	msg := s.envelope(ch)
	mention, allowed := discordMention(ch, alert)
	msg.AllowedMentions = allowed
	if ch.ConfigValue(DiscordFormat) == "text" {
		msg.Content = fmt.Sprintf("%s\n%s\nInstance: %s", alertTitle(alert), alert.Message, instanceLabel(alert))
		if mention != "" {
			msg.Content = mention + " " + msg.Content
		}
	} else {
		msg.Content = mention
		msg.Embeds = []discordEmbed{s.embed(alert, alertTitle(alert), severityColor(alert.Severity))}
	}
	return s.post(ctx, ch, result, msg)
}

func (s *DiscordSender) SendTest(ctx context.Context, ch *model.NotificationChannel) *model.NotificationResult {
	result := model.NewResult(ch, nil, model.NotificationTest)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	msg := s.envelope(ch)
	msg.Content = "✅ " + testMessage(ch)
	return s.post(ctx, ch, result, msg)
}

func (s *DiscordSender) SendResolution(ctx context.Context, ch *model.NotificationChannel, alert *model.Alert) *model.NotificationResult {
	result := model.NewResult(ch, alert, model.NotificationResolution)
	if err := s.ValidateConfig(ch); err != nil {
		return rejectConfig(result, err)
	}
	msg := s.envelope(ch)
	if ch.ConfigValue(DiscordFormat) == "text" {
		msg.Content = fmt.Sprintf("%s\nInstance: %s\nDuration: %s",
			resolvedTitle(alert), instanceLabel(alert), formatDuration(alert.Duration(s.now())))
	} else {
		msg.Embeds = []discordEmbed{s.embed(alert, resolvedTitle(alert), resolvedColor)}
	}
	return s.post(ctx, ch, result, msg)
}

func (s *DiscordSender) post(ctx context.Context, ch *model.NotificationChannel, result *model.NotificationResult, msg *discordMessage) *model.NotificationResult {
	return s.deliver(ctx, result, ch.ConfigValue(DiscordWebhookURL), msg, nil, statusIn(http.StatusOK, http.StatusNoContent))
}

func (s *DiscordSender) envelope(ch *model.NotificationChannel) *discordMessage {
	return &discordMessage{
		Username:  ch.ConfigValue(DiscordUsername),
		AvatarURL: ch.ConfigValue(DiscordAvatarURL),
	}
}

func (s *DiscordSender) embed(alert *model.Alert, title, color string) discordEmbed {
	return discordEmbed{
		Title:       truncateRunes(title, 256),
		Description: truncateRunes(alert.Message, 4096),
		Color:       colorInt(color),
		Fields: []discordField{
			{Name: "Severity", Value: string(alert.Severity), Inline: true},
			{Name: "Instance", Value: instanceLabel(alert), Inline: true},
			{Name: "Duration", Value: formatDuration(alert.Duration(s.now())), Inline: true},
			{Name: "Status", Value: alert.Status(), Inline: true},
		},
		Timestamp: alert.FiredAt.UTC().Format(time.RFC3339),
		Footer:    &discordFooter{Text: "Alert " + alert.ID},
	}
}

// discordMention is only produced for CRITICAL alerts
func discordMention(ch *model.NotificationChannel, alert *model.Alert) (string, *discordMentions) {
	if alert.Severity != model.AlertSeverityCritical {
		return "", &discordMentions{Parse: []string{}}
	}
	if role := ch.ConfigValue(DiscordMentionRole); role != "" {
		return "<@&" + role + ">", &discordMentions{Parse: []string{}, Roles: []string{role}}
	}
	if ch.ConfigBool(DiscordMentionEveryone) {
		return "@everyone", &discordMentions{Parse: []string{"everyone"}}
	}
	return "", &discordMentions{Parse: []string{}}
}
