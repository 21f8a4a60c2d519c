package sender

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

func TestWebhookSender_ValidateConfig(t *testing.T) {
	s := NewWebhookSender(zap.NewNop(), Options{})
	require.ErrorIs(t, s.ValidateConfig(channel(model.ChannelTypeWebhook, nil)), ErrConfiguration)
	require.ErrorIs(t, s.ValidateConfig(channel(model.ChannelTypeWebhook, map[string]string{WebhookURL: "ftp://host/x"})), ErrValidation)
	require.ErrorIs(t, s.ValidateConfig(channel(model.ChannelTypeWebhook, map[string]string{
		WebhookURL:    "https://hooks.example.com/x",
		WebhookMethod: "DELETE",
	})), ErrValidation)
	require.NoError(t, s.ValidateConfig(channel(model.ChannelTypeWebhook, map[string]string{WebhookURL: "https://hooks.example.com/x"})))
}

func TestWebhookSender_SignsAndForwardsHeaders(t *testing.T) {
	server := newCaptureServer(t, http.StatusCreated, "")
	s := NewWebhookSender(zap.NewNop(), testOptions())
	ch := channel(model.ChannelTypeWebhook, map[string]string{
		WebhookURL:             server.URL,
		WebhookSecret:          "s3cret",
		WebhookMethod:          "put",
		"header_Authorization": "Bearer token",
	})

	result := s.Send(context.Background(), ch, testAlert(model.AlertSeverityHigh))
	require.True(t, result.Success, result.ErrorMessage)

	req := server.Requests()[0]
	require.Equal(t, http.MethodPut, req.Method)
	require.Equal(t, "Bearer token", req.Header.Get("Authorization"))
	require.Equal(t, Sign("s3cret", req.Body), req.Header.Get(SignatureHeader))

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(req.Body, &payload))
	require.Equal(t, "alert.fired", payload.Event)
	require.Equal(t, "a1b2c3", payload.Alert.ID)
	require.Equal(t, "ops-webhook", payload.Channel)
	require.NotEmpty(t, payload.Source)
}

func TestWebhookSender_NoSignatureWithoutSecret(t *testing.T) {
	server := newCaptureServer(t, http.StatusOK, "")
	s := NewWebhookSender(zap.NewNop(), testOptions())

	result := s.SendResolution(context.Background(), channel(model.ChannelTypeWebhook, map[string]string{WebhookURL: server.URL}), testAlert(model.AlertSeverityHigh))
	require.NotNil(t, result)
	require.True(t, result.Success)
	req := server.Requests()[0]
	require.Empty(t, req.Header.Get(SignatureHeader))
	require.Contains(t, string(req.Body), `"event":"alert.resolved"`)
}
