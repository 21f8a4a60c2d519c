package sender

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
)

var routingKey = strings.Repeat("r", 32)

func pagerDutySender(t *testing.T, status int) (*PagerDutySender, *captureServer) {
	t.Helper()
	server := newCaptureServer(t, status, `{"status":"success","message":"Event processed"}`)
	opts := testOptions()
	opts.PagerDutyEventsURL = server.URL
	return NewPagerDutySender(zap.NewNop(), opts), server
}

func TestDedupKey(t *testing.T) {
	alert := testAlert(model.AlertSeverityCritical)
	require.Equal(t, "pg-console-HIGH_CONNECTIONS-prod-a1b2c3", DedupKey(alert))

	other := *alert
	other.Message = "changed"
	require.Equal(t, DedupKey(alert), DedupKey(&other))
}

func TestPagerDutySeverity(t *testing.T) {
	assert.Equal(t, "critical", PagerDutySeverity(model.AlertSeverityCritical))
	assert.Equal(t, "error", PagerDutySeverity(model.AlertSeverityHigh))
	assert.Equal(t, "warning", PagerDutySeverity(model.AlertSeverityMedium))
	assert.Equal(t, "warning", PagerDutySeverity("WARNING"))
	assert.Equal(t, "info", PagerDutySeverity(model.AlertSeverityLow))
}

func TestPagerDutySender_ValidateConfig(t *testing.T) {
	s := NewPagerDutySender(zap.NewNop(), Options{})
	require.ErrorIs(t, s.ValidateConfig(channel(model.ChannelTypePagerDuty, nil)), ErrConfiguration)
	require.ErrorIs(t, s.ValidateConfig(channel(model.ChannelTypePagerDuty, map[string]string{PagerDutyRoutingKey: "short"})), ErrValidation)
	require.NoError(t, s.ValidateConfig(channel(model.ChannelTypePagerDuty, map[string]string{PagerDutyRoutingKey: routingKey})))
}

func TestPagerDutySender_TriggerIsDeterministic(t *testing.T) {
	s, server := pagerDutySender(t, http.StatusAccepted)
	ch := channel(model.ChannelTypePagerDuty, map[string]string{PagerDutyRoutingKey: routingKey})
	alert := testAlert(model.AlertSeverityCritical)

	first := s.Send(context.Background(), ch, alert)
	second := s.Send(context.Background(), ch, alert)
	require.True(t, first.Success)
	require.True(t, second.Success)
	require.Equal(t, first.DedupKey, second.DedupKey)

	doc := server.lastJSON(t)
	require.Equal(t, routingKey, doc["routing_key"])
	require.Equal(t, "trigger", doc["event_action"])
	require.Equal(t, "pg-console-HIGH_CONNECTIONS-prod-a1b2c3", doc["dedup_key"])
	payload := doc["payload"].(map[string]interface{})
	require.Equal(t, "critical", payload["severity"])
	require.Equal(t, "prod", payload["source"])
	require.NotEmpty(t, payload["summary"])
	require.Equal(t, "2024-03-01T11:55:00Z", payload["timestamp"])
}

func TestPagerDutySender_OnlyAccepts202(t *testing.T) {
	s, _ := pagerDutySender(t, http.StatusOK)
	result := s.Send(context.Background(), channel(model.ChannelTypePagerDuty, map[string]string{PagerDutyRoutingKey: routingKey}), testAlert(model.AlertSeverityHigh))
	require.False(t, result.Success)
	require.Equal(t, model.FailureRejected, result.ErrorKind)
}

func TestPagerDutySender_ResolutionRequiresAutoResolve(t *testing.T) {
	s, server := pagerDutySender(t, http.StatusAccepted)
	alert := testAlert(model.AlertSeverityCritical)

	// Test case 1: no auto resolve means no call at all
	ch := channel(model.ChannelTypePagerDuty, map[string]string{PagerDutyRoutingKey: routingKey})
	require.Nil(t, s.SendResolution(context.Background(), ch, alert))
	ch.Config[PagerDutyAutoResolve] = "false"
	require.Nil(t, s.SendResolution(context.Background(), ch, alert))
	require.Empty(t, server.Requests())

	// Test case 2: auto resolve closes the incident with the same key
	ch.Config[PagerDutyAutoResolve] = "true"
	result := s.SendResolution(context.Background(), ch, alert)
	require.NotNil(t, result)
	require.True(t, result.Success)
	doc := server.lastJSON(t)
	require.Equal(t, "resolve", doc["event_action"])
	require.Equal(t, DedupKey(alert), doc["dedup_key"])
	require.NotContains(t, doc, "payload")

	// Test case 3: camelCase key is accepted too
	delete(ch.Config, PagerDutyAutoResolve)
	ch.Config["autoResolve"] = "true"
	require.NotNil(t, s.SendResolution(context.Background(), ch, alert))
}

func TestPagerDutySender_SendTest(t *testing.T) {
	s, server := pagerDutySender(t, http.StatusAccepted)
	result := s.SendTest(context.Background(), channel(model.ChannelTypePagerDuty, map[string]string{PagerDutyRoutingKey: routingKey}))
	require.True(t, result.Success)

	reqs := server.Requests()
	require.Len(t, reqs, 2)
	require.Contains(t, string(reqs[0].Body), `"event_action":"trigger"`)
	require.Contains(t, string(reqs[1].Body), `"event_action":"resolve"`)
}
