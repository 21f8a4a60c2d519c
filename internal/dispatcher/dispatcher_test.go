package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/sender"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

type endpoint struct {
	*httptest.Server
	hits   atomic.Int32
	status atomic.Int32
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.status.Store(int32(status))
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		w.WriteHeader(int(e.status.Load()))
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(e.Close)
	return e
}

type panicSender struct{}

func (panicSender) Type() model.ChannelType { return model.ChannelTypeEmail }
func (panicSender) Send(context.Context, *model.NotificationChannel, *model.Alert) *model.NotificationResult {
	panic("boom")
}
func (panicSender) SendTest(context.Context, *model.NotificationChannel) *model.NotificationResult {
	panic("boom")
}
func (panicSender) SendResolution(context.Context, *model.NotificationChannel, *model.Alert) *model.NotificationResult {
	panic("boom")
}
func (panicSender) ValidateConfig(*model.NotificationChannel) error { return nil }

type fixture struct {
	store      *storage.SQLiteStore
	dispatcher *Dispatcher
	clock      *fakeClock
	registry   *sender.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(zap.NewNop(), filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := newFakeClock(time.Now().UTC().Truncate(time.Second))
	registry := sender.NewDefaultRegistry(zap.NewNop(), sender.Options{SkipHostCheck: true})
	return &fixture{
		store:      store,
		dispatcher: New(zap.NewNop(), store, registry, Config{Workers: 2, Now: clock.Now}),
		clock:      clock,
		registry:   registry,
	}
}

func (f *fixture) addChannel(t *testing.T, name string, chType model.ChannelType, config map[string]string, mutate ...func(*model.NotificationChannel)) *model.NotificationChannel {
	t.Helper()
	ch := &model.NotificationChannel{Name: name, Type: chType, Enabled: true, Config: config}
	for _, m := range mutate {
		m(ch)
	}
	require.NoError(t, f.store.CreateChannel(context.Background(), ch))
	return ch
}

func (f *fixture) history(t *testing.T) []*model.NotificationResult {
	t.Helper()
	rows, err := f.store.ListHistory(context.Background(), storage.HistoryFilter{})
	require.NoError(t, err)
	return rows
}

func newAlert(alertType, instance string, severity model.AlertSeverity) *model.Alert {
	return &model.Alert{
		ID:                    alertType + "-" + instance,
		AlertType:             alertType,
		Severity:              severity,
		Message:               "something is wrong",
		InstanceName:          instance,
		FiredAt:               time.Now().UTC(),
		CurrentEscalationTier: 1,
	}
}

func slackConfig(url string) map[string]string {
	return map[string]string{sender.SlackWebhookURL: url}
}

func TestDispatcher_DispatchMatchingChannels(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	other := newEndpoint(t, http.StatusOK)

	f.addChannel(t, "all", model.ChannelTypeSlack, slackConfig(slack.URL))
	f.addChannel(t, "critical-only", model.ChannelTypeSlack, slackConfig(other.URL), func(ch *model.NotificationChannel) {
		ch.SeverityFilter = []model.AlertSeverity{model.AlertSeverityCritical}
	})
	f.addChannel(t, "disabled", model.ChannelTypeSlack, slackConfig(other.URL), func(ch *model.NotificationChannel) {
		ch.Enabled = false
	})

	results, err := f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, "all", results[0].ChannelName)
	require.Equal(t, int32(1), slack.hits.Load())
	require.Zero(t, other.hits.Load())

	rows := f.history(t)
	require.Len(t, rows, 1)
	require.Equal(t, results[0].ID, rows[0].ID)

	ch, err := f.store.GetChannel(context.Background(), rows[0].ChannelID)
	require.NoError(t, err)
	require.EqualValues(t, 1, ch.SuccessCount)
	require.NotNil(t, ch.LastUsedAt)
}

func TestDispatcher_MaintenanceWindowSuppresses(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	f.addChannel(t, "all", model.ChannelTypeSlack, slackConfig(slack.URL))

	now := f.clock.Now()
	require.NoError(t, f.store.CreateWindow(context.Background(), &model.MaintenanceWindow{
		Name:           "prod upgrade",
		StartTime:      now.Add(-time.Minute),
		EndTime:        now.Add(time.Hour),
		InstanceFilter: []string{"prod"},
	}))

	// Test case 1: covered instance is suppressed without history
	results, err := f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityCritical))
	require.NoError(t, err)
	require.Empty(t, results)
	require.Empty(t, f.history(t))
	require.Zero(t, slack.hits.Load())

	// Test case 2: other instance still goes out
	results, err = f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "staging", model.AlertSeverityCritical))
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Test case 3: once the window ends the covered instance is notified again
	f.clock.Advance(2 * time.Hour)
	inWindow, err := f.dispatcher.IsInMaintenanceWindow(context.Background(), "prod", "HIGH_CONNECTIONS")
	require.NoError(t, err)
	require.False(t, inWindow)
}

func TestDispatcher_SilenceRequiresAllMatchers(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	f.addChannel(t, "all", model.ChannelTypeSlack, slackConfig(slack.URL))

	now := f.clock.Now()
	silence := &model.AlertSilence{
		Matchers: []model.Matcher{
			{Field: "alertType", Operator: "=", Value: "HIGH_CONNECTIONS"},
			{Field: "instance", Value: "prod"},
		},
		StartTime: now.Add(-time.Minute),
		EndTime:   now.Add(time.Hour),
	}
	require.NoError(t, silence.Validate())
	require.NoError(t, f.store.CreateSilence(context.Background(), silence))

	silenced, err := f.dispatcher.IsSilenced(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.True(t, silenced)

	results, err := f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.Empty(t, results)

	results, err = f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "staging", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int32(1), slack.hits.Load())
}

func TestDispatcher_RateLimitBoundary(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	limit := 5
	f.addChannel(t, "limited", model.ChannelTypeSlack, slackConfig(slack.URL), func(ch *model.NotificationChannel) {
		ch.RateLimitPerHour = &limit
	})

	for i := 0; i < 5; i++ {
		results, err := f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Success, "attempt %d", i+1)
		f.clock.Advance(time.Minute)
	}

	results, err := f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Success)
	require.Equal(t, model.FailureRateLimited, results[0].ErrorKind)
	require.Contains(t, results[0].ErrorMessage, "Rate limit exceeded: 5 per hour")
	require.Equal(t, int32(5), slack.hits.Load())

	// The rate limited attempt is in history but does not count as a channel failure
	require.Len(t, f.history(t), 6)
	ch, err := f.store.GetChannel(context.Background(), results[0].ChannelID)
	require.NoError(t, err)
	require.Zero(t, ch.FailureCount)

	// First attempt rolls out of the window
	f.clock.Advance(56 * time.Minute)
	results, err = f.dispatcher.Dispatch(context.Background(), newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.Equal(t, int32(6), slack.hits.Load())
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(panicSender{})

	good := newEndpoint(t, http.StatusOK)
	bad := newEndpoint(t, http.StatusInternalServerError)
	f.addChannel(t, "good", model.ChannelTypeSlack, slackConfig(good.URL))
	f.addChannel(t, "bad", model.ChannelTypeSlack, slackConfig(bad.URL))
	f.addChannel(t, "broken", model.ChannelTypeEmail, map[string]string{})
	f.addChannel(t, "misconfigured", model.ChannelTypePagerDuty, map[string]string{})
	f.addChannel(t, "unknown", "sms", map[string]string{})

	results, err := f.dispatcher.Dispatch(context.Background(), newAlert("BLOCKED_QUERIES", "prod", model.AlertSeverityCritical))
	require.NoError(t, err)
	require.Len(t, results, 5)

	byName := make(map[string]*model.NotificationResult)
	for _, r := range results {
		byName[r.ChannelName] = r
	}
	require.True(t, byName["good"].Success)
	require.Equal(t, model.FailureRejected, byName["bad"].ErrorKind)
	require.Equal(t, http.StatusInternalServerError, byName["bad"].ResponseCode)
	require.Equal(t, model.FailureTransport, byName["broken"].ErrorKind)
	require.True(t, strings.HasPrefix(byName["broken"].ErrorMessage, "sender panic"))
	require.Equal(t, model.FailureConfiguration, byName["misconfigured"].ErrorKind)
	require.Equal(t, model.FailureConfiguration, byName["unknown"].ErrorKind)

	// Results keep channel order
	require.Equal(t, "good", results[0].ChannelName)
	require.Equal(t, "unknown", results[4].ChannelName)
	require.Len(t, f.history(t), 5)
}

func TestDispatcher_DispatchToChannels(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	filtered := f.addChannel(t, "low-only", model.ChannelTypeSlack, slackConfig(slack.URL), func(ch *model.NotificationChannel) {
		ch.SeverityFilter = []model.AlertSeverity{model.AlertSeverityLow}
	})
	disabled := f.addChannel(t, "off", model.ChannelTypeSlack, slackConfig(slack.URL), func(ch *model.NotificationChannel) {
		ch.Enabled = false
	})

	// Filters are bypassed, duplicates collapse, unknown and disabled ids are skipped
	results, err := f.dispatcher.DispatchToChannels(context.Background(),
		newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityCritical),
		[]int64{filtered.ID, filtered.ID, disabled.ID, 999})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Success)
	require.Equal(t, int32(1), slack.hits.Load())
}

func TestDispatcher_DispatchResolution(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	f.addChannel(t, "slack", model.ChannelTypeSlack, slackConfig(slack.URL))
	f.addChannel(t, "low-only", model.ChannelTypeSlack, slackConfig(slack.URL), func(ch *model.NotificationChannel) {
		ch.SeverityFilter = []model.AlertSeverity{model.AlertSeverityLow}
	})
	f.addChannel(t, "pagerduty", model.ChannelTypePagerDuty, map[string]string{
		sender.PagerDutyRoutingKey:  strings.Repeat("k", 32),
		sender.PagerDutyAutoResolve: "false",
	})

	alert := newAlert("HIGH_CONNECTIONS", "prod", model.AlertSeverityCritical)
	results, err := f.dispatcher.DispatchResolution(context.Background(), alert, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "slack", results[0].ChannelName)
	require.Equal(t, model.NotificationResolution, results[0].NotificationType)
	require.Equal(t, int32(1), slack.hits.Load())
}

func TestDispatcher_TestChannel(t *testing.T) {
	f := newFixture(t)
	slack := newEndpoint(t, http.StatusOK)
	ch := f.addChannel(t, "off", model.ChannelTypeSlack, slackConfig(slack.URL), func(ch *model.NotificationChannel) {
		ch.Enabled = false
	})

	result, err := f.dispatcher.TestChannel(context.Background(), ch.ID)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, model.NotificationTest, result.NotificationType)
	require.Len(t, f.history(t), 1)

	_, err = f.dispatcher.TestChannel(context.Background(), 999)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDispatcher_RetryFailed(t *testing.T) {
	f := newFixture(t)
	flaky := newEndpoint(t, http.StatusServiceUnavailable)
	healthy := newEndpoint(t, http.StatusOK)
	f.addChannel(t, "flaky", model.ChannelTypeSlack, slackConfig(flaky.URL))
	f.addChannel(t, "healthy", model.ChannelTypeSlack, slackConfig(healthy.URL))

	alert := newAlert("LONG_RUNNING_QUERY", "prod", model.AlertSeverityHigh)
	results, err := f.dispatcher.Dispatch(context.Background(), alert)
	require.NoError(t, err)
	require.Len(t, results, 2)
	failedID := results[0].ID
	require.False(t, results[0].Success)

	flaky.status.Store(http.StatusOK)
	retried, err := f.dispatcher.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	require.True(t, retried[0].Success)
	require.Equal(t, "flaky", retried[0].ChannelName)
	require.Equal(t, alert.ID, retried[0].AlertID)
	require.NotNil(t, retried[0].RetryOf)
	require.Equal(t, failedID, *retried[0].RetryOf)

	// Only the originating channel was contacted again
	require.Equal(t, int32(2), flaky.hits.Load())
	require.Equal(t, int32(1), healthy.hits.Load())

	// The original failure is marked retried and is not picked up twice
	rows, err := f.store.ListHistory(context.Background(), storage.HistoryFilter{AlertID: alert.ID})
	require.NoError(t, err)
	for _, r := range rows {
		if r.ID == failedID {
			require.True(t, r.Retried)
		}
	}
	retried, err = f.dispatcher.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, retried)
}
