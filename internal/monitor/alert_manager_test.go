package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/dispatcher"
	"github.com/t77yq/alert-dispatch/internal/escalation"
	"github.com/t77yq/alert-dispatch/internal/events"
	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/sender"
	"github.com/t77yq/alert-dispatch/internal/storage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type endpoint struct {
	*httptest.Server
	hits atomic.Int32
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	e := &endpoint{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(e.Close)
	return e
}

type fixture struct {
	manager   *AlertManager
	store     *storage.SQLiteStore
	clock     *clock
	slack     *endpoint
	pagerduty *endpoint
}

func newFixture(t *testing.T, publisher events.Publisher) *fixture {
	t.Helper()
	logger := zap.NewNop()
	store, err := storage.NewSQLiteStore(logger, filepath.Join(t.TempDir(), "alerts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:     store,
		clock:     &clock{now: time.Now().UTC().Truncate(time.Second)},
		slack:     newEndpoint(t, http.StatusOK),
		pagerduty: newEndpoint(t, http.StatusAccepted),
	}
	registry := sender.NewDefaultRegistry(logger, sender.Options{
		SkipHostCheck:      true,
		PagerDutyEventsURL: f.pagerduty.URL,
	})
	d := dispatcher.New(logger, store, registry, dispatcher.Config{Workers: 2, Now: f.clock.Now})
	engine := escalation.NewEngine(logger, store, d, publisher, f.clock.Now)
	f.manager = NewAlertManager(logger, store, d, engine, registry, publisher, Config{
		Retention: Retention{History: DefaultHistoryRetention},
		Now:       f.clock.Now,
	})
	return f
}

func (f *fixture) slackChannel(t *testing.T, name string) *model.NotificationChannel {
	t.Helper()
	ch := &model.NotificationChannel{
		Name:    name,
		Type:    model.ChannelTypeSlack,
		Enabled: true,
		Config:  map[string]string{sender.SlackWebhookURL: f.slack.URL, sender.SlackFormat: "text"},
	}
	require.NoError(t, f.manager.CreateChannel(context.Background(), ch))
	return ch
}

func (f *fixture) pagerDutyChannel(t *testing.T, name string, severities ...model.AlertSeverity) *model.NotificationChannel {
	t.Helper()
	ch := &model.NotificationChannel{
		Name:           name,
		Type:           model.ChannelTypePagerDuty,
		Enabled:        true,
		Config:         map[string]string{sender.PagerDutyRoutingKey: strings.Repeat("r", 32)},
		SeverityFilter: severities,
	}
	require.NoError(t, f.manager.CreateChannel(context.Background(), ch))
	return ch
}

func fire(alertType, instance string, severity model.AlertSeverity) FireRequest {
	return FireRequest{
		AlertType:    alertType,
		Severity:     severity,
		Message:      alertType + " on " + instance,
		InstanceName: instance,
	}
}

func TestAlertManager_FireAlertIsIdempotent(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	f.slackChannel(t, "ops")
	ctx := context.Background()

	// Test case 1: first firing notifies
	first, err := f.manager.FireAlert(ctx, fire("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Len(t, first.Notifications, 1)
	require.True(t, first.Notifications[0].Success)
	require.NotNil(t, first.Alert.LastNotificationAt)

	// Test case 2: firing again returns the same alert without a dispatch
	second, err := f.manager.FireAlert(ctx, fire("HIGH_CONNECTIONS", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Alert.ID, second.Alert.ID)
	require.Empty(t, second.Notifications)
	require.Equal(t, int32(1), f.slack.hits.Load())

	// Test case 3: a different instance is a different alert
	third, err := f.manager.FireAlert(ctx, fire("HIGH_CONNECTIONS", "replica", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.NotEqual(t, first.Alert.ID, third.Alert.ID)

	active, err := f.manager.ListActiveAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestAlertManager_ConcurrentFiringCreatesOneAlert(t *testing.T) {
	f := newFixture(t, nil)
	f.slackChannel(t, "ops")

	var (
		wg  sync.WaitGroup
		ids sync.Map
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.manager.FireAlert(context.Background(), fire("LOCK_WAIT", "prod", model.AlertSeverityMedium))
			if err == nil {
				ids.Store(res.Alert.ID, true)
			}
		}()
	}
	wg.Wait()

	count := 0
	ids.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	require.Equal(t, 1, count)
	require.Equal(t, int32(1), f.slack.hits.Load())
}

func TestAlertManager_EndToEnd(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	slack := f.slackChannel(t, "ops-slack")
	f.pagerDutyChannel(t, "ops-pager", model.AlertSeverityCritical)
	ctx := context.Background()

	// Test case 1: both channels receive a critical alert
	res, err := f.manager.FireAlert(ctx, fire("BLOCKED_QUERIES", "prod", model.AlertSeverityCritical))
	require.NoError(t, err)
	require.Len(t, res.Notifications, 2)
	require.Equal(t, int32(1), f.slack.hits.Load())
	require.Equal(t, int32(1), f.pagerduty.hits.Load())

	// Test case 2: a disabled channel is skipped for the next alert
	_, err = f.manager.SetChannelEnabled(ctx, slack.ID, false)
	require.NoError(t, err)

	res, err = f.manager.FireAlert(ctx, fire("BLOCKED_QUERIES", "replica", model.AlertSeverityCritical))
	require.NoError(t, err)
	require.Len(t, res.Notifications, 1)
	require.Equal(t, "ops-pager", res.Notifications[0].ChannelName)
	require.Equal(t, int32(1), f.slack.hits.Load())
	require.Equal(t, int32(2), f.pagerduty.hits.Load())

	history, err := f.manager.ListHistory(ctx, storage.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestAlertManager_AcknowledgeAndResolve(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	f.slackChannel(t, "ops")
	ctx := context.Background()

	res, err := f.manager.FireAlert(ctx, fire("REPLICATION_LAG", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	id := res.Alert.ID

	// Test case 1: acknowledge records who acknowledged
	alert, err := f.manager.AcknowledgeAlert(ctx, id, "dba", "looking")
	require.NoError(t, err)
	require.True(t, alert.Acknowledged)
	require.False(t, alert.Resolved)

	acks, err := f.manager.ListAcknowledgements(ctx, id)
	require.NoError(t, err)
	require.Len(t, acks, 1)
	require.Equal(t, "dba", acks[0].AcknowledgedBy)
	require.Equal(t, "looking", acks[0].Note)

	// Test case 2: acknowledging twice adds no record
	_, err = f.manager.AcknowledgeAlert(ctx, id, "someone-else", "")
	require.NoError(t, err)
	acks, err = f.manager.ListAcknowledgements(ctx, id)
	require.NoError(t, err)
	require.Len(t, acks, 1)

	// Test case 3: resolve with resolution notices
	f.clock.Advance(10 * time.Minute)
	alert, results, err := f.manager.ResolveAlert(ctx, id, true)
	require.NoError(t, err)
	require.True(t, alert.Resolved)
	require.NotNil(t, alert.ResolvedAt)
	require.Len(t, results, 1)
	require.Equal(t, model.NotificationResolution, results[0].NotificationType)
	require.Equal(t, int32(2), f.slack.hits.Load())

	// Test case 4: resolved alerts reject further changes
	_, _, err = f.manager.ResolveAlert(ctx, id, true)
	require.ErrorIs(t, err, ErrAlertResolved)
	_, err = f.manager.AcknowledgeAlert(ctx, id, "dba", "")
	require.ErrorIs(t, err, ErrAlertResolved)

	// Test case 5: the identity can fire again once resolved
	again, err := f.manager.FireAlert(ctx, fire("REPLICATION_LAG", "prod", model.AlertSeverityHigh))
	require.NoError(t, err)
	require.False(t, again.Duplicate)
	require.NotEqual(t, id, again.Alert.ID)

	// Test case 6: unknown alert
	_, err = f.manager.AcknowledgeAlert(ctx, "missing", "dba", "")
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertManager_ResolveWithoutNotices(t *testing.T) {
	f := newFixture(t, nil)
	f.slackChannel(t, "ops")
	ctx := context.Background()

	res, err := f.manager.FireAlert(ctx, fire("DISK_FULL", "prod", model.AlertSeverityLow))
	require.NoError(t, err)

	_, results, err := f.manager.ResolveAlert(ctx, res.Alert.ID, false)
	require.NoError(t, err)
	require.Empty(t, results)
	require.Equal(t, int32(1), f.slack.hits.Load())
}

func TestAlertManager_FireWithEscalationPolicy(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	slack := f.slackChannel(t, "first-line")
	pager := f.pagerDutyChannel(t, "second-line")
	ctx := context.Background()

	policy := &model.EscalationPolicy{
		Name: "db",
		Tiers: []model.EscalationTier{
			{Order: 1, DelayMinutes: 5, ChannelIDs: []int64{slack.ID}},
			{Order: 2, DelayMinutes: 15, ChannelIDs: []int64{pager.ID}},
		},
	}
	require.NoError(t, f.manager.CreatePolicy(ctx, policy))

	// Test case 1: only tier 1 is notified on fire
	req := fire("HIGH_CONNECTIONS", "prod", model.AlertSeverityCritical)
	req.EscalationPolicyID = &policy.ID
	res, err := f.manager.FireAlert(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, res.Alert.CurrentEscalationTier)
	require.Equal(t, int32(1), f.slack.hits.Load())
	require.Equal(t, int32(0), f.pagerduty.hits.Load())

	// Test case 2: an unknown policy is rejected
	req = fire("HIGH_CONNECTIONS", "replica", model.AlertSeverityCritical)
	missing := int64(999)
	req.EscalationPolicyID = &missing
	_, err = f.manager.FireAlert(ctx, req)
	require.ErrorIs(t, err, ErrInvalidPolicy)

	// Test case 3: policies must reference existing channels
	err = f.manager.CreatePolicy(ctx, &model.EscalationPolicy{
		Name:  "broken",
		Tiers: []model.EscalationTier{{Order: 1, ChannelIDs: []int64{12345}}},
	})
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestAlertManager_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Test case 1: incomplete fire request
	_, err := f.manager.FireAlert(ctx, FireRequest{Severity: model.AlertSeverityHigh, Message: "x"})
	require.ErrorIs(t, err, ErrInvalidAlert)
	_, err = f.manager.FireAlert(ctx, FireRequest{AlertType: "X", Severity: "URGENT", Message: "x"})
	require.ErrorIs(t, err, ErrInvalidAlert)

	// Test case 2: channel config is validated before anything is stored
	err = f.manager.CreateChannel(ctx, &model.NotificationChannel{
		Name:    "no-url",
		Type:    model.ChannelTypeSlack,
		Enabled: true,
	})
	require.ErrorIs(t, err, ErrInvalidChannel)
	require.ErrorIs(t, err, sender.ErrConfiguration)

	err = f.manager.CreateChannel(ctx, &model.NotificationChannel{Name: "sms", Type: "sms"})
	require.ErrorIs(t, err, sender.ErrUnsupportedChannel)

	channels, err := f.manager.ListChannels(ctx)
	require.NoError(t, err)
	require.Empty(t, channels)

	// Test case 3: suppression records
	err = f.manager.CreateSilence(ctx, &model.AlertSilence{EndTime: f.clock.Now().Add(time.Hour)})
	require.ErrorIs(t, err, ErrInvalidSilence)

	now := f.clock.Now()
	err = f.manager.CreateWindow(ctx, &model.MaintenanceWindow{Name: "backwards", StartTime: now, EndTime: now.Add(-time.Hour)})
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestAlertManager_StatsAndCleanup(t *testing.T) {
	// Setup
	f := newFixture(t, nil)
	f.slackChannel(t, "ops")
	ctx := context.Background()
	now := f.clock.Now()

	critical, err := f.manager.FireAlert(ctx, fire("DEADLOCK", "prod", model.AlertSeverityCritical))
	require.NoError(t, err)
	low, err := f.manager.FireAlert(ctx, fire("SLOW_QUERY", "replica", model.AlertSeverityLow))
	require.NoError(t, err)

	_, err = f.manager.AcknowledgeAlert(ctx, low.Alert.ID, "dba", "")
	require.NoError(t, err)
	_, _, err = f.manager.ResolveAlert(ctx, critical.Alert.ID, true)
	require.NoError(t, err)

	require.NoError(t, f.manager.CreateSilence(ctx, &model.AlertSilence{
		Matchers: []model.Matcher{{Field: model.MatchFieldAlertType, Operator: model.MatchEqual, Value: "VACUUM"}},
		EndTime:  now.Add(time.Hour),
	}))
	require.NoError(t, f.manager.CreateWindow(ctx, &model.MaintenanceWindow{
		Name:           "patching",
		StartTime:      now.Add(-time.Minute),
		EndTime:        now.Add(time.Hour),
		InstanceFilter: []string{"db-9"},
	}))

	// Test case 1: stats
	stats, err := f.manager.GetAlertStats(ctx)
	require.NoError(t, err)
	require.Equal(t, &model.AlertStats{
		Active:          1,
		Critical:        0,
		Unacknowledged:  0,
		ResolvedLast24h: 1,
		ActiveSilences:  1,
		ActiveWindows:   1,
	}, stats)

	// Test case 2: cleanup after a month keeps history
	f.clock.Advance(31 * 24 * time.Hour)
	report, err := f.manager.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), report.ResolvedAlerts)
	require.Equal(t, int64(1), report.ExpiredSilences)
	require.Equal(t, int64(0), report.History)

	_, err = f.manager.GetAlert(ctx, critical.Alert.ID)
	require.ErrorIs(t, err, ErrAlertNotFound)
	_, err = f.manager.GetAlert(ctx, low.Alert.ID)
	require.NoError(t, err)

	// Test case 3: history expires after its own retention
	f.clock.Advance(70 * 24 * time.Hour)
	report, err = f.manager.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), report.History)
}

func TestAlertManager_DeleteChannel(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.slackChannel(t, "ops")
	ctx := context.Background()

	result, err := f.manager.TestChannel(ctx, ch.ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.NoError(t, f.manager.DeleteChannel(ctx, ch.ID))
	_, err = f.manager.GetChannel(ctx, ch.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// history survives the channel
	history, err := f.manager.ListHistory(ctx, storage.HistoryFilter{ChannelID: ch.ID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "ops", history[0].ChannelName)
}
