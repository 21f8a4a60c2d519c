package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-dispatch/internal/model"
	"github.com/t77yq/alert-dispatch/internal/testutil"
)

func testAlert() *model.Alert {
	return &model.Alert{
		ID:                    "alert-1",
		AlertType:             "HIGH_CONNECTIONS",
		Severity:              model.AlertSeverityCritical,
		Message:               "connections at 98%",
		InstanceName:          "prod",
		CurrentEscalationTier: 2,
	}
}

func TestNewAlertEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	event := NewAlertEvent(AlertEscalated, testAlert(), at)

	require.NotEmpty(t, event.ID)
	require.Equal(t, AlertEscalated, event.Type)
	require.Equal(t, "alert-1", event.AlertID)
	require.Equal(t, 2, event.EscalationTier)
	require.Equal(t, time.UTC, event.OccurredAt.Location())
	require.NotEqual(t, event.ID, NewAlertEvent(AlertEscalated, testAlert(), at).ID)
}

func TestJetStreamPublisher_Publish(t *testing.T) {
	// Setup
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	publisher, err := NewJetStreamPublisher(zap.NewNop(), js)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, StreamName, 5*time.Second))

	// Creating the publisher twice reuses the stream
	_, err = NewJetStreamPublisher(zap.NewNop(), js)
	require.NoError(t, err)

	event := NewAlertEvent(AlertFired, testAlert(), time.Now())
	require.NoError(t, publisher.Publish(context.Background(), event))

	messages, err := testutil.ConsumeMessages(js, string(AlertFired), time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var received Event
	require.NoError(t, json.Unmarshal(messages[0], &received))
	require.Equal(t, event.ID, received.ID)
	require.Equal(t, "HIGH_CONNECTIONS", received.AlertType)
	require.Equal(t, model.AlertSeverityCritical, received.Severity)
}

func TestJetStreamPublisher_Subscribe(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	publisher, err := NewJetStreamPublisher(zap.NewNop(), js)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *Event, 4)
	require.NoError(t, publisher.Subscribe(ctx, StreamSubjects, func(e *Event) {
		received <- e
	}))

	require.NoError(t, publisher.Publish(context.Background(), NewAlertEvent(AlertAcknowledged, testAlert(), time.Now())))
	require.NoError(t, publisher.Publish(context.Background(), NewStatsEvent(&model.AlertStats{Active: 3}, time.Now())))

	var types []Type
	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			types = append(types, e.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.ElementsMatch(t, []Type{AlertAcknowledged, StatsUpdated}, types)
}

func TestPublishBestEffort(t *testing.T) {
	// A nil or no-op publisher never fails the caller
	PublishBestEffort(context.Background(), zap.NewNop(), nil, NewAlertEvent(AlertFired, testAlert(), time.Now()))
	PublishBestEffort(context.Background(), zap.NewNop(), NopPublisher{}, NewAlertEvent(AlertFired, testAlert(), time.Now()))
}
