package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/alert-dispatch/internal/events"
	"github.com/t77yq/alert-dispatch/internal/metrics"
	"github.com/t77yq/alert-dispatch/internal/model"
	natstest "github.com/t77yq/alert-dispatch/internal/testutil"
)

type staticStats struct {
	stats *model.AlertStats
	err   error
}

func (s staticStats) GetAlertStats(context.Context) (*model.AlertStats, error) {
	return s.stats, s.err
}

func TestStatsCollector_Collect(t *testing.T) {
	// Setup
	_, js, cleanup := natstest.StartJetStream(t)
	defer cleanup()

	publisher, err := events.NewJetStreamPublisher(zaptest.NewLogger(t), js)
	require.NoError(t, err)

	source := staticStats{stats: &model.AlertStats{
		Active:          4,
		Critical:        2,
		Unacknowledged:  3,
		ResolvedLast24h: 7,
		ActiveSilences:  1,
		ActiveWindows:   1,
	}}
	collector := NewStatsCollector(zaptest.NewLogger(t), source, publisher)
	require.Nil(t, collector.Latest())

	// Test case 1: gauges follow the snapshot
	require.NoError(t, collector.Collect(context.Background()))
	require.Equal(t, float64(4), testutil.ToFloat64(metrics.ActiveAlerts))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.CriticalAlerts))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.UnacknowledgedAlerts))
	require.Equal(t, float64(7), testutil.ToFloat64(metrics.ResolvedAlerts24h))
	require.Equal(t, 4, collector.Latest().Active)

	// Test case 2: the snapshot is published on the stream
	messages, err := natstest.ConsumeMessages(js, string(events.StatsUpdated), time.Second)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var event events.Event
	require.NoError(t, json.Unmarshal(messages[0], &event))
	require.Equal(t, events.StatsUpdated, event.Type)
	require.NotNil(t, event.Stats)
	require.Equal(t, 2, event.Stats.Critical)
}

func TestStatsCollector_SourceError(t *testing.T) {
	collector := NewStatsCollector(zaptest.NewLogger(t), staticStats{err: errors.New("db locked")}, nil)
	err := collector.Collect(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "db locked")
	require.Nil(t, collector.Latest())
}
