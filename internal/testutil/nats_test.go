package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestStartJetStream_ServesAPIOnReturn(t *testing.T) {
	for i := 0; i < 3; i++ {
		_, js, cleanup := StartJetStream(t)

		// No retry here: the first API call after start must succeed
		info, err := js.AccountInfo(nats.MaxWait(time.Second))
		require.NoError(t, err)
		require.Zero(t, info.Streams)

		_, err = js.AddStream(&nats.StreamConfig{
			Name:     "READY",
			Subjects: []string{"ready.>"},
			Storage:  nats.MemoryStorage,
		})
		require.NoError(t, err)
		require.NoError(t, WaitForStream(t, js, "READY", time.Second))

		cleanup()
	}
}

func TestWaitForStream_Timeout(t *testing.T) {
	_, js, cleanup := StartJetStream(t)
	defer cleanup()

	err := WaitForStream(t, js, "MISSING", 300*time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "MISSING")
}
