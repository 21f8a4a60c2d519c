package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCronScheduler_AddJob(t *testing.T) {
	// Setup
	s := NewCronScheduler(zaptest.NewLogger(t))
	noop := func(context.Context) error { return nil }

	// Test case 1: descriptors and optional seconds are accepted
	require.NoError(t, s.AddJob("escalation", "@every 30s", 0, noop))
	require.NoError(t, s.AddJob("cleanup", "@daily", 0, noop))
	require.NoError(t, s.AddJob("stats", "*/10 * * * * *", 0, noop))
	require.NoError(t, s.AddJob("report", "0 9 * * 1", 0, noop))

	// Test case 2: invalid expression
	err := s.AddJob("broken", "every now and then", 0, noop)
	require.ErrorIs(t, err, ErrInvalidSchedule)

	// Test case 3: duplicate name
	err = s.AddJob("cleanup", "@hourly", 0, noop)
	require.ErrorIs(t, err, ErrDuplicateJob)

	jobs := s.Jobs()
	require.Len(t, jobs, 4)
	require.Equal(t, "cleanup", jobs[0].Name)
	require.Equal(t, "@daily", jobs[0].Schedule)

	// Test case 4: remove
	require.NoError(t, s.RemoveJob("report"))
	require.ErrorIs(t, s.RemoveJob("report"), ErrJobNotFound)
	require.Len(t, s.Jobs(), 3)
}

func TestCronScheduler_RunNow(t *testing.T) {
	s := NewCronScheduler(zaptest.NewLogger(t))
	fail := true
	require.NoError(t, s.AddJob("cleanup", "@daily", time.Second, func(ctx context.Context) error {
		_, hasDeadline := ctx.Deadline()
		require.True(t, hasDeadline)
		if fail {
			return errors.New("database is locked")
		}
		return nil
	}))

	// Test case 1: a failing run is recorded
	err := s.RunNow(context.Background(), "cleanup")
	require.Error(t, err)
	status := s.Jobs()[0]
	require.Equal(t, int64(1), status.Runs)
	require.Equal(t, "database is locked", status.LastError)
	require.NotNil(t, status.LastRun)

	// Test case 2: a later success clears the error
	fail = false
	require.NoError(t, s.RunNow(context.Background(), "cleanup"))
	status = s.Jobs()[0]
	require.Equal(t, int64(2), status.Runs)
	require.Empty(t, status.LastError)

	// Test case 3: unknown job
	require.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrJobNotFound)
}

func TestCronScheduler_StartStop(t *testing.T) {
	// Setup
	s := NewCronScheduler(zaptest.NewLogger(t))
	var runs atomic.Int32
	cancelled := make(chan struct{})
	require.NoError(t, s.AddJob("tick", "@every 1s", 0, func(ctx context.Context) error {
		if runs.Add(1) == 2 {
			<-ctx.Done()
			close(cancelled)
		}
		return nil
	}))
	require.NoError(t, s.AddJob("panics", "@every 1s", 0, func(context.Context) error {
		panic("boom")
	}))

	s.Start()

	// Test case 1: the job fires on schedule and panics do not stop the scheduler
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)

	// Test case 2: stop cancels the running job's context and waits for it
	s.Stop()
	select {
	case <-cancelled:
	default:
		t.Fatal("running job was not cancelled")
	}
}
