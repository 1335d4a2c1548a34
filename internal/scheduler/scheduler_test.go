package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FiresOnSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	s.Start()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	require.NoError(t, s.AddJob("tick", "core", "@every 1s", "scan_orders", true, func() error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestScheduler_TriggerNow(t *testing.T) {
	s := New(zerolog.Nop())
	s.Start()
	defer s.Stop()

	fired := make(chan struct{}, 1)
	require.NoError(t, s.AddJob("manual", "core", "0 0 1 1 *", "scan_orders", true, func() error {
		fired <- struct{}{}
		return nil
	}))

	require.NoError(t, s.TriggerNow("manual"))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("manual trigger did not fire")
	}
}

func TestScheduler_ToggleIdempotent(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("j1", "core", "@every 1h", "noop", true, func() error { return nil }))

	require.NoError(t, s.ToggleJob("j1", true)) // no-op, already enabled
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].Enabled)

	require.NoError(t, s.Pause("j1"))
	jobs = s.Jobs()
	require.False(t, jobs[0].Enabled)
}
