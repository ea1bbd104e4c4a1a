package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterRejectsDuplicatesAndBadConfig(t *testing.T) {
	s := New(zap.NewNop())
	run := func(ctx context.Context) error { return nil }

	require.NoError(t, s.Register(NewTask("feed", time.Minute, 2*time.Minute, run)))

	err := s.Register(NewTask("feed", time.Minute, 2*time.Minute, run))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Error(t, s.Register(NewTask("", time.Minute, 2*time.Minute, run)))
	assert.Error(t, s.Register(NewTask("nobody", time.Minute, 2*time.Minute, nil)))
	assert.Error(t, s.Register(NewTask("backwards", 2*time.Minute, time.Minute, run)))
}

func TestRunOnStartFiresImmediately(t *testing.T) {
	s := New(zap.NewNop())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register(NewTask("hello", time.Hour, time.Hour,
		func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		})))

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("run-on-start task never fired")
	}
}

func TestDeferredFirstRunWaitsForInterval(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int64
	cfg := NewTask("patient", time.Hour, time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})
	cfg.RunOnStart = false
	require.NoError(t, s.Register(cfg))

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	assert.Zero(t, runs.Load(), "first run should wait out the interval")
}

func TestNoOverlapSkipsAndWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := New(zap.New(core))

	var active atomic.Int64
	var maxActive atomic.Int64
	var runs atomic.Int64

	require.NoError(t, s.Register(NewTask("slow", 10*time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) error {
			n := active.Add(1)
			if prev := maxActive.Load(); n > prev {
				maxActive.CompareAndSwap(prev, n)
			}
			defer active.Add(-1)
			runs.Add(1)
			time.Sleep(60 * time.Millisecond)
			return nil
		})))

	s.Start(context.Background())
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int64(1), maxActive.Load(), "task must never run concurrently with itself")

	skipWarnings := 0
	for _, entry := range logs.All() {
		if entry.Message == "task still running, skipping firing" {
			skipWarnings++
		}
	}
	assert.Greater(t, skipWarnings, 0, "skipped firings must be observable as warnings")

	var skips int64
	for _, st := range s.Snapshot() {
		if st.Name == "slow" {
			skips = st.Skips
		}
	}
	assert.Equal(t, int64(skipWarnings), skips, "exactly one warning per skipped firing")
}

func TestDisabledTaskSkipsButKeepsSchedule(t *testing.T) {
	s := New(zap.NewNop())
	var enabled atomic.Bool
	var runs atomic.Int64

	cfg := NewTask("gated", 10*time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})
	cfg.Enabled = func() bool { return enabled.Load() }
	require.NoError(t, s.Register(cfg))

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, runs.Load(), "disabled task must not run")

	enabled.Store(true)
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	assert.Greater(t, runs.Load(), int64(0), "task resumes once enabled")
}

func TestFailuresAndPanicsDoNotStopTheSchedule(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int64

	require.NoError(t, s.Register(NewTask("flaky", 10*time.Millisecond, 10*time.Millisecond,
		func(ctx context.Context) error {
			n := runs.Add(1)
			switch n {
			case 1:
				return errors.New("transient failure")
			case 2:
				panic("something went sideways")
			default:
				return nil
			}
		})))

	s.Start(context.Background())

	deadline := time.After(2 * time.Second)
	for runs.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("schedule stalled after %d runs", runs.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Stop()
}

func TestStopClearsPendingTimers(t *testing.T) {
	s := New(zap.NewNop())
	var runs atomic.Int64
	require.NoError(t, s.Register(NewTask("ticker", 20*time.Millisecond, 30*time.Millisecond,
		func(ctx context.Context) error {
			runs.Add(1)
			return nil
		})))

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	settled := runs.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, runs.Load(), "nothing fires after Stop")
}
