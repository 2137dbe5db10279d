package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenadb/seren-replicator/internal/telemetry"
)

func TestScheduler_Run_FiresOnEachInterval(t *testing.T) {
	var count int32
	tick := func(ctx context.Context) error {
		atomic.AddInt32(&count, 1)
		return nil
	}
	s := New(10*time.Millisecond, tick, telemetry.New("test"))

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&count)), 3)
}

func TestScheduler_RunTick_SkipsWhenOverlapping(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	tick := func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return nil
	}
	s := New(time.Hour, tick, telemetry.New("test"))

	ctx := context.Background()
	go s.runTick(ctx)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first tick never started")
	}

	// A second tick while the first is still in flight must be skipped, not
	// queued or run concurrently.
	s.runTick(ctx)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	close(release)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.running
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_Run_OverlappingTickIsSkippedAndLogged(t *testing.T) {
	release := make(chan struct{})
	var calls int32

	tick := func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			<-release
		}
		return nil
	}
	log := telemetry.New("test")
	entries := log.Subscribe()
	s := New(15*time.Millisecond, tick, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	overlapped := false
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case entry := <-entries:
			if entry.Level == "WARN" {
				overlapped = true
				close(release)
				break loop
			}
		case <-deadline:
			break loop
		}
	}

	cancel()
	<-done

	assert.True(t, overlapped, "a tick still running when the next fires must produce a logged overlap, not a queued or dropped run")
}

func TestScheduler_RunTick_LogsErrorButDoesNotPanic(t *testing.T) {
	tick := func(ctx context.Context) error {
		return errors.New("snapshot failed")
	}
	s := New(time.Hour, tick, telemetry.New("test"))
	assert.NotPanics(t, func() { s.runTick(context.Background()) })
}

func TestAdvisoryLockKey_DeterministicAndNamespaceSensitive(t *testing.T) {
	a := advisoryLockKey("analytics")
	b := advisoryLockKey("analytics")
	c := advisoryLockKey("billing")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWithAdvisoryLock_SetsKeyWithoutRequiringLiveConnection(t *testing.T) {
	s := New(time.Hour, func(ctx context.Context) error { return nil }, telemetry.New("test"))
	returned := s.WithAdvisoryLock(nil, "analytics")
	assert.Same(t, s, returned)
	assert.Equal(t, advisoryLockKey("analytics"), s.lockKey)
}
