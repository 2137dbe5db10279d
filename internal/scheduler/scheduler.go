// Package scheduler implements the periodic-refresh loop for JSONB-path
// sources: a single-threaded ticker that re-runs a snapshot on a fixed
// interval, never overlapping two ticks.
package scheduler

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/serenadb/seren-replicator/internal/telemetry"
)

// Tick is one refresh invocation; the caller supplies the actual snapshot
// re-run as this function.
type Tick func(ctx context.Context) error

// Scheduler runs Tick on a fixed interval, never overlapping two ticks.
type Scheduler struct {
	interval time.Duration
	tick     Tick
	log      *telemetry.Logger

	// lockPool and lockKey, when lockPool is non-nil, make the overlap guard
	// a genuine cross-process lock via pg_try_advisory_lock instead of only
	// an in-process mutex: two instances of this binary pointed at the same
	// target must not run a tick concurrently, and a single process's mutex
	// cannot see the other process's goroutine.
	lockPool *pgxpool.Pool
	lockKey  int64

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler with the given refresh interval (default 24h is
// the caller's responsibility to supply when unset).
func New(interval time.Duration, tick Tick, log *telemetry.Logger) *Scheduler {
	return &Scheduler{interval: interval, tick: tick, log: log}
}

// WithAdvisoryLock configures runTick to additionally hold a PostgreSQL
// session-level advisory lock on pool for the duration of each tick, keyed
// by a hash of namespace (the target database's JSONB schema namespace).
// This serializes ticks across separate process instances pointed at the
// same target, not just goroutines within this process.
func (s *Scheduler) WithAdvisoryLock(pool *pgxpool.Pool, namespace string) *Scheduler {
	s.lockPool = pool
	s.lockKey = advisoryLockKey(namespace)
	return s
}

func advisoryLockKey(namespace string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("seren-replicator:scheduler:" + namespace))
	return int64(h.Sum64())
}

// Run blocks until ctx is cancelled, firing Tick on each interval boundary.
// Cancellation is cooperative: Run returns once the in-flight tick (if any)
// finishes; it never force-kills a tick mid-batch.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			// Each tick runs in its own goroutine so a tick that is still
			// running when the next one fires does not block the ticker's
			// channel: time.Ticker drops ticks the receiver isn't reading,
			// it does not queue them, so a synchronous call here would make
			// the overlap guard below unreachable in practice.
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runTick(ctx)
			}()
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("refresh tick overlapped with a still-running tick; skipping")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if s.lockPool != nil {
		// pg_advisory_lock/pg_advisory_unlock are session-scoped: the same
		// pooled connection must be held for both calls, so a single
		// connection is checked out of the pool for the tick's duration
		// rather than letting the pool hand out a different backend for
		// the unlock.
		conn, err := s.lockPool.Acquire(ctx)
		if err != nil {
			s.log.Error("refresh tick could not acquire a target connection for the advisory lock: %v", err)
			return
		}
		defer conn.Release()

		var acquired bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, s.lockKey).Scan(&acquired); err != nil {
			s.log.Error("refresh tick could not check advisory lock: %v", err)
			return
		}
		if !acquired {
			s.log.Warn("refresh tick skipped: advisory lock held by another process instance")
			return
		}
		defer func() {
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, s.lockKey); err != nil {
				s.log.Error("refresh tick failed to release advisory lock: %v", err)
			}
		}()
	}

	start := time.Now()
	if err := s.tick(ctx); err != nil {
		s.log.Error("refresh tick failed after %s: %v", time.Since(start), err)
		return
	}
	s.log.Info("refresh tick completed in %s", time.Since(start))
}
