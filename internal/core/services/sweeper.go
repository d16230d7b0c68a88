package services

import (
	"context"
	"time"

	"callguard/internal/core/ports"

	"go.uber.org/zap"
)

const sweepLockKey = "abuse-sweep"

// Locker runs fn only while holding a cluster-wide lock. pkg/distributed's
// LockManager satisfies it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// SweepResult is handed to the OnSweep hook after every sweep that ran.
type SweepResult struct {
	Removed int
	Blocked int
	Idle    int
}

// Sweeper periodically reclaims normal and expired entries. Expiry is lazy
// everywhere, so skipping or delaying a sweep never changes a verdict.
type Sweeper struct {
	store    ports.BlocklistStore
	counter  *AbuseCounter // may be nil
	locker   Locker        // nil on a single instance
	interval time.Duration
	idleTTL  time.Duration
	onSweep  func(SweepResult)
	logger   *zap.SugaredLogger
}

func NewSweeper(
	store ports.BlocklistStore,
	counter *AbuseCounter,
	locker Locker,
	interval, idleTTL time.Duration,
	onSweep func(SweepResult),
	logger *zap.SugaredLogger,
) *Sweeper {
	return &Sweeper{
		store:    store,
		counter:  counter,
		locker:   locker,
		interval: interval,
		idleTTL:  idleTTL,
		onSweep:  onSweep,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warnw("abuse sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs one sweep, under the lock when a Locker is set. It reports
// whether this instance swept the store.
func (s *Sweeper) SweepOnce(ctx context.Context) (bool, error) {
	// counters are per process, so every instance trims its own
	idle := 0
	if s.counter != nil && s.idleTTL > 0 {
		idle = s.counter.Forget(s.idleTTL)
	}

	sweep := func(ctx context.Context) error { return s.sweepStore(ctx, idle) }
	if s.locker == nil {
		return true, sweep(ctx)
	}
	// the lock outlives a slow sweep but not a crashed holder
	return s.locker.WithLock(ctx, sweepLockKey, 2*s.interval+time.Second, sweep)
}

func (s *Sweeper) sweepStore(ctx context.Context, idle int) error {
	res := SweepResult{Idle: idle}

	removed, err := s.store.Sweep(ctx)
	if err != nil {
		return err
	}
	res.Removed = removed

	blocked, err := s.store.ListBlocked(ctx)
	if err != nil {
		return err
	}
	res.Blocked = len(blocked)

	if res.Removed > 0 || res.Idle > 0 {
		s.logger.Debugw("abuse sweep", "removed", res.Removed, "idle_counters", res.Idle, "blocked", res.Blocked)
	}
	if s.onSweep != nil {
		s.onSweep(res)
	}
	return nil
}
