package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ayo6706/crypto-custody/internal/observability"
	"go.uber.org/zap"
)

const (
	resultSuccess       = "success"
	resultFailed        = "failed"
	resultSkippedBusy   = "skipped_busy"
	resultSkippedLeased = "skipped_leased"
	resultLockFailed    = "lock_failed"

	leaseIntervals = 3
)

// leaseFor sizes a lease to outlast a few ticks of interval.
func leaseFor(interval time.Duration) time.Duration {
	return leaseIntervals * interval
}

// sweep guards a periodic job: an in-flight run makes the next tick a no-op,
// and an optional Locker extends that across instances. A leased run is
// canceled when its lease expires so it never overlaps another instance.
type sweep struct {
	name     string
	busy     atomic.Bool
	locker   Locker
	leaseTTL time.Duration
}

func (s *sweep) run(ctx context.Context, fn func(context.Context) error) string {
	if !s.busy.CompareAndSwap(false, true) {
		return s.record(resultSkippedBusy)
	}
	defer s.busy.Store(false)

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, s.name, s.leaseTTL)
		if err != nil {
			zap.L().Warn("worker lease unavailable", zap.String("worker", s.name), zap.Error(err))
			return s.record(resultLockFailed)
		}
		if release == nil {
			return s.record(resultSkippedLeased)
		}
		defer release()

		if s.leaseTTL > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.leaseTTL)
			defer cancel()
		}
	}

	if err := fn(ctx); err != nil {
		zap.L().Error("worker run failed", zap.String("worker", s.name), zap.Error(err))
		return s.record(resultFailed)
	}
	return s.record(resultSuccess)
}

func (s *sweep) record(result string) string {
	observability.IncrementWorkerRun(s.name, result)
	return result
}
