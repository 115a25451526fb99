package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type depositPoller interface {
	RunOnce(ctx context.Context) error
}

// DepositWorker polls pending bank deposits and SELL conversions waiting on
// an exchange deposit.
type DepositWorker struct {
	deposits depositPoller
	interval time.Duration
	guard    sweep
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewDepositWorker(deposits depositPoller) *DepositWorker {
	return &DepositWorker{
		deposits: deposits,
		interval: 30 * time.Second,
		guard:    sweep{name: "deposit_poll", leaseTTL: leaseFor(30 * time.Second)},
		stopCh:   make(chan struct{}),
	}
}

func (w *DepositWorker) WithPollInterval(interval time.Duration) *DepositWorker {
	if interval > 0 {
		w.interval = interval
		w.guard.leaseTTL = leaseFor(interval)
	}
	return w
}

// WithLocker adds a distributed lease around each run.
func (w *DepositWorker) WithLocker(locker Locker) *DepositWorker {
	w.guard.locker = locker
	return w
}

func (w *DepositWorker) Start(ctx context.Context) {
	zap.L().Info("deposit worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("deposit worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("deposit worker stop signal received")
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce runs a single guarded poll and reports its outcome.
func (w *DepositWorker) ProcessOnce(ctx context.Context) string {
	return w.guard.run(ctx, w.deposits.RunOnce)
}

func (w *DepositWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *DepositWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}
