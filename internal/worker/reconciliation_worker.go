package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type lockAuditor interface {
	Run(ctx context.Context) (int, error)
}

// ReconciliationWorker periodically compares spot locks with open orders.
type ReconciliationWorker struct {
	auditor  lockAuditor
	interval time.Duration
	guard    sweep
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciliationWorker constructs a worker with a default hourly interval.
func NewReconciliationWorker(auditor lockAuditor) *ReconciliationWorker {
	return &ReconciliationWorker{
		auditor:  auditor,
		interval: time.Hour,
		guard:    sweep{name: "spot_lock_audit", leaseTTL: time.Minute},
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *ReconciliationWorker) WithLocker(locker Locker) *ReconciliationWorker {
	w.guard.locker = locker
	return w
}

// Start blocks and runs reconciliation at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Run once immediately at startup.
	w.ProcessOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

func (w *ReconciliationWorker) ProcessOnce(ctx context.Context) string {
	return w.guard.run(ctx, func(ctx context.Context) error {
		imbalances, err := w.auditor.Run(ctx)
		if err != nil {
			return err
		}
		if imbalances > 0 {
			zap.L().Warn("spot lock imbalances found", zap.Int("count", imbalances))
		}
		return nil
	})
}

// Stop stops the running worker loop.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}
