package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type openOrderReconciler interface {
	ReconcileOpenOrders(ctx context.Context, limit int32) (int, error)
}

// SpotReconciliationWorker re-settles open spot orders against exchange fills.
type SpotReconciliationWorker struct {
	spot      openOrderReconciler
	interval  time.Duration
	batchSize int32
	guard     sweep
	stopCh    chan struct{}
	stopOnce  sync.Once
}

func NewSpotReconciliationWorker(spot openOrderReconciler) *SpotReconciliationWorker {
	return &SpotReconciliationWorker{
		spot:      spot,
		interval:  10 * time.Second,
		batchSize: 100,
		guard:     sweep{name: "spot_reconciliation", leaseTTL: leaseFor(10 * time.Second)},
		stopCh:    make(chan struct{}),
	}
}

func (w *SpotReconciliationWorker) WithInterval(interval time.Duration) *SpotReconciliationWorker {
	if interval > 0 {
		w.interval = interval
		w.guard.leaseTTL = leaseFor(interval)
	}
	return w
}

func (w *SpotReconciliationWorker) WithBatchSize(size int32) *SpotReconciliationWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

func (w *SpotReconciliationWorker) WithLocker(locker Locker) *SpotReconciliationWorker {
	w.guard.locker = locker
	return w
}

func (w *SpotReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("spot reconciliation worker starting", zap.Duration("interval", w.interval), zap.Int32("batch", w.batchSize))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("spot reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("spot reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

func (w *SpotReconciliationWorker) ProcessOnce(ctx context.Context) string {
	return w.guard.run(ctx, func(ctx context.Context) error {
		settled, err := w.spot.ReconcileOpenOrders(ctx, w.batchSize)
		if settled > 0 {
			zap.L().Debug("spot orders reconciled", zap.Int("count", settled))
		}
		return err
	})
}

func (w *SpotReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *SpotReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}
