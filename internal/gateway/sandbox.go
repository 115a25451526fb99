package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// SandboxFiatRail simulates the bank transfer rail for non-production deployments.
// Each transfer waits a random latency and fails with probability FailureRate.
// Correlation ids it did not issue are treated as inbound transfers and settle immediately.
type SandboxFiatRail struct {
	FailureRate float64
	MinLatency  time.Duration
	MaxLatency  time.Duration

	mu         sync.Mutex
	rng        *rand.Rand
	byKey      map[string]TransferResult
	statusByID map[string]string
}

var _ FiatRail = (*SandboxFiatRail)(nil)

// NewSandboxFiatRail returns a rail with 200-800ms latency and a 5% failure rate.
func NewSandboxFiatRail() *SandboxFiatRail {
	return &SandboxFiatRail{
		FailureRate: 0.05,
		MinLatency:  200 * time.Millisecond,
		MaxLatency:  800 * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		byKey:       make(map[string]TransferResult),
		statusByID:  make(map[string]string),
	}
}

// SendTransfer is idempotent on req.IdempotencyKey.
func (g *SandboxFiatRail) SendTransfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if !req.Amount.IsPositive() {
		return TransferResult{}, fmt.Errorf("transfer amount must be positive")
	}

	g.mu.Lock()
	if prev, ok := g.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		g.mu.Unlock()
		return prev, nil
	}
	delay := g.latencyLocked()
	failed := g.rng.Float64() < g.FailureRate
	seq := g.rng.Intn(100000)
	g.mu.Unlock()

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return TransferResult{}, fmt.Errorf("fiat rail call canceled: %w", ctx.Err())
	}

	if failed {
		return TransferResult{}, fmt.Errorf("fiat rail temporarily unavailable")
	}

	res := TransferResult{
		CorrelationID: fmt.Sprintf("SANDBOX-%s-%05d", time.Now().UTC().Format("20060102-150405"), seq),
		Status:        TransferCompleted,
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if req.IdempotencyKey != "" {
		g.byKey[req.IdempotencyKey] = res
	}
	g.statusByID[res.CorrelationID] = res.Status
	return res, nil
}

func (g *SandboxFiatRail) GetTransferStatus(_ context.Context, correlationID string) (string, error) {
	if correlationID == "" {
		return "", ErrTransferNotFound
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if status, ok := g.statusByID[correlationID]; ok {
		return status, nil
	}
	return TransferCompleted, nil
}

func (g *SandboxFiatRail) latencyLocked() time.Duration {
	if g.MaxLatency <= g.MinLatency {
		return g.MinLatency
	}
	return g.MinLatency + time.Duration(g.rng.Int63n(int64(g.MaxLatency-g.MinLatency)))
}
