package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const limitWindow = 30 * 24 * time.Hour

// LimitService enforces the rolling monthly conversion limit.
type LimitService struct {
	store        QueryStore
	defaultLimit decimal.Decimal
	now          func() time.Time
}

var _ gateway.LimitChecker = (*LimitService)(nil)

func NewLimitService(store QueryStore, defaultLimit decimal.Decimal) *LimitService {
	return &LimitService{store: store, defaultLimit: defaultLimit, now: time.Now}
}

// ValidateTransactionLimit sums the customer's non-failed conversions over the
// last 30 days and checks that adding amount stays within the limit.
func (s *LimitService) ValidateTransactionLimit(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal) (gateway.LimitDecision, error) {
	return s.decide(ctx, s.store.Queries(), customerID, amount)
}

// ValidateTransactionLimitTx repeats the check inside qtx after taking the
// customer's conversion lock, so concurrent conversions cannot both pass.
func (s *LimitService) ValidateTransactionLimitTx(ctx context.Context, qtx repository.Querier, customerID uuid.UUID, amount decimal.Decimal) (gateway.LimitDecision, error) {
	if err := qtx.LockCustomerConversions(ctx, customerID); err != nil {
		return gateway.LimitDecision{}, fmt.Errorf("lock customer conversions: %w", err)
	}
	return s.decide(ctx, qtx, customerID, amount)
}

func (s *LimitService) decide(ctx context.Context, q repository.Querier, customerID uuid.UUID, amount decimal.Decimal) (gateway.LimitDecision, error) {
	limit := s.defaultLimit
	profile, err := q.GetCustomerProfile(ctx, customerID)
	switch {
	case err == nil:
		if profile.MonthlyLimit.IsPositive() {
			limit = profile.MonthlyLimit
		}
	case isNotFound(err):
	default:
		return gateway.LimitDecision{}, fmt.Errorf("get customer profile: %w", err)
	}

	used, err := q.SumConversionFiatSince(ctx, customerID, s.now().Add(-limitWindow))
	if err != nil {
		return gateway.LimitDecision{}, fmt.Errorf("sum conversions: %w", err)
	}

	if used.Add(amount).GreaterThan(limit) {
		remaining := decimal.Max(limit.Sub(used), decimal.Zero)
		return gateway.LimitDecision{
			Allowed: false,
			Message: fmt.Sprintf("monthly limit of %s exceeded, %s remaining", limit.StringFixed(2), remaining.StringFixed(2)),
		}, nil
	}
	return gateway.LimitDecision{Allowed: true}, nil
}
