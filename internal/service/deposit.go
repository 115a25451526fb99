package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrDepositPayloadMismatch = errors.New("deposit payload does not match existing correlation id")

// DepositService watches inbound funds: bank deposits on the fiat rail and
// stablecoin deposits that SELL conversions are waiting for.
type DepositService struct {
	store        QueryStore
	rail         gateway.FiatRail
	conversions  *ConversionService
	fiatCurrency string
	batchSize    int32
	audit        *AuditService
}

func NewDepositService(store QueryStore, rail gateway.FiatRail, conversions *ConversionService, fiatCurrency string, batchSize int32) *DepositService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &DepositService{
		store:        store,
		rail:         rail,
		conversions:  conversions,
		fiatCurrency: fiatCurrency,
		batchSize:    batchSize,
		audit:        NewAuditService(store),
	}
}

type RegisterFiatDepositRequest struct {
	CustomerID    uuid.UUID
	CorrelationID string
	Amount        decimal.Decimal
	Currency      string
}

// RegisterFiatDeposit records an inbound bank transfer to watch. Registering
// the same correlation id again returns the stored deposit.
func (s *DepositService) RegisterFiatDeposit(ctx context.Context, req RegisterFiatDepositRequest) (*models.FiatDeposit, error) {
	req.CorrelationID = strings.TrimSpace(req.CorrelationID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.fiatCurrency
	}
	if req.CorrelationID == "" {
		return nil, domain.InvalidInput("correlation_id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, domain.InvalidInput("amount must be positive")
	}
	if req.Currency != s.fiatCurrency {
		return nil, domain.InvalidInput("unsupported currency %s", req.Currency)
	}

	var deposit models.FiatDeposit
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		stored, err := qtx.CreateFiatDeposit(ctx, models.FiatDeposit{
			ID:            uuid.New(),
			CustomerID:    req.CustomerID,
			CorrelationID: req.CorrelationID,
			Currency:      req.Currency,
			Amount:        req.Amount,
			Status:        domain.FiatDepositPending,
		})
		if err != nil {
			return fmt.Errorf("create fiat deposit: %w", err)
		}
		if stored.CustomerID != req.CustomerID || !stored.Amount.Equal(req.Amount) || stored.Currency != req.Currency {
			return ErrDepositPayloadMismatch
		}
		deposit = stored
		return s.audit.Write(ctx, qtx, "fiat_deposit", stored.ID, &stored.CustomerID, "fiat_deposit_registered", "", stored.Status, map[string]any{
			"correlation_id": stored.CorrelationID,
			"amount":         stored.Amount.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	return &deposit, nil
}

// RunOnce confirms pending fiat deposits and then advances SELL conversions
// whose crypto has reached the exchange.
func (s *DepositService) RunOnce(ctx context.Context) error {
	pending, err := s.store.Queries().ListPendingFiatDeposits(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("list pending fiat deposits: %w", err)
	}
	for _, d := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.checkFiatDeposit(ctx, d); err != nil {
			zap.L().Warn("fiat deposit check failed",
				zap.String("deposit_id", d.ID.String()),
				zap.String("correlation_id", d.CorrelationID),
				zap.Error(err))
		}
	}

	if s.conversions == nil {
		return nil
	}
	advanced, err := s.conversions.AdvanceSellDeposits(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("advance sell deposits: %w", err)
	}
	if advanced > 0 {
		zap.L().Info("sell conversions advanced", zap.Int("count", advanced))
	}
	return nil
}

func (s *DepositService) checkFiatDeposit(ctx context.Context, d models.FiatDeposit) error {
	status, err := s.rail.GetTransferStatus(ctx, d.CorrelationID)
	if err != nil {
		return domain.External("transfer status", err)
	}

	switch status {
	case gateway.TransferCompleted:
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			rows, err := qtx.UpdateFiatDepositStatus(ctx, d.ID, domain.FiatDepositPending, domain.FiatDepositConfirmed)
			if err != nil {
				return fmt.Errorf("confirm fiat deposit: %w", err)
			}
			if rows == 0 {
				return nil
			}
			rows, err = qtx.CreditFiatAccount(ctx, d.CustomerID, d.Currency, d.Amount)
			if err != nil {
				return fmt.Errorf("credit fiat account: %w", err)
			}
			if err := requireExactlyOne(rows, "credit fiat account"); err != nil {
				return err
			}
			return s.audit.Write(ctx, qtx, "fiat_deposit", d.ID, &d.CustomerID, "fiat_deposit_confirmed", domain.FiatDepositPending, domain.FiatDepositConfirmed, map[string]any{
				"amount": d.Amount.String(),
			})
		})
	case gateway.TransferFailed:
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			rows, err := qtx.UpdateFiatDepositStatus(ctx, d.ID, domain.FiatDepositPending, domain.FiatDepositFailed)
			if err != nil {
				return fmt.Errorf("fail fiat deposit: %w", err)
			}
			if rows == 0 {
				return nil
			}
			return s.audit.Write(ctx, qtx, "fiat_deposit", d.ID, &d.CustomerID, "fiat_deposit_failed", domain.FiatDepositPending, domain.FiatDepositFailed, nil)
		})
	default:
		return nil
	}
}
