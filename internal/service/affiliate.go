package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AffiliateService records affiliate commissions and pays them out over the fiat rail.
type AffiliateService struct {
	store        QueryStore
	rail         gateway.FiatRail
	fiatCurrency string
	audit        *AuditService
}

var _ gateway.AffiliateLedger = (*AffiliateService)(nil)

func NewAffiliateService(store QueryStore, rail gateway.FiatRail, fiatCurrency string) *AffiliateService {
	return &AffiliateService{
		store:        store,
		rail:         rail,
		fiatCurrency: fiatCurrency,
		audit:        NewAuditService(store),
	}
}

// RecordCommission stores spread x rate for the conversion. Recording the same
// conversion twice returns the existing row.
func (s *AffiliateService) RecordCommission(ctx context.Context, in gateway.CommissionInput) (models.AffiliateCommission, error) {
	amount := in.Spread.Mul(in.Rate).Round(2)
	if !amount.IsPositive() {
		return models.AffiliateCommission{}, nil
	}
	c, err := s.store.Queries().CreateAffiliateCommission(ctx, models.AffiliateCommission{
		ID:           uuid.New(),
		AffiliateID:  in.AffiliateID,
		CustomerID:   in.CustomerID,
		ConversionID: in.ConversionID,
		Amount:       amount,
		Status:       domain.CommissionPending,
	})
	if err != nil {
		return models.AffiliateCommission{}, fmt.Errorf("create affiliate commission: %w", err)
	}
	return c, nil
}

// SettleCommission pays every pending commission of the affiliate in one
// transfer. The rows stay locked until the transfer is recorded so two
// settlements cannot pay the same commission.
func (s *AffiliateService) SettleCommission(ctx context.Context, affiliateID uuid.UUID) (gateway.SettlementResult, error) {
	var result gateway.SettlementResult
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		pending, err := qtx.ListPendingCommissionsForUpdate(ctx, affiliateID)
		if err != nil {
			return fmt.Errorf("list pending commissions: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		profile, err := qtx.GetCustomerProfile(ctx, affiliateID)
		if err != nil {
			if isNotFound(err) {
				return domain.InvalidInput("affiliate %s has no profile", affiliateID)
			}
			return fmt.Errorf("get affiliate profile: %w", err)
		}
		if profile.PixKey == "" {
			return domain.InvalidInput("affiliate %s has no payout key", affiliateID)
		}

		ids := make([]uuid.UUID, 0, len(pending))
		total := decimal.Zero
		for _, c := range pending {
			ids = append(ids, c.ID)
			total = total.Add(c.Amount)
		}

		transfer, err := s.rail.SendTransfer(ctx, gateway.TransferRequest{
			IdempotencyKey: "aff-" + compactID(ids[0]),
			CustomerID:     affiliateID,
			Amount:         total,
			Currency:       s.fiatCurrency,
			DestinationKey: profile.PixKey,
		})
		if err != nil {
			return domain.External("affiliate payout", err)
		}

		rows, err := qtx.MarkCommissionsSettled(ctx, ids, transfer.CorrelationID)
		if err != nil {
			return fmt.Errorf("mark commissions settled: %w", err)
		}
		if rows != int64(len(ids)) {
			return fmt.Errorf("mark commissions settled affected %d of %d rows", rows, len(ids))
		}
		result = gateway.SettlementResult{Settled: true, TxID: transfer.CorrelationID}
		return s.audit.Write(ctx, qtx, "affiliate", affiliateID, nil, "commissions_settled", "", "", map[string]any{
			"count":          len(ids),
			"amount":         total.String(),
			"correlation_id": transfer.CorrelationID,
		})
	})
	if err != nil {
		return gateway.SettlementResult{}, err
	}
	if result.Settled {
		zap.L().Info("affiliate commissions settled",
			zap.String("affiliate_id", affiliateID.String()),
			zap.String("correlation_id", result.TxID))
	}
	return result, nil
}
