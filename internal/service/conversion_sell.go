package service

import (
	"context"
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

const stablecoinPlaces = 6

type SellRequest struct {
	CustomerID   uuid.UUID
	WalletID     uuid.UUID
	CryptoAmount decimal.Decimal
	FundingMode  string
	SignedTx     string
}

// SellResult carries the exchange deposit address the crypto must reach.
type SellResult struct {
	Conversion     *models.Conversion `json:"conversion"`
	DepositAddress string             `json:"deposit_address"`
}

// Sell opens a SELL conversion and funds the exchange deposit according to
// the funding mode. The saga continues in AdvanceSellDeposits once the
// exchange credits the deposit.
func (s *ConversionService) Sell(ctx context.Context, req SellRequest) (*SellResult, error) {
	amount := req.CryptoAmount
	if !amount.IsPositive() {
		return nil, domain.InvalidInput("amount must be positive")
	}
	if amount.Exponent() < -stablecoinPlaces {
		return nil, domain.InvalidInput("amount supports at most %d decimal places", stablecoinPlaces)
	}
	mode := strings.ToLower(strings.TrimSpace(req.FundingMode))
	switch mode {
	case domain.SellFundingCustodial, domain.SellFundingDeposit:
	case domain.SellFundingExternal:
		if strings.TrimSpace(req.SignedTx) == "" {
			return nil, domain.InvalidInput("signed_tx is required for external funding")
		}
	default:
		return nil, domain.InvalidInput("unknown funding mode %q", req.FundingMode)
	}

	wallet, err := s.wallets.GetWallet(ctx, req.CustomerID, req.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.Currency != s.cfg.Stablecoin {
		return nil, domain.InvalidInput("wallet holds %s, conversions sell %s", wallet.Currency, s.cfg.Stablecoin)
	}
	if mode == domain.SellFundingCustodial && wallet.WatchOnly() {
		return nil, ErrWatchOnlyWallet
	}

	price, err := s.exchange.GetTicker(ctx, s.cfg.instrument())
	if err != nil {
		return nil, domain.External("ticker", err)
	}
	estimate := domain.NewMoney(amount, s.cfg.Stablecoin).Convert(s.cfg.FiatCurrency, price, domain.FiatDecimals)
	if estimate.Amount.LessThan(s.cfg.MinFiat) {
		return nil, domain.InvalidInput("minimum conversion is %s, this sale is worth %s", domain.NewMoney(s.cfg.MinFiat, s.cfg.FiatCurrency), estimate)
	}

	profile, err := s.profile(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if err := s.checkLimit(ctx, req.CustomerID, estimate.Amount); err != nil {
		return nil, err
	}

	depositAddress, err := s.exchange.GetDepositAddress(ctx, s.cfg.Stablecoin, wallet.Network)
	if err != nil {
		return nil, domain.External("deposit address", err)
	}

	conv := models.Conversion{
		ID:             uuid.New(),
		CustomerID:     req.CustomerID,
		WalletID:       wallet.ID,
		Type:           domain.ConversionTypeSell,
		Status:         domain.ConversionPending,
		FundingMode:    mode,
		FiatCurrency:   s.cfg.FiatCurrency,
		CryptoCurrency: s.cfg.Stablecoin,
		Network:        wallet.Network,
		FiatAmount:     estimate.Amount,
		CryptoAmount:   amount,
		SpreadRate:     s.spreadRate(profile),
	}
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := s.recheckLimit(ctx, qtx, req.CustomerID, estimate.Amount); err != nil {
			return err
		}
		created, err := qtx.CreateConversion(ctx, conv)
		if err != nil {
			return fmt.Errorf("create conversion: %w", err)
		}
		conv = created
		return s.audit.Write(ctx, qtx, "conversion", conv.ID, &conv.CustomerID, "conversion_created", "", conv.Status, map[string]any{
			"type":          conv.Type,
			"crypto_amount": amount.String(),
			"funding_mode":  mode,
		})
	})
	if err != nil {
		return nil, err
	}
	conv.ExchangeRate = price
	s.emit(ctx, conv)

	ctx = context.WithoutCancel(ctx)
	switch mode {
	case domain.SellFundingCustodial:
		res, err := s.wallets.SendCrypto(ctx, SendCryptoRequest{
			CustomerID: req.CustomerID,
			WalletID:   wallet.ID,
			To:         depositAddress,
			Amount:     amount,
		})
		if err != nil {
			s.fail(ctx, &conv, err, nil)
			return &SellResult{Conversion: &conv, DepositAddress: depositAddress}, nil
		}
		conv.TxHash = &res.TxID
	case domain.SellFundingExternal:
		txID, err := s.wallets.BroadcastSigned(ctx, req.CustomerID, wallet.ID, req.SignedTx)
		if err != nil {
			s.fail(ctx, &conv, err, nil)
			return &SellResult{Conversion: &conv, DepositAddress: depositAddress}, nil
		}
		conv.TxHash = &txID
	}

	s.advance(ctx, &conv, domain.ConversionAwaitingDeposit, "awaiting_deposit")
	return &SellResult{Conversion: &conv, DepositAddress: depositAddress}, nil
}

// AdvanceSellDeposits matches SELL conversions waiting for their deposit
// against the exchange's recent deposits and completes the ones that arrived.
// It returns the number of conversions that moved past AWAITING_DEPOSIT.
func (s *ConversionService) AdvanceSellDeposits(ctx context.Context, limit int32) (int, error) {
	waiting, err := s.store.Queries().ListConversionsByStatus(ctx, domain.ConversionAwaitingDeposit, limit)
	if err != nil {
		return 0, fmt.Errorf("list awaiting conversions: %w", err)
	}
	if len(waiting) == 0 {
		return 0, nil
	}

	deposits, err := s.exchange.ListRecentDeposits(ctx, s.cfg.Stablecoin)
	if err != nil {
		return 0, domain.External("list deposits", err)
	}

	claimed := make(map[string]bool)
	advanced := 0
	for i := range waiting {
		conv := waiting[i]
		dep, ok, err := s.matchDeposit(ctx, conv, deposits, claimed)
		if err != nil {
			return advanced, err
		}
		if !ok {
			continue
		}
		claimed[dep.DepositID] = true

		if dep.State == gateway.DepositStateFailed {
			s.fail(ctx, &conv, domain.External("deposit", fmt.Errorf("exchange marked deposit %s as failed", dep.DepositID)), nil)
			advanced++
			continue
		}
		s.completeSell(ctx, &conv, dep)
		advanced++
	}
	return advanced, nil
}

// matchDeposit matches a conversion that carries a tx hash by that hash only.
// A conversion without one takes the first credited deposit of the same amount
// and network that no other conversion has used or reserved by hash.
func (s *ConversionService) matchDeposit(ctx context.Context, conv models.Conversion, deposits []gateway.Deposit, claimed map[string]bool) (gateway.Deposit, bool, error) {
	if conv.TxHash != nil && *conv.TxHash != "" {
		for _, d := range deposits {
			if d.TxHash == "" || !strings.EqualFold(d.TxHash, *conv.TxHash) || claimed[d.DepositID] {
				continue
			}
			if d.State == gateway.DepositStatePending {
				return gateway.Deposit{}, false, nil
			}
			return d, true, nil
		}
		return gateway.Deposit{}, false, nil
	}

	q := s.store.Queries()
	for _, d := range deposits {
		if d.State != gateway.DepositStateCredited || claimed[d.DepositID] {
			continue
		}
		if d.Network != conv.Network || !d.Amount.Equal(conv.CryptoAmount) {
			continue
		}
		used, err := q.ConversionDepositUsed(ctx, d.DepositID)
		if err != nil {
			return gateway.Deposit{}, false, fmt.Errorf("check deposit usage: %w", err)
		}
		if !used && d.TxHash != "" {
			used, err = q.ConversionTxHashReserved(ctx, d.TxHash)
			if err != nil {
				return gateway.Deposit{}, false, fmt.Errorf("check deposit tx hash: %w", err)
			}
		}
		if used {
			claimed[d.DepositID] = true
			continue
		}
		return d, true, nil
	}
	return gateway.Deposit{}, false, nil
}

func (s *ConversionService) completeSell(ctx context.Context, conv *models.Conversion, dep gateway.Deposit) {
	depositID := dep.DepositID
	conv.DepositID = &depositID
	if conv.TxHash == nil && dep.TxHash != "" {
		txHash := dep.TxHash
		conv.TxHash = &txHash
	}
	conv.CryptoAmount = dep.Amount
	if !s.advance(ctx, conv, domain.ConversionUSDTDeposited, "deposit_credited") {
		return
	}

	sale, err := s.exchange.MarketSell(ctx, compactID(conv.ID), s.cfg.instrument(), dep.Amount)
	if err != nil {
		s.fail(ctx, conv, domain.External("market sell", err), nil)
		return
	}
	orderID := sale.OrderID
	conv.ExchangeOrderID = &orderID
	conv.ExchangedAmount = sale.Proceeds
	conv.TradingFee = sale.Fee
	if dep.Amount.IsPositive() {
		conv.ExchangeRate = sale.Proceeds.DivRound(dep.Amount, 8)
	}

	credited := domain.NewMoney(sale.Proceeds, s.cfg.FiatCurrency).Multiply(conv.SpreadRate, domain.FiatDecimals).Amount
	conv.FiatAmount = credited
	conv.GrossSpread = sale.Proceeds.Sub(credited)
	if !s.advance(ctx, conv, domain.ConversionUSDTSold, "crypto_sold") {
		return
	}

	if !credited.IsPositive() {
		s.fail(ctx, conv, fmt.Errorf("refusing non-positive fiat credit %s", credited), nil)
		return
	}
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		rows, err := qtx.CreditFiatAccount(ctx, conv.CustomerID, conv.FiatCurrency, credited)
		if err != nil {
			return fmt.Errorf("credit fiat account: %w", err)
		}
		if err := requireExactlyOne(rows, "credit fiat account"); err != nil {
			return err
		}
		conv.FiatCredited = credited
		return transitionConversion(ctx, qtx, s.audit, conv, domain.ConversionUSDTSold, "fiat_credited")
	})
	if err != nil {
		conv.FiatCredited = decimal.Zero
		s.fail(ctx, conv, err, nil)
		return
	}

	profile, err := s.profile(ctx, conv.CustomerID)
	if err != nil {
		zap.L().Warn("profile unavailable for commission", zap.String("conversion_id", conv.ID.String()), zap.Error(err))
	} else if err := s.recordCommission(ctx, conv, profile); err != nil {
		s.fail(ctx, conv, err, nil)
		return
	}
	conv.NetProfit = conv.GrossSpread.Sub(conv.AffiliateCommission)
	s.advance(ctx, conv, domain.ConversionCompleted, "conversion_completed")
}
