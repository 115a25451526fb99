package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const whitelistWarning = "This wallet address is not approved for exchange withdrawals yet. Add it to the allow list before converting."

// Quote is an indicative price for a conversion. It is not a commitment: the
// saga prices against the actual fills.
type Quote struct {
	Type         string          `json:"type"`
	FiatAmount   decimal.Decimal `json:"fiat_amount"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	Rate         decimal.Decimal `json:"rate"`
	SpreadRate   decimal.Decimal `json:"spread_rate"`
	NetworkFee   decimal.Decimal `json:"network_fee"`
	Warning      string          `json:"warning,omitempty"`
}

type QuoteRequest struct {
	CustomerID uuid.UUID
	WalletID   uuid.UUID
	Type       string
	Amount     decimal.Decimal
}

// Quote prices a BUY of Amount fiat or a SELL of Amount stablecoin at the
// current ticker, with the customer's spread applied.
func (s *ConversionService) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	kind := strings.ToUpper(strings.TrimSpace(req.Type))
	if kind != domain.ConversionTypeBuy && kind != domain.ConversionTypeSell {
		return nil, domain.InvalidInput("type must be BUY or SELL")
	}
	if !req.Amount.IsPositive() {
		return nil, domain.InvalidInput("amount must be positive")
	}

	wallet, err := s.wallets.GetWallet(ctx, req.CustomerID, req.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.Currency != s.cfg.Stablecoin {
		return nil, domain.InvalidInput("wallet holds %s, conversions use %s", wallet.Currency, s.cfg.Stablecoin)
	}
	profile, err := s.profile(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	price, err := s.exchange.GetTicker(ctx, s.cfg.instrument())
	if err != nil {
		return nil, domain.External("ticker", err)
	}
	if !price.IsPositive() {
		return nil, domain.External("ticker", fmt.Errorf("no last price for %s", s.cfg.instrument()))
	}

	q := &Quote{Type: kind, Rate: price, SpreadRate: s.spreadRate(profile)}
	if kind == domain.ConversionTypeBuy {
		fee, err := s.exchange.WithdrawalFee(ctx, s.cfg.Stablecoin, wallet.Network)
		if err != nil {
			return nil, domain.External("withdrawal fee", err)
		}
		exchanged := domain.NewMoney(req.Amount, s.cfg.FiatCurrency).Multiply(q.SpreadRate, domain.FiatDecimals).Amount
		q.FiatAmount = req.Amount
		q.NetworkFee = fee
		q.CryptoAmount = decimal.Max(exchanged.Div(price).Sub(fee), decimal.Zero).RoundDown(stablecoinPlaces)
		if !wallet.ExchangeWhitelisted {
			q.Warning = whitelistWarning
		}
		return q, nil
	}

	q.CryptoAmount = req.Amount
	q.FiatAmount = domain.NewMoney(req.Amount, s.cfg.Stablecoin).Convert(s.cfg.FiatCurrency, price.Mul(q.SpreadRate), domain.FiatDecimals).Amount
	return q, nil
}
