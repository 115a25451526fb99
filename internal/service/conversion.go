package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/events"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/observability"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrConversionNotFound = errors.New("conversion not found")
	ErrLimitExceeded      = fmt.Errorf("%w: monthly conversion limit exceeded", domain.ErrInsufficientFunds)
	errNoFills            = errors.New("exchange reported no fills for the order")
)

// ConversionConfig carries the pricing and polling parameters of the saga.
type ConversionConfig struct {
	FiatCurrency     string
	Stablecoin       string
	SpreadBase       decimal.Decimal
	MinFiat          decimal.Decimal
	ExchangeFiatKey  string
	FillPollAttempts int
	FillPollBackoff  time.Duration
}

func (c ConversionConfig) instrument() string {
	return c.Stablecoin + "-" + c.FiatCurrency
}

// ConversionService runs the BUY and SELL sagas. Each step persists its
// status before the next external call so an interrupted conversion can be
// reconciled from the stored state.
type ConversionService struct {
	store      QueryStore
	wallets    *WalletService
	exchange   gateway.Exchange
	rail       gateway.FiatRail
	limits     gateway.LimitChecker
	affiliates gateway.AffiliateLedger
	publisher  events.Publisher
	audit      *AuditService
	cfg        ConversionConfig
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewConversionService(
	store QueryStore,
	wallets *WalletService,
	exchange gateway.Exchange,
	rail gateway.FiatRail,
	limits gateway.LimitChecker,
	affiliates gateway.AffiliateLedger,
	publisher events.Publisher,
	cfg ConversionConfig,
) *ConversionService {
	if cfg.FillPollAttempts <= 0 {
		cfg.FillPollAttempts = 3
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &ConversionService{
		store:      store,
		wallets:    wallets,
		exchange:   exchange,
		rail:       rail,
		limits:     limits,
		affiliates: affiliates,
		publisher:  publisher,
		audit:      NewAuditService(store),
		cfg:        cfg,
		sleep:      sleepContext,
	}
}

type BuyRequest struct {
	CustomerID uuid.UUID
	WalletID   uuid.UUID
	FiatAmount decimal.Decimal
}

// Buy converts fiat into the stablecoin and withdraws it to the customer's
// wallet. Validation failures return an error before anything is debited.
// Once the fiat is debited the saga always runs to COMPLETED or FAILED and
// the conversion is returned without an error.
func (s *ConversionService) Buy(ctx context.Context, req BuyRequest) (*models.Conversion, error) {
	amount := req.FiatAmount
	if amount.Exponent() < -2 {
		return nil, domain.InvalidInput("fiat amount supports at most 2 decimal places")
	}
	if amount.LessThan(s.cfg.MinFiat) || !amount.IsPositive() {
		return nil, domain.InvalidInput("minimum conversion is %s %s", s.cfg.MinFiat.StringFixed(2), s.cfg.FiatCurrency)
	}

	wallet, err := s.wallets.GetWallet(ctx, req.CustomerID, req.WalletID)
	if err != nil {
		return nil, err
	}
	if wallet.Currency != s.cfg.Stablecoin {
		return nil, domain.InvalidInput("wallet holds %s, conversions deliver %s", wallet.Currency, s.cfg.Stablecoin)
	}

	profile, err := s.profile(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if err := s.checkLimit(ctx, req.CustomerID, amount); err != nil {
		return nil, err
	}

	spreadRate := s.spreadRate(profile)
	exchanged := domain.NewMoney(amount, s.cfg.FiatCurrency).Multiply(spreadRate, domain.FiatDecimals).Amount
	conv := models.Conversion{
		ID:              uuid.New(),
		CustomerID:      req.CustomerID,
		WalletID:        wallet.ID,
		Type:            domain.ConversionTypeBuy,
		Status:          domain.ConversionPending,
		FiatCurrency:    s.cfg.FiatCurrency,
		CryptoCurrency:  s.cfg.Stablecoin,
		Network:         wallet.Network,
		FiatAmount:      amount,
		ExchangedAmount: exchanged,
		SpreadRate:      spreadRate,
		GrossSpread:     amount.Sub(exchanged),
	}

	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := s.recheckLimit(ctx, qtx, req.CustomerID, amount); err != nil {
			return err
		}
		account, err := qtx.GetFiatAccountForUpdate(ctx, req.CustomerID, s.cfg.FiatCurrency)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("lock fiat account: %w", err)
		}
		if err != nil || account.Balance.LessThan(amount) {
			return fmt.Errorf("%w: fiat balance %s is below %s", domain.ErrInsufficientFunds, account.Balance.StringFixed(2), amount.StringFixed(2))
		}

		created, err := qtx.CreateConversion(ctx, conv)
		if err != nil {
			return fmt.Errorf("create conversion: %w", err)
		}
		conv = created

		rows, err := qtx.DebitFiatAccount(ctx, req.CustomerID, s.cfg.FiatCurrency, amount)
		if err != nil {
			return fmt.Errorf("debit fiat account: %w", err)
		}
		if err := requireExactlyOne(rows, "debit fiat account"); err != nil {
			return err
		}
		return s.audit.Write(ctx, qtx, "conversion", conv.ID, &conv.CustomerID, "conversion_created", "", conv.Status, map[string]any{
			"type":        conv.Type,
			"fiat_amount": amount.String(),
			"spread_rate": spreadRate.String(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, conv)

	// The fiat has left the customer's balance. The remaining steps must reach
	// a terminal state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	s.runBuy(ctx, &conv, *wallet, profile)
	return &conv, nil
}

func (s *ConversionService) runBuy(ctx context.Context, conv *models.Conversion, wallet models.Wallet, profile models.CustomerProfile) {
	transfer, err := s.rail.SendTransfer(ctx, gateway.TransferRequest{
		IdempotencyKey: conv.ID.String(),
		CustomerID:     conv.CustomerID,
		Amount:         conv.FiatAmount,
		Currency:       conv.FiatCurrency,
		DestinationKey: s.cfg.ExchangeFiatKey,
	})
	if err == nil && transfer.Status == gateway.TransferFailed {
		err = errors.New("fiat rail rejected the transfer")
	}
	if err != nil {
		s.fail(ctx, conv, domain.External("fiat transfer", err), s.refundFiat(ctx, conv))
		return
	}
	conv.FiatTransferRef = &transfer.CorrelationID
	if !s.advance(ctx, conv, domain.ConversionPixSent, "fiat_sent") {
		return
	}

	clOrdID := compactID(conv.ID)
	instrument := s.cfg.instrument()
	orderID, err := s.exchange.MarketBuy(ctx, clOrdID, instrument, conv.ExchangedAmount)
	if err != nil {
		s.fail(ctx, conv, domain.External("market buy", err), nil)
		return
	}
	conv.ExchangeOrderID = &orderID

	fills, err := s.pollFills(ctx, instrument, orderID)
	if err != nil {
		s.fail(ctx, conv, domain.External("fetch fills", err), nil)
		return
	}
	summary := summarizeFills(fills, s.cfg.Stablecoin)
	conv.USDTPurchased = summary.size
	conv.ExchangeRate = summary.avgPrice
	conv.TradingFee = summary.fiatFee.Add(summary.cryptoFee.Mul(summary.avgPrice)).Round(2)
	if !s.advance(ctx, conv, domain.ConversionUSDTBought, "crypto_bought") {
		return
	}

	networkFee, err := s.exchange.WithdrawalFee(ctx, s.cfg.Stablecoin, wallet.Network)
	if err != nil {
		s.fail(ctx, conv, domain.External("withdrawal fee", err), nil)
		return
	}
	conv.NetworkFee = networkFee
	withdrawable := conv.USDTPurchased.Sub(summary.cryptoFee).Sub(networkFee).RoundDown(6)
	if !withdrawable.IsPositive() {
		s.fail(ctx, conv, domain.InvalidInput("purchased %s %s does not cover the network fee %s", conv.USDTPurchased, s.cfg.Stablecoin, networkFee), nil)
		return
	}

	withdrawalID, err := s.exchange.Withdraw(ctx, gateway.WithdrawalRequest{
		ClientID: "w" + clOrdID,
		Currency: s.cfg.Stablecoin,
		Amount:   withdrawable,
		Address:  wallet.Address,
		Network:  wallet.Network,
		Fee:      networkFee,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrAddressNotWhitelisted) && wallet.ExchangeWhitelisted {
			if flagErr := s.wallets.SetWhitelisted(ctx, wallet.ID, false); flagErr != nil {
				zap.L().Error("failed to flag wallet as not whitelisted", zap.String("wallet_id", wallet.ID.String()), zap.Error(flagErr))
			}
		}
		if !errors.Is(err, domain.ErrExternal) {
			err = domain.External("withdraw", err)
		}
		s.fail(ctx, conv, err, nil)
		return
	}
	if !wallet.ExchangeWhitelisted {
		if flagErr := s.wallets.SetWhitelisted(ctx, wallet.ID, true); flagErr != nil {
			zap.L().Warn("failed to flag wallet as whitelisted", zap.String("wallet_id", wallet.ID.String()), zap.Error(flagErr))
		}
	}
	conv.WithdrawalID = &withdrawalID
	conv.USDTWithdrawn = withdrawable
	conv.CryptoAmount = withdrawable
	if !s.advance(ctx, conv, domain.ConversionUSDTWithdrawn, "crypto_withdrawn") {
		return
	}

	if err := s.recordCommission(ctx, conv, profile); err != nil {
		s.fail(ctx, conv, err, nil)
		return
	}
	conv.NetProfit = conv.GrossSpread.Sub(conv.TradingFee).Sub(conv.AffiliateCommission)
	s.advance(ctx, conv, domain.ConversionCompleted, "conversion_completed")
}

type fillSummary struct {
	size      decimal.Decimal
	avgPrice  decimal.Decimal
	cryptoFee decimal.Decimal
	fiatFee   decimal.Decimal
}

// summarizeFills adds up fill sizes and splits fees by the currency they were charged in.
func summarizeFills(fills []gateway.Fill, crypto string) fillSummary {
	var sum fillSummary
	notional := decimal.Zero
	for _, f := range fills {
		sum.size = sum.size.Add(f.Size)
		notional = notional.Add(f.Size.Mul(f.Price))
		if strings.EqualFold(f.FeeCurrency, crypto) {
			sum.cryptoFee = sum.cryptoFee.Add(f.Fee.Abs())
		} else {
			sum.fiatFee = sum.fiatFee.Add(f.Fee.Abs())
		}
	}
	if sum.size.IsPositive() {
		sum.avgPrice = notional.DivRound(sum.size, 8)
	}
	return sum
}

// pollFills waits for the exchange to report fills, with a fixed backoff
// between attempts.
func (s *ConversionService) pollFills(ctx context.Context, instrument, orderID string) ([]gateway.Fill, error) {
	lastErr := errNoFills
	for attempt := 1; attempt <= s.cfg.FillPollAttempts; attempt++ {
		fills, err := s.exchange.GetFills(ctx, instrument, orderID)
		if err == nil && len(fills) > 0 {
			return fills, nil
		}
		if err != nil {
			lastErr = err
		}
		zap.L().Debug("fills not available yet",
			zap.String("order_id", orderID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt < s.cfg.FillPollAttempts {
			if err := s.sleep(ctx, s.cfg.FillPollBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (s *ConversionService) recordCommission(ctx context.Context, conv *models.Conversion, profile models.CustomerProfile) error {
	if s.affiliates == nil || profile.AffiliateID == nil || !profile.AffiliateRate.IsPositive() {
		return nil
	}
	commission, err := s.affiliates.RecordCommission(ctx, gateway.CommissionInput{
		AffiliateID:  *profile.AffiliateID,
		CustomerID:   conv.CustomerID,
		ConversionID: conv.ID,
		Spread:       conv.GrossSpread,
		Rate:         profile.AffiliateRate,
	})
	if err != nil {
		return fmt.Errorf("record affiliate commission: %w", err)
	}
	conv.AffiliateCommission = commission.Amount

	if _, err := s.affiliates.SettleCommission(ctx, *profile.AffiliateID); err != nil {
		zap.L().Warn("affiliate auto-settlement failed",
			zap.String("affiliate_id", profile.AffiliateID.String()),
			zap.String("conversion_id", conv.ID.String()),
			zap.Error(err))
	}
	return nil
}

// advance persists conv in the next status. A persistence failure moves the
// conversion to FAILED and reports false.
func (s *ConversionService) advance(ctx context.Context, conv *models.Conversion, next, action string) bool {
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		return transitionConversion(ctx, qtx, s.audit, conv, next, action)
	})
	if err != nil {
		zap.L().Error("conversion transition failed",
			zap.String("conversion_id", conv.ID.String()),
			zap.String("next_status", next),
			zap.Error(err))
		s.fail(ctx, conv, err, nil)
		return false
	}
	s.emit(ctx, *conv)
	return true
}

// fail records the raw cause for operators and a safe message for the
// customer. extra runs inside the same transaction.
func (s *ConversionService) fail(ctx context.Context, conv *models.Conversion, cause error, extra func(qtx repository.Querier) error) {
	raw := cause.Error()
	safe := domain.SafeMessage(cause)
	conv.ErrorMessage = &raw
	conv.FailureReason = &safe

	zap.L().Error("conversion failed",
		zap.String("conversion_id", conv.ID.String()),
		zap.String("type", conv.Type),
		zap.String("status", conv.Status),
		zap.Error(cause))

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if extra != nil {
			if err := extra(qtx); err != nil {
				return err
			}
		}
		return transitionConversion(ctx, qtx, s.audit, conv, domain.ConversionFailed, "conversion_failed")
	})
	if err != nil {
		zap.L().Error("CRITICAL: failed to persist conversion failure",
			zap.String("conversion_id", conv.ID.String()),
			zap.Error(err))
		conv.Status = domain.ConversionFailed
		return
	}
	s.emit(ctx, *conv)
}

func (s *ConversionService) refundFiat(ctx context.Context, conv *models.Conversion) func(qtx repository.Querier) error {
	return func(qtx repository.Querier) error {
		rows, err := qtx.CreditFiatAccount(ctx, conv.CustomerID, conv.FiatCurrency, conv.FiatAmount)
		if err != nil {
			return fmt.Errorf("refund fiat account: %w", err)
		}
		return requireExactlyOne(rows, "refund fiat account")
	}
}

func (s *ConversionService) emit(ctx context.Context, conv models.Conversion) {
	observability.IncrementConversionTransition(conv.Type, conv.Status)
	if err := s.publisher.PublishConversionStatus(ctx, conv); err != nil {
		zap.L().Warn("conversion event not published",
			zap.String("conversion_id", conv.ID.String()),
			zap.String("status", conv.Status),
			zap.Error(err))
	}
}

func (s *ConversionService) profile(ctx context.Context, customerID uuid.UUID) (models.CustomerProfile, error) {
	p, err := s.store.Queries().GetCustomerProfile(ctx, customerID)
	if err != nil {
		if isNotFound(err) {
			return models.CustomerProfile{CustomerID: customerID, SpreadMultiplier: decimal.NewFromInt(1)}, nil
		}
		return models.CustomerProfile{}, fmt.Errorf("get customer profile: %w", err)
	}
	return p, nil
}

// txLimitChecker is a LimitChecker that can repeat its check inside the
// transaction recording the conversion.
type txLimitChecker interface {
	ValidateTransactionLimitTx(ctx context.Context, qtx repository.Querier, customerID uuid.UUID, amount decimal.Decimal) (gateway.LimitDecision, error)
}

// recheckLimit runs inside the creating transaction. Checkers without
// transactional support were already consulted by checkLimit.
func (s *ConversionService) recheckLimit(ctx context.Context, qtx repository.Querier, customerID uuid.UUID, amount decimal.Decimal) error {
	checker, ok := s.limits.(txLimitChecker)
	if !ok {
		return nil
	}
	decision, err := checker.ValidateTransactionLimitTx(ctx, qtx, customerID, amount)
	if err != nil {
		return fmt.Errorf("validate transaction limit: %w", err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrLimitExceeded, decision.Message)
	}
	return nil
}

func (s *ConversionService) checkLimit(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal) error {
	decision, err := s.limits.ValidateTransactionLimit(ctx, customerID, amount)
	if err != nil {
		return fmt.Errorf("validate transaction limit: %w", err)
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrLimitExceeded, decision.Message)
	}
	return nil
}

// spreadRate is 1 - base x multiplier. A profile without a multiplier pays the base spread.
func (s *ConversionService) spreadRate(p models.CustomerProfile) decimal.Decimal {
	multiplier := p.SpreadMultiplier
	if multiplier.IsZero() {
		multiplier = decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(1).Sub(s.cfg.SpreadBase.Mul(multiplier))
}

func (s *ConversionService) GetConversion(ctx context.Context, customerID, id uuid.UUID) (*models.Conversion, error) {
	conv, err := s.store.Queries().GetConversion(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrConversionNotFound
		}
		return nil, fmt.Errorf("get conversion: %w", err)
	}
	if conv.CustomerID != customerID {
		return nil, ErrConversionNotFound
	}
	return &conv, nil
}

func (s *ConversionService) ListConversions(ctx context.Context, filter repository.ConversionFilter) ([]models.Conversion, error) {
	convs, err := s.store.Queries().ListConversions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	return convs, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
