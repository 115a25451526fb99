package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/observability"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrOrderNotFound = errors.New("spot order not found")

const spotLockPlaces = 8

var marketBuySlippage = decimal.RequireFromString("1.01")

// unsubmittedOrderGrace is how long an order without an exchange id may stay
// unknown to the exchange before its lock is released.
const unsubmittedOrderGrace = 2 * time.Minute

// SpotService keeps the internal spot ledger in step with orders on the exchange.
type SpotService struct {
	store    QueryStore
	exchange gateway.Exchange
	feeRate  decimal.Decimal
	audit    *AuditService
	now      func() time.Time
}

func NewSpotService(store QueryStore, exchange gateway.Exchange, feeRate decimal.Decimal) *SpotService {
	return &SpotService{
		store:    store,
		exchange: exchange,
		feeRate:  feeRate,
		audit:    NewAuditService(store),
		now:      time.Now,
	}
}

type PlaceOrderRequest struct {
	CustomerID uuid.UUID
	Instrument string
	Side       string
	Type       string
	Size       decimal.Decimal
	Price      *decimal.Decimal
}

// PlaceOrder locks the spend currency and submits the order. If the exchange
// rejects it the lock is returned to available and the order is marked FAILED.
func (s *SpotService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.SpotOrder, error) {
	req.Instrument = strings.ToUpper(strings.TrimSpace(req.Instrument))
	req.Side = strings.ToLower(strings.TrimSpace(req.Side))
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))

	base, quote := models.SplitInstrument(req.Instrument)
	if base == "" || quote == "" {
		return nil, domain.InvalidInput("instrument must look like BASE-QUOTE")
	}
	if req.Side != domain.SpotSideBuy && req.Side != domain.SpotSideSell {
		return nil, domain.InvalidInput("side must be buy or sell")
	}
	if !req.Size.IsPositive() {
		return nil, domain.InvalidInput("size must be positive")
	}
	switch req.Type {
	case domain.SpotTypeLimit:
		if req.Price == nil || !req.Price.IsPositive() {
			return nil, domain.InvalidInput("limit orders need a positive price")
		}
	case domain.SpotTypeMarket:
		req.Price = nil
	default:
		return nil, domain.InvalidInput("type must be limit or market")
	}

	lockCurrency, lockAmount, err := s.lockFor(ctx, req, base, quote)
	if err != nil {
		return nil, err
	}

	order := models.SpotOrder{
		ID:              uuid.New(),
		CustomerID:      req.CustomerID,
		Instrument:      req.Instrument,
		Side:            req.Side,
		Type:            req.Type,
		Size:            req.Size,
		Price:           req.Price,
		LockedCurrency:  lockCurrency,
		LockedAmount:    lockAmount,
		LockedRemaining: lockAmount,
		Status:          domain.SpotOrderOpen,
	}
	order.ClientOrderID = compactID(order.ID)

	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := qtx.EnsureSpotBalance(ctx, req.CustomerID, lockCurrency); err != nil {
			return fmt.Errorf("ensure spot balance: %w", err)
		}
		balance, err := qtx.GetSpotBalanceForUpdate(ctx, req.CustomerID, lockCurrency)
		if err != nil {
			return fmt.Errorf("lock spot balance: %w", err)
		}
		if balance.Available.LessThan(lockAmount) {
			return fmt.Errorf("%w: %s available %s, order needs %s", domain.ErrInsufficientFunds, lockCurrency, balance.Available.String(), lockAmount.String())
		}
		rows, err := qtx.LockSpotFunds(ctx, req.CustomerID, lockCurrency, lockAmount)
		if err != nil {
			return fmt.Errorf("lock spot funds: %w", err)
		}
		if err := requireExactlyOne(rows, "lock spot funds"); err != nil {
			return err
		}
		created, err := qtx.CreateSpotOrder(ctx, order)
		if err != nil {
			return fmt.Errorf("create spot order: %w", err)
		}
		order = created
		return s.audit.Write(ctx, qtx, "spot_order", order.ID, &order.CustomerID, "spot_order_created", "", order.Status, map[string]any{
			"instrument":    order.Instrument,
			"side":          order.Side,
			"locked_amount": lockAmount.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	// The lock is committed; the outcome of the submission must be recorded
	// even if the caller disconnects.
	ctx = context.WithoutCancel(ctx)
	externalID, submitErr := s.exchange.PlaceOrder(ctx, gateway.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Instrument:    order.Instrument,
		Side:          order.Side,
		Type:          order.Type,
		Size:          order.Size,
		Price:         order.Price,
	})
	if submitErr != nil {
		if err := s.rejectOrder(ctx, &order, submitErr); err != nil {
			zap.L().Error("CRITICAL: failed to release lock of rejected order",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
		}
		if !errors.Is(submitErr, domain.ErrExternal) {
			submitErr = domain.External("place order", submitErr)
		}
		return &order, submitErr
	}

	if err := s.recordExternalID(ctx, &order, externalID); err != nil {
		return nil, err
	}
	zap.L().Info("spot order placed",
		zap.String("order_id", order.ID.String()),
		zap.String("external_order_id", externalID),
		zap.String("instrument", order.Instrument),
		zap.String("side", order.Side))
	return &order, nil
}

// lockFor returns the currency and amount an order must lock. Buys lock
// quote including the fee buffer, market buys add 1% for slippage, sells
// lock the base size.
func (s *SpotService) lockFor(ctx context.Context, req PlaceOrderRequest, base, quote string) (string, decimal.Decimal, error) {
	if req.Side == domain.SpotSideSell {
		return base, req.Size, nil
	}
	if req.Type == domain.SpotTypeLimit {
		amount := req.Size.Mul(*req.Price).Mul(decimal.NewFromInt(1).Add(s.feeRate))
		return quote, amount.RoundCeil(spotLockPlaces), nil
	}
	last, err := s.exchange.GetTicker(ctx, req.Instrument)
	if err != nil {
		return "", decimal.Zero, domain.External("ticker", err)
	}
	if !last.IsPositive() {
		return "", decimal.Zero, domain.External("ticker", fmt.Errorf("no last price for %s", req.Instrument))
	}
	amount := req.Size.Mul(last).Mul(marketBuySlippage.Add(s.feeRate))
	return quote, amount.RoundCeil(spotLockPlaces), nil
}

// recordExternalID stores the exchange id unless a settlement sweep already
// recovered it.
func (s *SpotService) recordExternalID(ctx context.Context, order *models.SpotOrder, externalID string) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		locked, err := qtx.GetSpotOrderForUpdate(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("lock spot order: %w", err)
		}
		if locked.ExternalOrderID != nil {
			*order = locked
			return nil
		}
		locked.ExternalOrderID = &externalID
		rows, err := qtx.UpdateSpotOrder(ctx, locked)
		if err != nil {
			return fmt.Errorf("update spot order: %w", err)
		}
		if err := requireExactlyOne(rows, "update spot order"); err != nil {
			return err
		}
		*order = locked
		return nil
	})
}

// rejectOrder releases the lock of an order the exchange never accepted.
// Orders that already carry an exchange id are left alone.
func (s *SpotService) rejectOrder(ctx context.Context, order *models.SpotOrder, cause error) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		locked, err := qtx.GetSpotOrderForUpdate(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("lock spot order: %w", err)
		}
		if locked.Status != domain.SpotOrderOpen || locked.ExternalOrderID != nil {
			*order = locked
			return nil
		}
		if locked.LockedRemaining.IsPositive() {
			rows, err := qtx.UnlockSpotFunds(ctx, locked.CustomerID, locked.LockedCurrency, locked.LockedRemaining)
			if err != nil {
				return fmt.Errorf("unlock spot funds: %w", err)
			}
			if err := requireExactlyOne(rows, "unlock spot funds"); err != nil {
				return err
			}
		}
		msg := cause.Error()
		locked.LockedRemaining = decimal.Zero
		locked.Status = domain.SpotOrderFailed
		locked.ErrorMessage = &msg
		rows, err := qtx.UpdateSpotOrder(ctx, locked)
		if err != nil {
			return fmt.Errorf("update spot order: %w", err)
		}
		if err := requireExactlyOne(rows, "update spot order"); err != nil {
			return err
		}
		*order = locked
		return s.audit.Write(ctx, qtx, "spot_order", locked.ID, &locked.CustomerID, "spot_order_rejected", domain.SpotOrderOpen, domain.SpotOrderFailed, map[string]any{"error": msg})
	})
}

// resolveExternalID looks up an order whose exchange id was never stored,
// using the client order id it was submitted with. It reports whether the
// order now carries an exchange id. An order the exchange does not know is
// failed once it is older than unsubmittedOrderGrace.
func (s *SpotService) resolveExternalID(ctx context.Context, order *models.SpotOrder) (bool, error) {
	externalID, err := s.exchange.FindOrderByClientID(ctx, order.Instrument, order.ClientOrderID)
	if errors.Is(err, gateway.ErrOrderNotFound) {
		if s.now().Sub(order.CreatedAt) < unsubmittedOrderGrace {
			return false, nil
		}
		zap.L().Warn("spot order never reached the exchange, releasing lock",
			zap.String("order_id", order.ID.String()),
			zap.String("client_order_id", order.ClientOrderID))
		if err := s.rejectOrder(ctx, order, errors.New("order not found on exchange after submission")); err != nil {
			return false, err
		}
		return order.ExternalOrderID != nil, nil
	}
	if err != nil {
		return false, domain.External("find order", err)
	}
	if err := s.recordExternalID(ctx, order, externalID); err != nil {
		return false, err
	}
	zap.L().Info("recovered spot order exchange id",
		zap.String("order_id", order.ID.String()),
		zap.String("external_order_id", *order.ExternalOrderID))
	return true, nil
}

type cumulativeFill struct {
	base        decimal.Decimal
	quote       decimal.Decimal
	fee         decimal.Decimal
	feeCurrency string
}

func sumFills(fills []gateway.Fill) cumulativeFill {
	var c cumulativeFill
	for _, f := range fills {
		c.base = c.base.Add(f.Size)
		c.quote = c.quote.Add(f.Size.Mul(f.Price))
		c.fee = c.fee.Add(f.Fee.Abs())
		if c.feeCurrency == "" {
			c.feeCurrency = f.FeeCurrency
		}
	}
	return c
}

// legs converts cumulative fills into what the order has spent from its lock
// and what it has received.
func legs(order models.SpotOrder, c cumulativeFill) (spent, received decimal.Decimal) {
	base, quote := models.SplitInstrument(order.Instrument)
	if order.Side == domain.SpotSideBuy {
		spent, received = c.quote, c.base
		if c.feeCurrency == quote {
			spent = spent.Add(c.fee)
		}
		if c.feeCurrency == base {
			received = received.Sub(c.fee)
		}
		return spent, received
	}
	spent, received = c.base, c.quote
	if c.feeCurrency == base {
		spent = spent.Add(c.fee)
	}
	if c.feeCurrency == quote {
		received = received.Sub(c.fee)
	}
	return spent, received
}

func receivedCurrency(order models.SpotOrder) string {
	if order.Side == domain.SpotSideBuy {
		return order.BaseCurrency()
	}
	return order.QuoteCurrency()
}

// SettleOrder applies the fills reported since the last settlement. Only
// deltas against the stored cumulative values touch balances, so settling
// twice with unchanged fills changes nothing.
func (s *SpotService) SettleOrder(ctx context.Context, orderID uuid.UUID) (*models.SpotOrder, error) {
	order, err := s.store.Queries().GetSpotOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get spot order: %w", err)
	}
	if domain.IsTerminalSpotStatus(order.Status) {
		return &order, nil
	}
	if order.ExternalOrderID == nil {
		resolved, err := s.resolveExternalID(ctx, &order)
		if err != nil {
			observability.IncrementSpotSettlement("error")
			return nil, err
		}
		if !resolved {
			return &order, nil
		}
	}

	fills, err := s.exchange.GetFills(ctx, order.Instrument, *order.ExternalOrderID)
	if err != nil {
		observability.IncrementSpotSettlement("error")
		return nil, domain.External("get fills", err)
	}
	state, err := s.exchange.GetOrderState(ctx, order.Instrument, *order.ExternalOrderID)
	if err != nil {
		observability.IncrementSpotSettlement("error")
		return nil, domain.External("get order state", err)
	}
	cum := sumFills(fills)

	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		locked, err := qtx.GetSpotOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("lock spot order: %w", err)
		}
		if domain.IsTerminalSpotStatus(locked.Status) {
			order = locked
			return nil
		}
		prevStatus := locked.Status

		newSpent, newReceived := legs(locked, cum)
		oldSpent, oldReceived := legs(locked, cumulativeFill{
			base:        locked.FilledBase,
			quote:       locked.FilledQuote,
			fee:         locked.FeePaid,
			feeCurrency: locked.FeeCurrency,
		})

		if delta := newSpent.Sub(oldSpent); delta.IsPositive() {
			consume := decimal.Min(delta, locked.LockedRemaining)
			if delta.GreaterThan(consume) {
				zap.L().Warn("fill spend exceeds remaining lock",
					zap.String("order_id", locked.ID.String()),
					zap.String("delta", delta.String()),
					zap.String("locked_remaining", locked.LockedRemaining.String()))
			}
			if consume.IsPositive() {
				rows, err := qtx.ConsumeSpotLocked(ctx, locked.CustomerID, locked.LockedCurrency, consume)
				if err != nil {
					return fmt.Errorf("consume spot lock: %w", err)
				}
				if err := requireExactlyOne(rows, "consume spot lock"); err != nil {
					return err
				}
				locked.LockedRemaining = locked.LockedRemaining.Sub(consume)
			}
		}
		if delta := newReceived.Sub(oldReceived); delta.IsPositive() {
			rows, err := qtx.CreditSpotAvailable(ctx, locked.CustomerID, receivedCurrency(locked), delta)
			if err != nil {
				return fmt.Errorf("credit spot balance: %w", err)
			}
			if err := requireExactlyOne(rows, "credit spot balance"); err != nil {
				return err
			}
		}

		locked.FilledBase = cum.base
		locked.FilledQuote = cum.quote
		locked.FeePaid = cum.fee
		locked.FeeCurrency = cum.feeCurrency
		if cum.base.IsPositive() {
			locked.AvgPrice = cum.quote.DivRound(cum.base, spotLockPlaces)
		}

		switch {
		case state.IsTerminal():
			if locked.LockedRemaining.IsPositive() {
				rows, err := qtx.UnlockSpotFunds(ctx, locked.CustomerID, locked.LockedCurrency, locked.LockedRemaining)
				if err != nil {
					return fmt.Errorf("release spot lock: %w", err)
				}
				if err := requireExactlyOne(rows, "release spot lock"); err != nil {
					return err
				}
				locked.LockedRemaining = decimal.Zero
			}
			locked.Status = domain.SpotOrderCanceled
			if state.State == gateway.OrderStateFilled {
				locked.Status = domain.SpotOrderFilled
			}
		case cum.base.IsPositive():
			locked.Status = domain.SpotOrderPartial
		default:
			locked.Status = domain.SpotOrderOpen
		}

		rows, err := qtx.UpdateSpotOrder(ctx, locked)
		if err != nil {
			return fmt.Errorf("update spot order: %w", err)
		}
		if err := requireExactlyOne(rows, "update spot order"); err != nil {
			return err
		}
		order = locked
		if prevStatus == locked.Status {
			return nil
		}
		return s.audit.Write(ctx, qtx, "spot_order", locked.ID, &locked.CustomerID, "spot_order_settled", prevStatus, locked.Status, map[string]any{
			"filled_base":  cum.base.String(),
			"filled_quote": cum.quote.String(),
		})
	})
	if err != nil {
		observability.IncrementSpotSettlement("error")
		return nil, err
	}
	observability.IncrementSpotSettlement(strings.ToLower(order.Status))
	return &order, nil
}

// CancelOrder asks the exchange to cancel and settles whatever filled before it did.
func (s *SpotService) CancelOrder(ctx context.Context, customerID, orderID uuid.UUID) (*models.SpotOrder, error) {
	order, err := s.GetOrder(ctx, customerID, orderID)
	if err != nil {
		return nil, err
	}
	if domain.IsTerminalSpotStatus(order.Status) {
		return order, nil
	}
	if order.ExternalOrderID == nil {
		resolved, err := s.resolveExternalID(ctx, order)
		if err != nil {
			return nil, err
		}
		if domain.IsTerminalSpotStatus(order.Status) {
			return order, nil
		}
		if !resolved {
			return nil, domain.InvalidInput("order %s has not reached the exchange yet", orderID)
		}
	}
	if err := s.exchange.CancelOrder(ctx, order.Instrument, *order.ExternalOrderID); err != nil {
		return nil, domain.External("cancel order", err)
	}
	return s.SettleOrder(ctx, orderID)
}

// ReconcileOpenOrders re-settles open and partially filled orders. Failures
// are logged per order so one bad order does not block the sweep.
func (s *SpotService) ReconcileOpenOrders(ctx context.Context, limit int32) (int, error) {
	orders, err := s.store.Queries().ListOpenSpotOrders(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list open spot orders: %w", err)
	}
	settled := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		if _, err := s.SettleOrder(ctx, o.ID); err != nil {
			zap.L().Warn("spot order settlement failed", zap.String("order_id", o.ID.String()), zap.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}

func (s *SpotService) GetOrder(ctx context.Context, customerID, orderID uuid.UUID) (*models.SpotOrder, error) {
	order, err := s.store.Queries().GetSpotOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get spot order: %w", err)
	}
	if order.CustomerID != customerID {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (s *SpotService) ListOrders(ctx context.Context, filter repository.SpotOrderFilter) ([]models.SpotOrder, error) {
	orders, err := s.store.Queries().ListSpotOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list spot orders: %w", err)
	}
	return orders, nil
}

func (s *SpotService) Balances(ctx context.Context, customerID uuid.UUID) ([]models.SpotBalance, error) {
	balances, err := s.store.Queries().ListSpotBalances(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list spot balances: %w", err)
	}
	return balances, nil
}

type SpotTransferRequest struct {
	CustomerID uuid.UUID
	WalletID   uuid.UUID
	Direction  string
	Amount     decimal.Decimal
}

// Transfer moves funds between a wallet and the spot ledger. TO_PRO reserves
// the wallet amount and credits spot available. TO_WALLET releases that
// reservation. Spot funds beyond the reservation were acquired by trading and
// are paid out by an exchange withdrawal to the wallet address.
func (s *SpotService) Transfer(ctx context.Context, req SpotTransferRequest) (*models.SpotTransfer, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.InvalidInput("amount must be positive")
	}
	direction := strings.ToUpper(strings.TrimSpace(req.Direction))
	if direction != domain.SpotTransferToPro && direction != domain.SpotTransferToWallet {
		return nil, domain.InvalidInput("direction must be TO_PRO or TO_WALLET")
	}

	if direction == domain.SpotTransferToWallet {
		wallet, err := s.store.Queries().GetWallet(ctx, req.WalletID)
		if err != nil {
			if isNotFound(err) {
				return nil, ErrWalletNotFound
			}
			return nil, fmt.Errorf("get wallet: %w", err)
		}
		if wallet.CustomerID != req.CustomerID {
			return nil, ErrWalletNotFound
		}
		if wallet.Reserved.LessThan(req.Amount) {
			return s.withdrawToWallet(ctx, wallet, req.Amount)
		}
	}

	var transfer models.SpotTransfer
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		wallet, err := qtx.GetWalletForUpdate(ctx, req.WalletID)
		if err != nil {
			if isNotFound(err) {
				return ErrWalletNotFound
			}
			return fmt.Errorf("lock wallet: %w", err)
		}
		if wallet.CustomerID != req.CustomerID {
			return ErrWalletNotFound
		}

		if direction == domain.SpotTransferToPro {
			if wallet.Available().LessThan(req.Amount) {
				return fmt.Errorf("%w: wallet available %s %s", domain.ErrInsufficientFunds, wallet.Available().String(), wallet.Currency)
			}
			rows, err := qtx.ReserveWalletFunds(ctx, wallet.ID, req.Amount)
			if err != nil {
				return fmt.Errorf("reserve wallet funds: %w", err)
			}
			if err := requireExactlyOne(rows, "reserve wallet funds"); err != nil {
				return err
			}
			rows, err = qtx.CreditSpotAvailable(ctx, req.CustomerID, wallet.Currency, req.Amount)
			if err != nil {
				return fmt.Errorf("credit spot balance: %w", err)
			}
			if err := requireExactlyOne(rows, "credit spot balance"); err != nil {
				return err
			}
		} else {
			if wallet.Reserved.LessThan(req.Amount) {
				return fmt.Errorf("%w: wallet has only %s %s moved to spot", domain.ErrInsufficientFunds, wallet.Reserved.String(), wallet.Currency)
			}
			rows, err := qtx.DebitSpotAvailable(ctx, req.CustomerID, wallet.Currency, req.Amount)
			if err != nil {
				return fmt.Errorf("debit spot balance: %w", err)
			}
			if rows != 1 {
				return fmt.Errorf("%w: spot %s available below %s", domain.ErrInsufficientFunds, wallet.Currency, req.Amount.String())
			}
			rows, err = qtx.ReleaseWalletFunds(ctx, wallet.ID, req.Amount)
			if err != nil {
				return fmt.Errorf("release wallet funds: %w", err)
			}
			if err := requireExactlyOne(rows, "release wallet funds"); err != nil {
				return err
			}
		}

		transfer, err = qtx.CreateSpotTransfer(ctx, models.SpotTransfer{
			ID:         uuid.New(),
			CustomerID: req.CustomerID,
			WalletID:   wallet.ID,
			Currency:   wallet.Currency,
			Amount:     req.Amount,
			Direction:  direction,
		})
		if err != nil {
			return fmt.Errorf("create spot transfer: %w", err)
		}
		return s.audit.Write(ctx, qtx, "spot_transfer", transfer.ID, &req.CustomerID, "spot_transfer", "", direction, map[string]any{
			"wallet_id": wallet.ID,
			"amount":    req.Amount.String(),
			"currency":  wallet.Currency,
		})
	})
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

// withdrawToWallet pays spot funds out through the exchange. The spot balance
// is debited before the withdrawal and refunded if the exchange refuses it.
func (s *SpotService) withdrawToWallet(ctx context.Context, wallet models.Wallet, amount decimal.Decimal) (*models.SpotTransfer, error) {
	fee, err := s.exchange.WithdrawalFee(ctx, wallet.Currency, wallet.Network)
	if err != nil {
		return nil, domain.External("withdrawal fee", err)
	}
	if !amount.GreaterThan(fee) {
		return nil, domain.InvalidInput("amount %s does not cover the network fee %s %s", amount.String(), fee.String(), wallet.Currency)
	}

	transfer := models.SpotTransfer{
		ID:         uuid.New(),
		CustomerID: wallet.CustomerID,
		WalletID:   wallet.ID,
		Currency:   wallet.Currency,
		Amount:     amount,
		Direction:  domain.SpotTransferToWallet,
		NetworkFee: fee,
	}
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		rows, err := qtx.DebitSpotAvailable(ctx, wallet.CustomerID, wallet.Currency, amount)
		if err != nil {
			return fmt.Errorf("debit spot balance: %w", err)
		}
		if rows != 1 {
			return fmt.Errorf("%w: spot %s available below %s", domain.ErrInsufficientFunds, wallet.Currency, amount.String())
		}
		return s.audit.Write(ctx, qtx, "spot_transfer", transfer.ID, &wallet.CustomerID, "spot_withdrawal_requested", "", domain.SpotTransferToWallet, map[string]any{
			"wallet_id":   wallet.ID,
			"amount":      amount.String(),
			"network_fee": fee.String(),
		})
	})
	if err != nil {
		return nil, err
	}

	// The spot debit is committed; the refund or the record must follow.
	ctx = context.WithoutCancel(ctx)
	withdrawalID, err := s.exchange.Withdraw(ctx, gateway.WithdrawalRequest{
		ClientID: compactID(transfer.ID),
		Currency: wallet.Currency,
		Amount:   amount.Sub(fee),
		Address:  wallet.Address,
		Network:  wallet.Network,
		Fee:      fee,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrExternal) {
			err = domain.External("withdraw", err)
		}
		if refundErr := s.refundWithdrawal(ctx, wallet, transfer, err); refundErr != nil {
			zap.L().Error("CRITICAL: failed to refund spot balance after rejected withdrawal",
				zap.String("transfer_id", transfer.ID.String()),
				zap.Error(refundErr))
		}
		return nil, err
	}

	transfer.WithdrawalID = &withdrawalID
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		created, err := qtx.CreateSpotTransfer(ctx, transfer)
		if err != nil {
			return fmt.Errorf("create spot transfer: %w", err)
		}
		transfer = created
		return s.audit.Write(ctx, qtx, "spot_transfer", transfer.ID, &wallet.CustomerID, "spot_transfer", "", domain.SpotTransferToWallet, map[string]any{
			"wallet_id":     wallet.ID,
			"amount":        amount.String(),
			"currency":      wallet.Currency,
			"withdrawal_id": withdrawalID,
		})
	})
	if err != nil {
		zap.L().Error("CRITICAL: withdrawal sent but spot transfer not recorded",
			zap.String("transfer_id", transfer.ID.String()),
			zap.String("withdrawal_id", withdrawalID),
			zap.Error(err))
		return nil, err
	}
	zap.L().Info("spot funds withdrawn to wallet",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("wallet_id", wallet.ID.String()),
		zap.String("withdrawal_id", withdrawalID))
	return &transfer, nil
}

func (s *SpotService) refundWithdrawal(ctx context.Context, wallet models.Wallet, transfer models.SpotTransfer, cause error) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		rows, err := qtx.CreditSpotAvailable(ctx, wallet.CustomerID, wallet.Currency, transfer.Amount)
		if err != nil {
			return fmt.Errorf("credit spot balance: %w", err)
		}
		if err := requireExactlyOne(rows, "credit spot balance"); err != nil {
			return err
		}
		if errors.Is(cause, gateway.ErrAddressNotWhitelisted) && wallet.ExchangeWhitelisted {
			if _, err := qtx.SetWalletWhitelisted(ctx, wallet.ID, false); err != nil {
				return fmt.Errorf("flag wallet whitelist: %w", err)
			}
		}
		return s.audit.Write(ctx, qtx, "spot_transfer", transfer.ID, &wallet.CustomerID, "spot_withdrawal_failed", domain.SpotTransferToWallet, "", map[string]any{
			"error": cause.Error(),
		})
	})
}
