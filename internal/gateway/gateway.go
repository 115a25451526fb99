// Package gateway declares the external collaborators the custody core depends on.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrAddressNotWhitelisted is returned when the exchange refuses a withdrawal
	// to an address missing from its allow list.
	ErrAddressNotWhitelisted = domain.ErrAddressNotWhitelisted
	ErrOrderRejected         = fmt.Errorf("%w: order rejected by exchange", domain.ErrExternal)
	ErrTransferNotFound      = errors.New("transfer not found")
	// ErrOrderNotFound means the exchange has no order under the given id.
	ErrOrderNotFound = errors.New("order not found on exchange")
)

// Fiat transfer statuses.
const (
	TransferPending   = "PENDING"
	TransferCompleted = "COMPLETED"
	TransferFailed    = "FAILED"
)

// Exchange order states.
const (
	OrderStateLive            = "live"
	OrderStatePartiallyFilled = "partially_filled"
	OrderStateFilled          = "filled"
	OrderStateCanceled        = "canceled"
)

// Exchange deposit states.
const (
	DepositStatePending  = "pending"
	DepositStateCredited = "credited"
	DepositStateFailed   = "failed"
)

type TransferRequest struct {
	IdempotencyKey string
	CustomerID     uuid.UUID
	Amount         decimal.Decimal
	Currency       string
	DestinationKey string
}

type TransferResult struct {
	CorrelationID string
	Status        string
}

// FiatRail moves the fiat leg through the bank.
type FiatRail interface {
	SendTransfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	GetTransferStatus(ctx context.Context, correlationID string) (string, error)
}

type Fill struct {
	Size        decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
}

type OrderState struct {
	State      string
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// IsTerminal reports whether the exchange will not fill the order further.
func (s OrderState) IsTerminal() bool {
	return s.State == OrderStateFilled || s.State == OrderStateCanceled
}

type MarketSellResult struct {
	OrderID  string
	Proceeds decimal.Decimal
	Fee      decimal.Decimal
}

type OrderRequest struct {
	ClientOrderID string
	Instrument    string
	Side          string
	Type          string
	Size          decimal.Decimal
	Price         *decimal.Decimal
}

type WithdrawalRequest struct {
	ClientID string
	Currency string
	Amount   decimal.Decimal
	Address  string
	Network  domain.Network
	Fee      decimal.Decimal
}

type Deposit struct {
	DepositID string
	TxHash    string
	Currency  string
	Network   domain.Network
	Amount    decimal.Decimal
	State     string
}

// Exchange is the trading venue used for conversions and spot orders.
type Exchange interface {
	MarketBuy(ctx context.Context, clientOrderID, instrument string, quoteAmount decimal.Decimal) (string, error)
	MarketSell(ctx context.Context, clientOrderID, instrument string, baseAmount decimal.Decimal) (MarketSellResult, error)
	GetFills(ctx context.Context, instrument, orderID string) ([]Fill, error)
	Withdraw(ctx context.Context, req WithdrawalRequest) (string, error)
	WithdrawalFee(ctx context.Context, currency string, network domain.Network) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	GetOrderState(ctx context.Context, instrument, orderID string) (OrderState, error)
	// FindOrderByClientID returns the exchange order id placed under
	// clientOrderID, or ErrOrderNotFound.
	FindOrderByClientID(ctx context.Context, instrument, clientOrderID string) (string, error)
	CancelOrder(ctx context.Context, instrument, orderID string) error
	GetTicker(ctx context.Context, instrument string) (decimal.Decimal, error)
	GetDepositAddress(ctx context.Context, currency string, network domain.Network) (string, error)
	ListRecentDeposits(ctx context.Context, currency string) ([]Deposit, error)
}

type LimitDecision struct {
	Allowed bool
	Message string
}

// LimitChecker validates an amount against the customer's KYC limits.
type LimitChecker interface {
	ValidateTransactionLimit(ctx context.Context, customerID uuid.UUID, amount decimal.Decimal) (LimitDecision, error)
}

type CommissionInput struct {
	AffiliateID  uuid.UUID
	CustomerID   uuid.UUID
	ConversionID uuid.UUID
	Spread       decimal.Decimal
	Rate         decimal.Decimal
}

type SettlementResult struct {
	Settled bool
	TxID    string
}

// AffiliateLedger records and pays affiliate commissions.
type AffiliateLedger interface {
	RecordCommission(ctx context.Context, in CommissionInput) (models.AffiliateCommission, error)
	SettleCommission(ctx context.Context, affiliateID uuid.UUID) (SettlementResult, error)
}
