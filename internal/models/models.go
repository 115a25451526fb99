package models

import (
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is one custodial or watch-only address for a customer.
// Balance is the last observed on-chain amount; Reserved is earmarked by in-flight operations.
type Wallet struct {
	ID                  uuid.UUID       `json:"id"`
	CustomerID          uuid.UUID       `json:"customer_id"`
	Network             domain.Network  `json:"network"`
	Currency            string          `json:"currency"`
	Address             string          `json:"address"`
	EncryptedKey        *string         `json:"-"`
	Balance             decimal.Decimal `json:"balance"`
	Reserved            decimal.Decimal `json:"reserved"`
	IsMain              bool            `json:"is_main"`
	Label               string          `json:"label"`
	ExchangeWhitelisted bool            `json:"exchange_whitelisted"`
	LastSyncedAt        *time.Time      `json:"last_synced_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Available returns the spendable amount.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Reserved)
}

// WatchOnly reports whether the platform holds no key for the wallet.
func (w Wallet) WatchOnly() bool {
	return w.EncryptedKey == nil || *w.EncryptedKey == ""
}

// Conversion is one BUY or SELL attempt. It is never deleted.
type Conversion struct {
	ID                  uuid.UUID       `json:"id"`
	CustomerID          uuid.UUID       `json:"customer_id"`
	WalletID            uuid.UUID       `json:"wallet_id"`
	Type                string          `json:"type"`
	Status              string          `json:"status"`
	FundingMode         string          `json:"funding_mode,omitempty"`
	FiatCurrency        string          `json:"fiat_currency"`
	CryptoCurrency      string          `json:"crypto_currency"`
	Network             domain.Network  `json:"network"`
	FiatAmount          decimal.Decimal `json:"fiat_amount"`
	CryptoAmount        decimal.Decimal `json:"crypto_amount"`
	ExchangedAmount     decimal.Decimal `json:"exchanged_amount"`
	ExchangeRate        decimal.Decimal `json:"exchange_rate"`
	SpreadRate          decimal.Decimal `json:"spread_rate"`
	GrossSpread         decimal.Decimal `json:"gross_spread"`
	TradingFee          decimal.Decimal `json:"trading_fee"`
	NetworkFee          decimal.Decimal `json:"network_fee"`
	AffiliateCommission decimal.Decimal `json:"affiliate_commission"`
	NetProfit           decimal.Decimal `json:"net_profit"`
	USDTPurchased       decimal.Decimal `json:"usdt_purchased"`
	USDTWithdrawn       decimal.Decimal `json:"usdt_withdrawn"`
	FiatCredited        decimal.Decimal `json:"fiat_credited"`
	FiatTransferRef     *string         `json:"fiat_transfer_ref,omitempty"`
	ExchangeOrderID     *string         `json:"exchange_order_id,omitempty"`
	WithdrawalID        *string         `json:"withdrawal_id,omitempty"`
	DepositID           *string         `json:"deposit_id,omitempty"`
	TxHash              *string         `json:"tx_hash,omitempty"`
	ErrorMessage        *string         `json:"-"`
	FailureReason       *string         `json:"failure_reason,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the saga has finished.
func (c Conversion) IsTerminal() bool {
	return c.Status == domain.ConversionCompleted || c.Status == domain.ConversionFailed
}

// FiatAccount mirrors the customer's bank-side fiat balance.
type FiatAccount struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// FiatDeposit is an inbound bank transfer awaiting confirmation.
type FiatDeposit struct {
	ID            uuid.UUID       `json:"id"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	CorrelationID string          `json:"correlation_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CustomerProfile holds pricing and limit settings maintained by back office.
type CustomerProfile struct {
	CustomerID       uuid.UUID       `json:"customer_id"`
	SpreadMultiplier decimal.Decimal `json:"spread_multiplier"`
	MonthlyLimit     decimal.Decimal `json:"monthly_limit"`
	AffiliateID      *uuid.UUID      `json:"affiliate_id,omitempty"`
	AffiliateRate    decimal.Decimal `json:"affiliate_rate"`
	PixKey           string          `json:"pix_key"`
}

// AffiliateCommission is the affiliate's share of a conversion spread.
type AffiliateCommission struct {
	ID            uuid.UUID       `json:"id"`
	AffiliateID   uuid.UUID       `json:"affiliate_id"`
	CustomerID    uuid.UUID       `json:"customer_id"`
	ConversionID  uuid.UUID       `json:"conversion_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	SettlementRef *string         `json:"settlement_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SpotBalance is the internal exchange ledger for one customer and currency.
type SpotBalance struct {
	CustomerID uuid.UUID       `json:"customer_id"`
	Currency   string          `json:"currency"`
	Available  decimal.Decimal `json:"available"`
	Locked     decimal.Decimal `json:"locked"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SpotOrder is one order placed on the external exchange for a customer.
type SpotOrder struct {
	ID              uuid.UUID        `json:"id"`
	CustomerID      uuid.UUID        `json:"customer_id"`
	Instrument      string           `json:"instrument"`
	Side            string           `json:"side"`
	Type            string           `json:"type"`
	Size            decimal.Decimal  `json:"size"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	LockedCurrency  string           `json:"locked_currency"`
	LockedAmount    decimal.Decimal  `json:"locked_amount"`
	LockedRemaining decimal.Decimal  `json:"locked_remaining"`
	FilledBase      decimal.Decimal  `json:"filled_base"`
	FilledQuote     decimal.Decimal  `json:"filled_quote"`
	FeePaid         decimal.Decimal  `json:"fee_paid"`
	FeeCurrency     string           `json:"fee_currency,omitempty"`
	AvgPrice        decimal.Decimal  `json:"avg_price"`
	ExternalOrderID *string          `json:"external_order_id,omitempty"`
	ClientOrderID   string           `json:"client_order_id"`
	Status          string           `json:"status"`
	ErrorMessage    *string          `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BaseCurrency returns the base leg of the instrument, e.g. BTC for BTC-USDT.
func (o SpotOrder) BaseCurrency() string {
	base, _ := SplitInstrument(o.Instrument)
	return base
}

// QuoteCurrency returns the quote leg of the instrument, e.g. USDT for BTC-USDT.
func (o SpotOrder) QuoteCurrency() string {
	_, quote := SplitInstrument(o.Instrument)
	return quote
}

// SpotTransfer moves funds between a wallet and the spot ledger. Immutable.
// WithdrawalID is set when a TO_WALLET transfer was paid out by an exchange
// withdrawal rather than by releasing the wallet reservation.
type SpotTransfer struct {
	ID           uuid.UUID       `json:"id"`
	CustomerID   uuid.UUID       `json:"customer_id"`
	WalletID     uuid.UUID       `json:"wallet_id"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    string          `json:"direction"`
	WithdrawalID *string         `json:"withdrawal_id,omitempty"`
	NetworkFee   decimal.Decimal `json:"network_fee"`
	CreatedAt    time.Time       `json:"created_at"`
}

// SplitInstrument splits "BASE-QUOTE".
func SplitInstrument(instrument string) (string, string) {
	for i := 0; i < len(instrument); i++ {
		if instrument[i] == '-' {
			return instrument[:i], instrument[i+1:]
		}
	}
	return instrument, ""
}
