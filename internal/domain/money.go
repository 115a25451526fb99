package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FiatDecimals is the precision used for fiat amounts.
const FiatDecimals = 2

// Money represents an amount in a specific currency at the currency's own precision.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney creates a new Money instance.
func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

// Multiply scales the amount by factor, rounding down to the given precision.
func (m Money) Multiply(factor decimal.Decimal, places int32) Money {
	return Money{
		Amount:   m.Amount.Mul(factor).RoundFloor(places),
		Currency: m.Currency,
	}
}

// Convert converts the money to a target currency using rate (target / source).
func (m Money) Convert(targetCurrency string, rate decimal.Decimal, places int32) Money {
	return Money{
		Amount:   m.Amount.Mul(rate).RoundFloor(places),
		Currency: targetCurrency,
	}
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Amount.String(), m.Currency)
}

// ToBaseUnits converts a decimal amount into integer base units (satoshi, wei,
// sun, lamports). Amounts finer than the precision are rejected, never rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, InvalidInput("amount must be positive")
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, InvalidInput("amount %s exceeds %d decimal places", amount.String(), decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units back into a decimal amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}
