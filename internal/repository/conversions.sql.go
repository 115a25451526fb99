package repository

import (
	"context"
	"time"

	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const conversionColumns = `id, customer_id, wallet_id, type, status, funding_mode, fiat_currency, crypto_currency,
	network, fiat_amount, crypto_amount, exchanged_amount, exchange_rate, spread_rate, gross_spread,
	trading_fee, network_fee, affiliate_commission, net_profit, usdt_purchased, usdt_withdrawn,
	fiat_credited, fiat_transfer_ref, exchange_order_id, withdrawal_id, deposit_id, tx_hash,
	error_message, failure_reason, created_at, updated_at`

func scanConversion(row rowScanner) (models.Conversion, error) {
	var c models.Conversion
	err := row.Scan(
		&c.ID,
		&c.CustomerID,
		&c.WalletID,
		&c.Type,
		&c.Status,
		&c.FundingMode,
		&c.FiatCurrency,
		&c.CryptoCurrency,
		&c.Network,
		&c.FiatAmount,
		&c.CryptoAmount,
		&c.ExchangedAmount,
		&c.ExchangeRate,
		&c.SpreadRate,
		&c.GrossSpread,
		&c.TradingFee,
		&c.NetworkFee,
		&c.AffiliateCommission,
		&c.NetProfit,
		&c.USDTPurchased,
		&c.USDTWithdrawn,
		&c.FiatCredited,
		&c.FiatTransferRef,
		&c.ExchangeOrderID,
		&c.WithdrawalID,
		&c.DepositID,
		&c.TxHash,
		&c.ErrorMessage,
		&c.FailureReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

const createConversion = `-- name: CreateConversion :one
INSERT INTO conversions (
	id, customer_id, wallet_id, type, status, funding_mode, fiat_currency, crypto_currency, network,
	fiat_amount, crypto_amount, exchanged_amount, spread_rate, gross_spread
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING ` + conversionColumns

func (q *Queries) CreateConversion(ctx context.Context, c models.Conversion) (models.Conversion, error) {
	row := q.db.QueryRow(ctx, createConversion,
		c.ID,
		c.CustomerID,
		c.WalletID,
		c.Type,
		c.Status,
		c.FundingMode,
		c.FiatCurrency,
		c.CryptoCurrency,
		c.Network,
		c.FiatAmount,
		c.CryptoAmount,
		c.ExchangedAmount,
		c.SpreadRate,
		c.GrossSpread,
	)
	return scanConversion(row)
}

const getConversion = `-- name: GetConversion :one
SELECT ` + conversionColumns + ` FROM conversions WHERE id = $1`

func (q *Queries) GetConversion(ctx context.Context, id uuid.UUID) (models.Conversion, error) {
	return scanConversion(q.db.QueryRow(ctx, getConversion, id))
}

const getConversionStatusForUpdate = `-- name: GetConversionStatusForUpdate :one
SELECT status FROM conversions WHERE id = $1 FOR UPDATE`

func (q *Queries) GetConversionStatusForUpdate(ctx context.Context, id uuid.UUID) (string, error) {
	var status string
	err := q.db.QueryRow(ctx, getConversionStatusForUpdate, id).Scan(&status)
	return status, err
}

const updateConversion = `-- name: UpdateConversion :execrows
UPDATE conversions SET
	status = $2,
	fiat_amount = $3,
	crypto_amount = $4,
	exchanged_amount = $5,
	exchange_rate = $6,
	gross_spread = $7,
	trading_fee = $8,
	network_fee = $9,
	affiliate_commission = $10,
	net_profit = $11,
	usdt_purchased = $12,
	usdt_withdrawn = $13,
	fiat_credited = $14,
	fiat_transfer_ref = $15,
	exchange_order_id = $16,
	withdrawal_id = $17,
	deposit_id = $18,
	tx_hash = $19,
	error_message = $20,
	failure_reason = $21,
	updated_at = NOW()
WHERE id = $1`

func (q *Queries) UpdateConversion(ctx context.Context, c models.Conversion) (int64, error) {
	result, err := q.db.Exec(ctx, updateConversion,
		c.ID,
		c.Status,
		c.FiatAmount,
		c.CryptoAmount,
		c.ExchangedAmount,
		c.ExchangeRate,
		c.GrossSpread,
		c.TradingFee,
		c.NetworkFee,
		c.AffiliateCommission,
		c.NetProfit,
		c.USDTPurchased,
		c.USDTWithdrawn,
		c.FiatCredited,
		c.FiatTransferRef,
		c.ExchangeOrderID,
		c.WithdrawalID,
		c.DepositID,
		c.TxHash,
		c.ErrorMessage,
		c.FailureReason,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listConversionsByStatus = `-- name: ListConversionsByStatus :many
SELECT ` + conversionColumns + ` FROM conversions
WHERE status = $1
ORDER BY created_at
LIMIT $2`

func (q *Queries) ListConversionsByStatus(ctx context.Context, status string, limit int32) ([]models.Conversion, error) {
	rows, err := q.db.Query(ctx, listConversionsByStatus, status, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanConversion)
}

const conversionDepositUsed = `-- name: ConversionDepositUsed :one
SELECT EXISTS (SELECT 1 FROM conversions WHERE deposit_id = $1)`

func (q *Queries) ConversionDepositUsed(ctx context.Context, depositID string) (bool, error) {
	var used bool
	err := q.db.QueryRow(ctx, conversionDepositUsed, depositID).Scan(&used)
	return used, err
}

const conversionTxHashReserved = `-- name: ConversionTxHashReserved :one
SELECT EXISTS (SELECT 1 FROM conversions WHERE lower(tx_hash) = lower($1))`

// ConversionTxHashReserved reports whether any conversion already carries txHash.
func (q *Queries) ConversionTxHashReserved(ctx context.Context, txHash string) (bool, error) {
	var reserved bool
	err := q.db.QueryRow(ctx, conversionTxHashReserved, txHash).Scan(&reserved)
	return reserved, err
}

const lockCustomerConversions = `-- name: LockCustomerConversions :exec
SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`

// LockCustomerConversions serializes conversion creation for one customer
// until the surrounding transaction ends.
func (q *Queries) LockCustomerConversions(ctx context.Context, customerID uuid.UUID) error {
	_, err := q.db.Exec(ctx, lockCustomerConversions, customerID)
	return err
}

const sumConversionFiatSince = `-- name: SumConversionFiatSince :one
SELECT COALESCE(SUM(CASE WHEN type = 'BUY' THEN fiat_amount ELSE fiat_credited END), 0)
FROM conversions
WHERE customer_id = $1 AND created_at >= $2 AND status <> 'FAILED'`

// SumConversionFiatSince totals the fiat volume of non-failed conversions created after since.
func (q *Queries) SumConversionFiatSince(ctx context.Context, customerID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.db.QueryRow(ctx, sumConversionFiatSince, customerID, since).Scan(&total)
	return total, err
}
