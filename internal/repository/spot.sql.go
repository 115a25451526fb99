package repository

import (
	"context"

	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const ensureSpotBalance = `-- name: EnsureSpotBalance :exec
INSERT INTO spot_balances (customer_id, currency) VALUES ($1, $2)
ON CONFLICT (customer_id, currency) DO NOTHING`

func (q *Queries) EnsureSpotBalance(ctx context.Context, customerID uuid.UUID, currency string) error {
	_, err := q.db.Exec(ctx, ensureSpotBalance, customerID, currency)
	return err
}

const spotBalanceColumns = `customer_id, currency, available, locked, updated_at`

func scanSpotBalance(row rowScanner) (models.SpotBalance, error) {
	var b models.SpotBalance
	err := row.Scan(&b.CustomerID, &b.Currency, &b.Available, &b.Locked, &b.UpdatedAt)
	return b, err
}

const getSpotBalanceForUpdate = `-- name: GetSpotBalanceForUpdate :one
SELECT ` + spotBalanceColumns + ` FROM spot_balances
WHERE customer_id = $1 AND currency = $2
FOR UPDATE`

func (q *Queries) GetSpotBalanceForUpdate(ctx context.Context, customerID uuid.UUID, currency string) (models.SpotBalance, error) {
	return scanSpotBalance(q.db.QueryRow(ctx, getSpotBalanceForUpdate, customerID, currency))
}

const listSpotBalances = `-- name: ListSpotBalances :many
SELECT ` + spotBalanceColumns + ` FROM spot_balances WHERE customer_id = $1 ORDER BY currency`

func (q *Queries) ListSpotBalances(ctx context.Context, customerID uuid.UUID) ([]models.SpotBalance, error) {
	rows, err := q.db.Query(ctx, listSpotBalances, customerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSpotBalance)
}

const lockSpotFunds = `-- name: LockSpotFunds :execrows
UPDATE spot_balances SET available = available - $3, locked = locked + $3, updated_at = NOW()
WHERE customer_id = $1 AND currency = $2 AND available >= $3`

func (q *Queries) LockSpotFunds(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, lockSpotFunds, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const unlockSpotFunds = `-- name: UnlockSpotFunds :execrows
UPDATE spot_balances SET available = available + $3, locked = locked - $3, updated_at = NOW()
WHERE customer_id = $1 AND currency = $2 AND locked >= $3`

func (q *Queries) UnlockSpotFunds(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, unlockSpotFunds, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const consumeSpotLocked = `-- name: ConsumeSpotLocked :execrows
UPDATE spot_balances SET locked = locked - $3, updated_at = NOW()
WHERE customer_id = $1 AND currency = $2 AND locked >= $3`

func (q *Queries) ConsumeSpotLocked(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, consumeSpotLocked, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const creditSpotAvailable = `-- name: CreditSpotAvailable :execrows
INSERT INTO spot_balances (customer_id, currency, available) VALUES ($1, $2, $3)
ON CONFLICT (customer_id, currency)
DO UPDATE SET available = spot_balances.available + EXCLUDED.available, updated_at = NOW()`

func (q *Queries) CreditSpotAvailable(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, creditSpotAvailable, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const debitSpotAvailable = `-- name: DebitSpotAvailable :execrows
UPDATE spot_balances SET available = available - $3, updated_at = NOW()
WHERE customer_id = $1 AND currency = $2 AND available >= $3`

func (q *Queries) DebitSpotAvailable(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, debitSpotAvailable, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const spotOrderColumns = `id, customer_id, instrument, side, type, size, price, locked_currency, locked_amount,
	locked_remaining, filled_base, filled_quote, fee_paid, fee_currency, avg_price, external_order_id,
	client_order_id, status, error_message, created_at, updated_at`

func scanSpotOrder(row rowScanner) (models.SpotOrder, error) {
	var o models.SpotOrder
	err := row.Scan(
		&o.ID,
		&o.CustomerID,
		&o.Instrument,
		&o.Side,
		&o.Type,
		&o.Size,
		&o.Price,
		&o.LockedCurrency,
		&o.LockedAmount,
		&o.LockedRemaining,
		&o.FilledBase,
		&o.FilledQuote,
		&o.FeePaid,
		&o.FeeCurrency,
		&o.AvgPrice,
		&o.ExternalOrderID,
		&o.ClientOrderID,
		&o.Status,
		&o.ErrorMessage,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	return o, err
}

const createSpotOrder = `-- name: CreateSpotOrder :one
INSERT INTO spot_orders (
	id, customer_id, instrument, side, type, size, price, locked_currency, locked_amount,
	locked_remaining, client_order_id, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING ` + spotOrderColumns

func (q *Queries) CreateSpotOrder(ctx context.Context, o models.SpotOrder) (models.SpotOrder, error) {
	row := q.db.QueryRow(ctx, createSpotOrder,
		o.ID,
		o.CustomerID,
		o.Instrument,
		o.Side,
		o.Type,
		o.Size,
		o.Price,
		o.LockedCurrency,
		o.LockedAmount,
		o.LockedRemaining,
		o.ClientOrderID,
		o.Status,
	)
	return scanSpotOrder(row)
}

const getSpotOrder = `-- name: GetSpotOrder :one
SELECT ` + spotOrderColumns + ` FROM spot_orders WHERE id = $1`

func (q *Queries) GetSpotOrder(ctx context.Context, id uuid.UUID) (models.SpotOrder, error) {
	return scanSpotOrder(q.db.QueryRow(ctx, getSpotOrder, id))
}

const getSpotOrderForUpdate = `-- name: GetSpotOrderForUpdate :one
SELECT ` + spotOrderColumns + ` FROM spot_orders WHERE id = $1 FOR UPDATE`

func (q *Queries) GetSpotOrderForUpdate(ctx context.Context, id uuid.UUID) (models.SpotOrder, error) {
	return scanSpotOrder(q.db.QueryRow(ctx, getSpotOrderForUpdate, id))
}

const updateSpotOrder = `-- name: UpdateSpotOrder :execrows
UPDATE spot_orders SET
	locked_remaining = $2,
	filled_base = $3,
	filled_quote = $4,
	fee_paid = $5,
	fee_currency = $6,
	avg_price = $7,
	external_order_id = $8,
	status = $9,
	error_message = $10,
	updated_at = NOW()
WHERE id = $1`

func (q *Queries) UpdateSpotOrder(ctx context.Context, o models.SpotOrder) (int64, error) {
	result, err := q.db.Exec(ctx, updateSpotOrder,
		o.ID,
		o.LockedRemaining,
		o.FilledBase,
		o.FilledQuote,
		o.FeePaid,
		o.FeeCurrency,
		o.AvgPrice,
		o.ExternalOrderID,
		o.Status,
		o.ErrorMessage,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const listOpenSpotOrders = `-- name: ListOpenSpotOrders :many
SELECT ` + spotOrderColumns + ` FROM spot_orders
WHERE status IN ('OPEN', 'PARTIAL')
ORDER BY updated_at
LIMIT $1`

func (q *Queries) ListOpenSpotOrders(ctx context.Context, limit int32) ([]models.SpotOrder, error) {
	rows, err := q.db.Query(ctx, listOpenSpotOrders, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSpotOrder)
}

const createSpotTransfer = `-- name: CreateSpotTransfer :one
INSERT INTO spot_transfers (id, customer_id, wallet_id, currency, amount, direction, withdrawal_id, network_fee)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, customer_id, wallet_id, currency, amount, direction, withdrawal_id, network_fee, created_at`

func (q *Queries) CreateSpotTransfer(ctx context.Context, t models.SpotTransfer) (models.SpotTransfer, error) {
	var out models.SpotTransfer
	err := q.db.QueryRow(ctx, createSpotTransfer,
		t.ID,
		t.CustomerID,
		t.WalletID,
		t.Currency,
		t.Amount,
		t.Direction,
		t.WithdrawalID,
		t.NetworkFee,
	).Scan(
		&out.ID,
		&out.CustomerID,
		&out.WalletID,
		&out.Currency,
		&out.Amount,
		&out.Direction,
		&out.WithdrawalID,
		&out.NetworkFee,
		&out.CreatedAt,
	)
	return out, err
}

// SpotLockImbalance is a balance whose locked amount differs from what its open orders still hold.
type SpotLockImbalance struct {
	CustomerID      uuid.UUID
	Currency        string
	Locked          decimal.Decimal
	OpenOrderLocked decimal.Decimal
}

const listSpotLockImbalances = `-- name: ListSpotLockImbalances :many
SELECT b.customer_id, b.currency, b.locked, COALESCE(o.open_locked, 0)
FROM spot_balances b
LEFT JOIN (
	SELECT customer_id, locked_currency, SUM(locked_remaining) AS open_locked
	FROM spot_orders
	WHERE status IN ('OPEN', 'PARTIAL')
	GROUP BY customer_id, locked_currency
) o ON o.customer_id = b.customer_id AND o.locked_currency = b.currency
WHERE b.locked <> COALESCE(o.open_locked, 0)
ORDER BY b.customer_id, b.currency`

func (q *Queries) ListSpotLockImbalances(ctx context.Context) ([]SpotLockImbalance, error) {
	rows, err := q.db.Query(ctx, listSpotLockImbalances)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (SpotLockImbalance, error) {
		var i SpotLockImbalance
		err := row.Scan(&i.CustomerID, &i.Currency, &i.Locked, &i.OpenOrderLocked)
		return i, err
	})
}
