package repository

import (
	"context"

	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const getFiatAccountForUpdate = `-- name: GetFiatAccountForUpdate :one
SELECT customer_id, currency, balance, updated_at FROM fiat_accounts
WHERE customer_id = $1 AND currency = $2
FOR UPDATE`

func (q *Queries) GetFiatAccountForUpdate(ctx context.Context, customerID uuid.UUID, currency string) (models.FiatAccount, error) {
	var a models.FiatAccount
	err := q.db.QueryRow(ctx, getFiatAccountForUpdate, customerID, currency).Scan(
		&a.CustomerID,
		&a.Currency,
		&a.Balance,
		&a.UpdatedAt,
	)
	return a, err
}

const debitFiatAccount = `-- name: DebitFiatAccount :execrows
UPDATE fiat_accounts SET balance = balance - $3, updated_at = NOW()
WHERE customer_id = $1 AND currency = $2 AND balance >= $3`

func (q *Queries) DebitFiatAccount(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, debitFiatAccount, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const creditFiatAccount = `-- name: CreditFiatAccount :execrows
INSERT INTO fiat_accounts (customer_id, currency, balance)
VALUES ($1, $2, $3)
ON CONFLICT (customer_id, currency)
DO UPDATE SET balance = fiat_accounts.balance + EXCLUDED.balance, updated_at = NOW()`

func (q *Queries) CreditFiatAccount(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, creditFiatAccount, customerID, currency, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const fiatDepositColumns = `id, customer_id, correlation_id, currency, amount, status, created_at, updated_at`

func scanFiatDeposit(row rowScanner) (models.FiatDeposit, error) {
	var d models.FiatDeposit
	err := row.Scan(
		&d.ID,
		&d.CustomerID,
		&d.CorrelationID,
		&d.Currency,
		&d.Amount,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	return d, err
}

const createFiatDeposit = `-- name: CreateFiatDeposit :one
INSERT INTO fiat_deposits (id, customer_id, correlation_id, currency, amount, status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (correlation_id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id
RETURNING ` + fiatDepositColumns

// CreateFiatDeposit is idempotent on correlation id and returns the stored row.
func (q *Queries) CreateFiatDeposit(ctx context.Context, d models.FiatDeposit) (models.FiatDeposit, error) {
	row := q.db.QueryRow(ctx, createFiatDeposit,
		d.ID,
		d.CustomerID,
		d.CorrelationID,
		d.Currency,
		d.Amount,
		d.Status,
	)
	return scanFiatDeposit(row)
}

const listPendingFiatDeposits = `-- name: ListPendingFiatDeposits :many
SELECT ` + fiatDepositColumns + ` FROM fiat_deposits
WHERE status = 'PENDING'
ORDER BY created_at
LIMIT $1`

func (q *Queries) ListPendingFiatDeposits(ctx context.Context, limit int32) ([]models.FiatDeposit, error) {
	rows, err := q.db.Query(ctx, listPendingFiatDeposits, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanFiatDeposit)
}

const updateFiatDepositStatus = `-- name: UpdateFiatDepositStatus :execrows
UPDATE fiat_deposits SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = $2`

func (q *Queries) UpdateFiatDepositStatus(ctx context.Context, id uuid.UUID, from, to string) (int64, error) {
	result, err := q.db.Exec(ctx, updateFiatDepositStatus, id, from, to)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const getCustomerProfile = `-- name: GetCustomerProfile :one
SELECT customer_id, spread_multiplier, monthly_limit, affiliate_id, affiliate_rate, pix_key
FROM customer_profiles WHERE customer_id = $1`

func (q *Queries) GetCustomerProfile(ctx context.Context, customerID uuid.UUID) (models.CustomerProfile, error) {
	var p models.CustomerProfile
	err := q.db.QueryRow(ctx, getCustomerProfile, customerID).Scan(
		&p.CustomerID,
		&p.SpreadMultiplier,
		&p.MonthlyLimit,
		&p.AffiliateID,
		&p.AffiliateRate,
		&p.PixKey,
	)
	return p, err
}

const commissionColumns = `id, affiliate_id, customer_id, conversion_id, amount, status, settlement_ref, created_at`

func scanCommission(row rowScanner) (models.AffiliateCommission, error) {
	var c models.AffiliateCommission
	err := row.Scan(
		&c.ID,
		&c.AffiliateID,
		&c.CustomerID,
		&c.ConversionID,
		&c.Amount,
		&c.Status,
		&c.SettlementRef,
		&c.CreatedAt,
	)
	return c, err
}

const createAffiliateCommission = `-- name: CreateAffiliateCommission :one
INSERT INTO affiliate_commissions (id, affiliate_id, customer_id, conversion_id, amount, status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (conversion_id) DO UPDATE SET conversion_id = EXCLUDED.conversion_id
RETURNING ` + commissionColumns

// CreateAffiliateCommission is idempotent on conversion id.
func (q *Queries) CreateAffiliateCommission(ctx context.Context, c models.AffiliateCommission) (models.AffiliateCommission, error) {
	row := q.db.QueryRow(ctx, createAffiliateCommission,
		c.ID,
		c.AffiliateID,
		c.CustomerID,
		c.ConversionID,
		c.Amount,
		c.Status,
	)
	return scanCommission(row)
}

const listPendingCommissionsForUpdate = `-- name: ListPendingCommissionsForUpdate :many
SELECT ` + commissionColumns + ` FROM affiliate_commissions
WHERE affiliate_id = $1 AND status = 'PENDING'
ORDER BY created_at
FOR UPDATE SKIP LOCKED`

func (q *Queries) ListPendingCommissionsForUpdate(ctx context.Context, affiliateID uuid.UUID) ([]models.AffiliateCommission, error) {
	rows, err := q.db.Query(ctx, listPendingCommissionsForUpdate, affiliateID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanCommission)
}

const markCommissionsSettled = `-- name: MarkCommissionsSettled :execrows
UPDATE affiliate_commissions SET status = 'SETTLED', settlement_ref = $2
WHERE id = ANY($1::uuid[]) AND status = 'PENDING'`

func (q *Queries) MarkCommissionsSettled(ctx context.Context, ids []uuid.UUID, settlementRef string) (int64, error) {
	result, err := q.db.Exec(ctx, markCommissionsSettled, ids, settlementRef)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
