package repository

import (
	"context"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const walletColumns = `id, customer_id, network, currency, address, encrypted_key, balance, reserved,
	is_main, label, exchange_whitelisted, last_synced_at, created_at, updated_at`

func scanWallet(row rowScanner) (models.Wallet, error) {
	var w models.Wallet
	err := row.Scan(
		&w.ID,
		&w.CustomerID,
		&w.Network,
		&w.Currency,
		&w.Address,
		&w.EncryptedKey,
		&w.Balance,
		&w.Reserved,
		&w.IsMain,
		&w.Label,
		&w.ExchangeWhitelisted,
		&w.LastSyncedAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	return w, err
}

const createWallet = `-- name: CreateWallet :one
INSERT INTO wallets (id, customer_id, network, currency, address, encrypted_key, is_main, label)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + walletColumns

func (q *Queries) CreateWallet(ctx context.Context, w models.Wallet) (models.Wallet, error) {
	row := q.db.QueryRow(ctx, createWallet,
		w.ID,
		w.CustomerID,
		w.Network,
		w.Currency,
		w.Address,
		w.EncryptedKey,
		w.IsMain,
		w.Label,
	)
	return scanWallet(row)
}

const getWallet = `-- name: GetWallet :one
SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`

func (q *Queries) GetWallet(ctx context.Context, id uuid.UUID) (models.Wallet, error) {
	return scanWallet(q.db.QueryRow(ctx, getWallet, id))
}

const getWalletForUpdate = `-- name: GetWalletForUpdate :one
SELECT ` + walletColumns + ` FROM wallets WHERE id = $1 FOR UPDATE`

func (q *Queries) GetWalletForUpdate(ctx context.Context, id uuid.UUID) (models.Wallet, error) {
	return scanWallet(q.db.QueryRow(ctx, getWalletForUpdate, id))
}

const listWalletsByCustomer = `-- name: ListWalletsByCustomer :many
SELECT ` + walletColumns + ` FROM wallets
WHERE customer_id = $1
ORDER BY network, is_main DESC, created_at`

func (q *Queries) ListWalletsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Wallet, error) {
	rows, err := q.db.Query(ctx, listWalletsByCustomer, customerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWallet)
}

const countWalletsByNetwork = `-- name: CountWalletsByNetwork :one
SELECT COUNT(*) FROM wallets WHERE customer_id = $1 AND network = $2`

func (q *Queries) CountWalletsByNetwork(ctx context.Context, customerID uuid.UUID, network domain.Network) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countWalletsByNetwork, customerID, network).Scan(&n)
	return n, err
}

const unsetMainWallet = `-- name: UnsetMainWallet :execrows
UPDATE wallets SET is_main = FALSE, updated_at = NOW()
WHERE customer_id = $1 AND network = $2 AND is_main`

func (q *Queries) UnsetMainWallet(ctx context.Context, customerID uuid.UUID, network domain.Network) (int64, error) {
	result, err := q.db.Exec(ctx, unsetMainWallet, customerID, network)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const setMainWallet = `-- name: SetMainWallet :execrows
UPDATE wallets SET is_main = TRUE, updated_at = NOW() WHERE id = $1`

func (q *Queries) SetMainWallet(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, setMainWallet, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const deleteWallet = `-- name: DeleteWallet :execrows
DELETE FROM wallets WHERE id = $1 AND NOT is_main AND reserved = 0`

func (q *Queries) DeleteWallet(ctx context.Context, id uuid.UUID) (int64, error) {
	result, err := q.db.Exec(ctx, deleteWallet, id)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const updateWalletBalance = `-- name: UpdateWalletBalance :execrows
UPDATE wallets SET balance = $2, last_synced_at = NOW(), updated_at = NOW()
WHERE id = $1 AND $2 >= reserved`

// UpdateWalletBalance stores a synced balance. It never drops below the reserved amount.
func (q *Queries) UpdateWalletBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, updateWalletBalance, id, balance)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const reserveWalletFunds = `-- name: ReserveWalletFunds :execrows
UPDATE wallets SET reserved = reserved + $2, updated_at = NOW()
WHERE id = $1 AND balance - reserved >= $2`

func (q *Queries) ReserveWalletFunds(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, reserveWalletFunds, id, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const releaseWalletFunds = `-- name: ReleaseWalletFunds :execrows
UPDATE wallets SET reserved = reserved - $2, updated_at = NOW()
WHERE id = $1 AND reserved >= $2`

func (q *Queries) ReleaseWalletFunds(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, releaseWalletFunds, id, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const debitWallet = `-- name: DebitWallet :execrows
UPDATE wallets SET balance = balance - $2, updated_at = NOW()
WHERE id = $1 AND balance - reserved >= $2`

func (q *Queries) DebitWallet(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error) {
	result, err := q.db.Exec(ctx, debitWallet, id, amount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const setWalletWhitelisted = `-- name: SetWalletWhitelisted :execrows
UPDATE wallets SET exchange_whitelisted = $2, updated_at = NOW() WHERE id = $1`

func (q *Queries) SetWalletWhitelisted(ctx context.Context, id uuid.UUID, whitelisted bool) (int64, error) {
	result, err := q.db.Exec(ctx, setWalletWhitelisted, id, whitelisted)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const updateWalletKey = `-- name: UpdateWalletKey :execrows
UPDATE wallets SET encrypted_key = $2, updated_at = NOW() WHERE id = $1 AND encrypted_key IS NOT NULL`

func (q *Queries) UpdateWalletKey(ctx context.Context, id uuid.UUID, encryptedKey string) (int64, error) {
	result, err := q.db.Exec(ctx, updateWalletKey, id, encryptedKey)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
