package repository

import (
	"context"
	"time"
)

type IdempotencyKey struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
	InProgress     bool
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const idempotencyColumns = `idempotency_key, request_hash, method, path, in_progress, response_status,
	response_body, content_type, created_at, updated_at`

func scanIdempotencyKey(row rowScanner) (IdempotencyKey, error) {
	var i IdempotencyKey
	err := row.Scan(
		&i.IdempotencyKey,
		&i.RequestHash,
		&i.Method,
		&i.Path,
		&i.InProgress,
		&i.ResponseStatus,
		&i.ResponseBody,
		&i.ContentType,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getIdempotencyKey = `-- name: GetIdempotencyKey :one
SELECT ` + idempotencyColumns + ` FROM idempotency_keys WHERE idempotency_key = $1`

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKey, error) {
	return scanIdempotencyKey(q.db.QueryRow(ctx, getIdempotencyKey, key))
}

const reserveIdempotencyKey = `-- name: ReserveIdempotencyKey :one
INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path)
VALUES ($1, $2, $3, $4)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + idempotencyColumns

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

// ReserveIdempotencyKey returns pgx.ErrNoRows when the key already exists.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (IdempotencyKey, error) {
	row := q.db.QueryRow(ctx, reserveIdempotencyKey,
		arg.IdempotencyKey,
		arg.RequestHash,
		arg.Method,
		arg.Path,
	)
	return scanIdempotencyKey(row)
}

const finalizeIdempotencyKey = `-- name: FinalizeIdempotencyKey :one
UPDATE idempotency_keys
SET in_progress = FALSE, response_status = $1, response_body = $2, content_type = $3, updated_at = NOW()
WHERE idempotency_key = $4 AND request_hash = $5
RETURNING ` + idempotencyColumns

type FinalizeIdempotencyKeyParams struct {
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	IdempotencyKey string
	RequestHash    string
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKey, error) {
	row := q.db.QueryRow(ctx, finalizeIdempotencyKey,
		arg.ResponseStatus,
		arg.ResponseBody,
		arg.ContentType,
		arg.IdempotencyKey,
		arg.RequestHash,
	)
	return scanIdempotencyKey(row)
}

const releaseIdempotencyKey = `-- name: ReleaseIdempotencyKey :execrows
DELETE FROM idempotency_keys WHERE idempotency_key = $1 AND in_progress`

// ReleaseIdempotencyKey drops an unfinished reservation so the client may retry.
func (q *Queries) ReleaseIdempotencyKey(ctx context.Context, key string) (int64, error) {
	result, err := q.db.Exec(ctx, releaseIdempotencyKey, key)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
