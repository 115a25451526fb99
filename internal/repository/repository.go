package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ConversionFilter narrows a customer's conversion history.
type ConversionFilter struct {
	CustomerID uuid.UUID
	Type       string
	Status     string
	From       *time.Time
	To         *time.Time
	Limit      uint64
	Offset     uint64
}

// WalletFilter narrows a customer's wallets.
type WalletFilter struct {
	CustomerID uuid.UUID
	Network    domain.Network
	Currency   string
	MainOnly   bool
}

// SpotOrderFilter narrows a customer's spot orders.
type SpotOrderFilter struct {
	CustomerID uuid.UUID
	Instrument string
	Statuses   []string
	Limit      uint64
	Offset     uint64
}

func pageSize(limit uint64) uint64 {
	if limit == 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func selectColumns(columns string) []string {
	parts := strings.Split(columns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func (q *Queries) ListConversions(ctx context.Context, f ConversionFilter) ([]models.Conversion, error) {
	b := psql.Select(selectColumns(conversionColumns)...).
		From("conversions").
		Where(sq.Eq{"customer_id": f.CustomerID})
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if f.From != nil {
		b = b.Where(sq.GtOrEq{"created_at": *f.From})
	}
	if f.To != nil {
		b = b.Where(sq.Lt{"created_at": *f.To})
	}
	b = b.OrderBy("created_at DESC").Limit(pageSize(f.Limit)).Offset(f.Offset)

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build conversions query: %w", err)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanConversion)
}

func (q *Queries) ListWallets(ctx context.Context, f WalletFilter) ([]models.Wallet, error) {
	b := psql.Select(selectColumns(walletColumns)...).
		From("wallets").
		Where(sq.Eq{"customer_id": f.CustomerID})
	if f.Network != "" {
		b = b.Where(sq.Eq{"network": f.Network})
	}
	if f.Currency != "" {
		b = b.Where(sq.Eq{"currency": f.Currency})
	}
	if f.MainOnly {
		b = b.Where(sq.Eq{"is_main": true})
	}
	b = b.OrderBy("network", "is_main DESC", "created_at")

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build wallets query: %w", err)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanWallet)
}

func (q *Queries) ListSpotOrders(ctx context.Context, f SpotOrderFilter) ([]models.SpotOrder, error) {
	b := psql.Select(selectColumns(spotOrderColumns)...).
		From("spot_orders").
		Where(sq.Eq{"customer_id": f.CustomerID})
	if f.Instrument != "" {
		b = b.Where(sq.Eq{"instrument": f.Instrument})
	}
	if len(f.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": f.Statuses})
	}
	b = b.OrderBy("created_at DESC").Limit(pageSize(f.Limit)).Offset(f.Offset)

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build spot orders query: %w", err)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSpotOrder)
}
