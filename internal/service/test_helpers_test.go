package service

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/ayo6706/crypto-custody/internal/db"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func init() {
	_ = godotenv.Load("../../.env")
}

// setupTestDB connects to the Postgres instance in DATABASE_URL, applies the
// migrations and empties every table. Tests are skipped without a database.
func setupTestDB(t *testing.T) (*repository.Store, *pgxpool.Pool) {
	t.Helper()

	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		t.Skip("Skipping integration test: DATABASE_URL not set")
	}
	pool, err := db.Connect(context.Background(), connString, db.PoolOptions{})
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.Migrate(pool); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	for _, table := range []string{
		"audit_log",
		"idempotency_keys",
		"spot_transfers",
		"spot_orders",
		"spot_balances",
		"affiliate_commissions",
		"conversions",
		"fiat_deposits",
		"fiat_accounts",
		"customer_profiles",
		"wallets",
	} {
		if _, err := pool.Exec(context.Background(), fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("Failed to truncate %s: %v", table, err)
		}
	}
	return repository.NewStore(pool), pool
}
