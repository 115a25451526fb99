package repository

import (
	"context"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Querier is the data access surface services depend on.
type Querier interface {
	CreateWallet(ctx context.Context, w models.Wallet) (models.Wallet, error)
	GetWallet(ctx context.Context, id uuid.UUID) (models.Wallet, error)
	GetWalletForUpdate(ctx context.Context, id uuid.UUID) (models.Wallet, error)
	ListWalletsByCustomer(ctx context.Context, customerID uuid.UUID) ([]models.Wallet, error)
	ListWallets(ctx context.Context, f WalletFilter) ([]models.Wallet, error)
	CountWalletsByNetwork(ctx context.Context, customerID uuid.UUID, network domain.Network) (int64, error)
	UnsetMainWallet(ctx context.Context, customerID uuid.UUID, network domain.Network) (int64, error)
	SetMainWallet(ctx context.Context, id uuid.UUID) (int64, error)
	DeleteWallet(ctx context.Context, id uuid.UUID) (int64, error)
	UpdateWalletBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) (int64, error)
	ReserveWalletFunds(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error)
	ReleaseWalletFunds(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error)
	DebitWallet(ctx context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error)
	SetWalletWhitelisted(ctx context.Context, id uuid.UUID, whitelisted bool) (int64, error)
	UpdateWalletKey(ctx context.Context, id uuid.UUID, encryptedKey string) (int64, error)

	CreateConversion(ctx context.Context, c models.Conversion) (models.Conversion, error)
	GetConversion(ctx context.Context, id uuid.UUID) (models.Conversion, error)
	GetConversionStatusForUpdate(ctx context.Context, id uuid.UUID) (string, error)
	UpdateConversion(ctx context.Context, c models.Conversion) (int64, error)
	ListConversionsByStatus(ctx context.Context, status string, limit int32) ([]models.Conversion, error)
	ListConversions(ctx context.Context, f ConversionFilter) ([]models.Conversion, error)
	ConversionDepositUsed(ctx context.Context, depositID string) (bool, error)
	ConversionTxHashReserved(ctx context.Context, txHash string) (bool, error)
	SumConversionFiatSince(ctx context.Context, customerID uuid.UUID, since time.Time) (decimal.Decimal, error)
	LockCustomerConversions(ctx context.Context, customerID uuid.UUID) error

	GetFiatAccountForUpdate(ctx context.Context, customerID uuid.UUID, currency string) (models.FiatAccount, error)
	DebitFiatAccount(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	CreditFiatAccount(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	CreateFiatDeposit(ctx context.Context, d models.FiatDeposit) (models.FiatDeposit, error)
	ListPendingFiatDeposits(ctx context.Context, limit int32) ([]models.FiatDeposit, error)
	UpdateFiatDepositStatus(ctx context.Context, id uuid.UUID, from, to string) (int64, error)
	GetCustomerProfile(ctx context.Context, customerID uuid.UUID) (models.CustomerProfile, error)

	CreateAffiliateCommission(ctx context.Context, c models.AffiliateCommission) (models.AffiliateCommission, error)
	ListPendingCommissionsForUpdate(ctx context.Context, affiliateID uuid.UUID) ([]models.AffiliateCommission, error)
	MarkCommissionsSettled(ctx context.Context, ids []uuid.UUID, settlementRef string) (int64, error)

	EnsureSpotBalance(ctx context.Context, customerID uuid.UUID, currency string) error
	GetSpotBalanceForUpdate(ctx context.Context, customerID uuid.UUID, currency string) (models.SpotBalance, error)
	ListSpotBalances(ctx context.Context, customerID uuid.UUID) ([]models.SpotBalance, error)
	LockSpotFunds(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	UnlockSpotFunds(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	ConsumeSpotLocked(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	CreditSpotAvailable(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	DebitSpotAvailable(ctx context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error)
	CreateSpotOrder(ctx context.Context, o models.SpotOrder) (models.SpotOrder, error)
	GetSpotOrder(ctx context.Context, id uuid.UUID) (models.SpotOrder, error)
	GetSpotOrderForUpdate(ctx context.Context, id uuid.UUID) (models.SpotOrder, error)
	UpdateSpotOrder(ctx context.Context, o models.SpotOrder) (int64, error)
	ListOpenSpotOrders(ctx context.Context, limit int32) ([]models.SpotOrder, error)
	ListSpotOrders(ctx context.Context, f SpotOrderFilter) ([]models.SpotOrder, error)
	CreateSpotTransfer(ctx context.Context, t models.SpotTransfer) (models.SpotTransfer, error)
	ListSpotLockImbalances(ctx context.Context) ([]SpotLockImbalance, error)

	InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) (uuid.UUID, error)
}

var _ Querier = (*Queries)(nil)
