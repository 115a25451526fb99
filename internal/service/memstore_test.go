package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var errUniqueViolation = errors.New("duplicate key value violates unique constraint")

type balanceKey struct {
	customer uuid.UUID
	currency string
}

type memData struct {
	wallets       map[uuid.UUID]models.Wallet
	conversions   map[uuid.UUID]models.Conversion
	fiat          map[balanceKey]models.FiatAccount
	fiatDeposits  map[uuid.UUID]models.FiatDeposit
	profiles      map[uuid.UUID]models.CustomerProfile
	commissions   map[uuid.UUID]models.AffiliateCommission
	spotBalances  map[balanceKey]models.SpotBalance
	spotOrders    map[uuid.UUID]models.SpotOrder
	spotTransfers []models.SpotTransfer
	audit         []repository.InsertAuditLogParams
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d memData) clone() memData {
	return memData{
		wallets:       cloneMap(d.wallets),
		conversions:   cloneMap(d.conversions),
		fiat:          cloneMap(d.fiat),
		fiatDeposits:  cloneMap(d.fiatDeposits),
		profiles:      cloneMap(d.profiles),
		commissions:   cloneMap(d.commissions),
		spotBalances:  cloneMap(d.spotBalances),
		spotOrders:    cloneMap(d.spotOrders),
		spotTransfers: append([]models.SpotTransfer(nil), d.spotTransfers...),
		audit:         append([]repository.InsertAuditLogParams(nil), d.audit...),
	}
}

// memStore is an in-memory QueryStore. Transactions are serialized and roll
// back to a snapshot when fn fails, which is enough to exercise the services'
// conditional-update and rollback paths.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	seq  int64
	base time.Time
	data memData
}

var (
	_ QueryStore         = (*memStore)(nil)
	_ repository.Querier = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{base: time.Now().UTC(), data: memData{
		wallets:      map[uuid.UUID]models.Wallet{},
		conversions:  map[uuid.UUID]models.Conversion{},
		fiat:         map[balanceKey]models.FiatAccount{},
		fiatDeposits: map[uuid.UUID]models.FiatDeposit{},
		profiles:     map[uuid.UUID]models.CustomerProfile{},
		commissions:  map[uuid.UUID]models.AffiliateCommission{},
		spotBalances: map[balanceKey]models.SpotBalance{},
		spotOrders:   map[uuid.UUID]models.SpotOrder{},
	}}
}

func (m *memStore) Queries() repository.Querier { return m }

func (m *memStore) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.data.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) now() time.Time {
	m.seq++
	return m.base.Add(time.Duration(m.seq) * time.Millisecond)
}

// Seeding and inspection helpers for tests.

func (m *memStore) setFiat(customerID uuid.UUID, currency string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.fiat[balanceKey{customerID, currency}] = models.FiatAccount{CustomerID: customerID, Currency: currency, Balance: balance}
}

func (m *memStore) fiatBalance(customerID uuid.UUID, currency string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.fiat[balanceKey{customerID, currency}].Balance
}

func (m *memStore) setProfile(p models.CustomerProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.profiles[p.CustomerID] = p
}

func (m *memStore) putWallet(w models.Wallet) models.Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.CreatedAt = m.now()
	w.UpdatedAt = w.CreatedAt
	m.data.wallets[w.ID] = w
	return w
}

func (m *memStore) wallet(id uuid.UUID) models.Wallet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.wallets[id]
}

func (m *memStore) setSpot(customerID uuid.UUID, currency string, available, locked decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.spotBalances[balanceKey{customerID, currency}] = models.SpotBalance{CustomerID: customerID, Currency: currency, Available: available, Locked: locked}
}

func (m *memStore) spot(customerID uuid.UUID, currency string) models.SpotBalance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.spotBalances[balanceKey{customerID, currency}]
}

// dropExternalOrderID leaves the order as it would be after a crash between
// submission and recording the exchange id.
func (m *memStore) dropExternalOrderID(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.data.spotOrders[id]
	o.ExternalOrderID = nil
	m.data.spotOrders[id] = o
}

func (m *memStore) putConversion(c models.Conversion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.data.conversions[c.ID] = c
}

func (m *memStore) auditActions(entityID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []string
	for _, a := range m.data.audit {
		if a.EntityID == entityID {
			actions = append(actions, a.Action)
		}
	}
	return actions
}

// Wallets

func (m *memStore) CreateWallet(_ context.Context, w models.Wallet) (models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.wallets {
		if existing.CustomerID != w.CustomerID || existing.Network != w.Network {
			continue
		}
		if w.IsMain && existing.IsMain {
			return models.Wallet{}, errUniqueViolation
		}
		if existing.Currency == w.Currency && existing.Address == w.Address {
			return models.Wallet{}, errUniqueViolation
		}
	}
	w.Balance = decimal.Zero
	w.Reserved = decimal.Zero
	w.ExchangeWhitelisted = true
	w.CreatedAt = m.now()
	w.UpdatedAt = w.CreatedAt
	m.data.wallets[w.ID] = w
	return w, nil
}

func (m *memStore) GetWallet(_ context.Context, id uuid.UUID) (models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.data.wallets[id]
	if !ok {
		return models.Wallet{}, pgx.ErrNoRows
	}
	return w, nil
}

func (m *memStore) GetWalletForUpdate(ctx context.Context, id uuid.UUID) (models.Wallet, error) {
	return m.GetWallet(ctx, id)
}

func (m *memStore) sortedWallets(keep func(models.Wallet) bool) []models.Wallet {
	var out []models.Wallet
	for _, w := range m.data.wallets {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memStore) ListWalletsByCustomer(_ context.Context, customerID uuid.UUID) ([]models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedWallets(func(w models.Wallet) bool { return w.CustomerID == customerID }), nil
}

func (m *memStore) ListWallets(_ context.Context, f repository.WalletFilter) ([]models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedWallets(func(w models.Wallet) bool {
		return w.CustomerID == f.CustomerID &&
			(f.Network == "" || w.Network == f.Network) &&
			(f.Currency == "" || w.Currency == f.Currency) &&
			(!f.MainOnly || w.IsMain)
	}), nil
}

func (m *memStore) CountWalletsByNetwork(_ context.Context, customerID uuid.UUID, network domain.Network) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, w := range m.data.wallets {
		if w.CustomerID == customerID && w.Network == network {
			n++
		}
	}
	return n, nil
}

func (m *memStore) UnsetMainWallet(_ context.Context, customerID uuid.UUID, network domain.Network) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, w := range m.data.wallets {
		if w.CustomerID == customerID && w.Network == network && w.IsMain {
			w.IsMain = false
			m.data.wallets[id] = w
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetMainWallet(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.data.wallets[id]
	if !ok {
		return 0, nil
	}
	for otherID, w := range m.data.wallets {
		if otherID != id && w.CustomerID == target.CustomerID && w.Network == target.Network && w.IsMain {
			return 0, errUniqueViolation
		}
	}
	target.IsMain = true
	m.data.wallets[id] = target
	return 1, nil
}

func (m *memStore) DeleteWallet(_ context.Context, id uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.data.wallets[id]
	if !ok || w.IsMain || !w.Reserved.IsZero() {
		return 0, nil
	}
	delete(m.data.wallets, id)
	return 1, nil
}

func (m *memStore) updateWallet(id uuid.UUID, apply func(w *models.Wallet) bool) int64 {
	w, ok := m.data.wallets[id]
	if !ok || !apply(&w) {
		return 0
	}
	w.UpdatedAt = m.now()
	m.data.wallets[id] = w
	return 1
}

func (m *memStore) UpdateWalletBalance(_ context.Context, id uuid.UUID, balance decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWallet(id, func(w *models.Wallet) bool {
		if balance.LessThan(w.Reserved) {
			return false
		}
		now := time.Now().UTC()
		w.Balance = balance
		w.LastSyncedAt = &now
		return true
	}), nil
}

func (m *memStore) ReserveWalletFunds(_ context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWallet(id, func(w *models.Wallet) bool {
		if w.Available().LessThan(amount) {
			return false
		}
		w.Reserved = w.Reserved.Add(amount)
		return true
	}), nil
}

func (m *memStore) ReleaseWalletFunds(_ context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWallet(id, func(w *models.Wallet) bool {
		if w.Reserved.LessThan(amount) {
			return false
		}
		w.Reserved = w.Reserved.Sub(amount)
		return true
	}), nil
}

func (m *memStore) DebitWallet(_ context.Context, id uuid.UUID, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWallet(id, func(w *models.Wallet) bool {
		if w.Available().LessThan(amount) {
			return false
		}
		w.Balance = w.Balance.Sub(amount)
		return true
	}), nil
}

func (m *memStore) SetWalletWhitelisted(_ context.Context, id uuid.UUID, whitelisted bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWallet(id, func(w *models.Wallet) bool {
		w.ExchangeWhitelisted = whitelisted
		return true
	}), nil
}

func (m *memStore) UpdateWalletKey(_ context.Context, id uuid.UUID, encryptedKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateWallet(id, func(w *models.Wallet) bool {
		w.EncryptedKey = &encryptedKey
		return true
	}), nil
}

// Conversions

func (m *memStore) CreateConversion(_ context.Context, c models.Conversion) (models.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.conversions[c.ID]; ok {
		return models.Conversion{}, errUniqueViolation
	}
	c.ExchangeRate = decimal.Zero
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.data.conversions[c.ID] = c
	return c, nil
}

func (m *memStore) GetConversion(_ context.Context, id uuid.UUID) (models.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.conversions[id]
	if !ok {
		return models.Conversion{}, pgx.ErrNoRows
	}
	return c, nil
}

func (m *memStore) GetConversionStatusForUpdate(ctx context.Context, id uuid.UUID) (string, error) {
	c, err := m.GetConversion(ctx, id)
	return c.Status, err
}

func (m *memStore) UpdateConversion(_ context.Context, c models.Conversion) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.data.conversions[c.ID]
	if !ok {
		return 0, nil
	}
	if c.DepositID != nil {
		for id, other := range m.data.conversions {
			if id != c.ID && other.DepositID != nil && *other.DepositID == *c.DepositID {
				return 0, errUniqueViolation
			}
		}
	}
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = m.now()
	m.data.conversions[c.ID] = c
	return 1, nil
}

func (m *memStore) ListConversionsByStatus(_ context.Context, status string, limit int32) ([]models.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversion
	for _, c := range m.data.conversions {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListConversions(_ context.Context, f repository.ConversionFilter) ([]models.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversion
	for _, c := range m.data.conversions {
		if c.CustomerID != f.CustomerID || (f.Type != "" && c.Type != f.Type) || (f.Status != "" && c.Status != f.Status) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) ConversionDepositUsed(_ context.Context, depositID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.data.conversions {
		if c.DepositID != nil && *c.DepositID == depositID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ConversionTxHashReserved(_ context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.data.conversions {
		if c.TxHash != nil && strings.EqualFold(*c.TxHash, txHash) {
			return true, nil
		}
	}
	return false, nil
}

// LockCustomerConversions is a no-op: RunInTx already serializes transactions.
func (m *memStore) LockCustomerConversions(_ context.Context, _ uuid.UUID) error {
	return nil
}

func (m *memStore) SumConversionFiatSince(_ context.Context, customerID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, c := range m.data.conversions {
		if c.CustomerID != customerID || c.Status == domain.ConversionFailed || c.CreatedAt.Before(since) {
			continue
		}
		if c.Type == domain.ConversionTypeBuy {
			total = total.Add(c.FiatAmount)
		} else {
			total = total.Add(c.FiatCredited)
		}
	}
	return total, nil
}

// Fiat

func (m *memStore) GetFiatAccountForUpdate(_ context.Context, customerID uuid.UUID, currency string) (models.FiatAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.data.fiat[balanceKey{customerID, currency}]
	if !ok {
		return models.FiatAccount{}, pgx.ErrNoRows
	}
	return a, nil
}

func (m *memStore) DebitFiatAccount(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{customerID, currency}
	a, ok := m.data.fiat[key]
	if !ok || a.Balance.LessThan(amount) {
		return 0, nil
	}
	a.Balance = a.Balance.Sub(amount)
	m.data.fiat[key] = a
	return 1, nil
}

func (m *memStore) CreditFiatAccount(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{customerID, currency}
	a, ok := m.data.fiat[key]
	if !ok {
		a = models.FiatAccount{CustomerID: customerID, Currency: currency}
	}
	a.Balance = a.Balance.Add(amount)
	m.data.fiat[key] = a
	return 1, nil
}

func (m *memStore) CreateFiatDeposit(_ context.Context, d models.FiatDeposit) (models.FiatDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.fiatDeposits {
		if existing.CorrelationID == d.CorrelationID {
			return existing, nil
		}
	}
	d.CreatedAt = m.now()
	d.UpdatedAt = d.CreatedAt
	m.data.fiatDeposits[d.ID] = d
	return d, nil
}

func (m *memStore) ListPendingFiatDeposits(_ context.Context, limit int32) ([]models.FiatDeposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FiatDeposit
	for _, d := range m.data.fiatDeposits {
		if d.Status == domain.FiatDepositPending {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateFiatDepositStatus(_ context.Context, id uuid.UUID, from, to string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data.fiatDeposits[id]
	if !ok || d.Status != from {
		return 0, nil
	}
	d.Status = to
	m.data.fiatDeposits[id] = d
	return 1, nil
}

func (m *memStore) GetCustomerProfile(_ context.Context, customerID uuid.UUID) (models.CustomerProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.profiles[customerID]
	if !ok {
		return models.CustomerProfile{}, pgx.ErrNoRows
	}
	return p, nil
}

// Affiliate commissions

func (m *memStore) CreateAffiliateCommission(_ context.Context, c models.AffiliateCommission) (models.AffiliateCommission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.data.commissions {
		if existing.ConversionID == c.ConversionID {
			return existing, nil
		}
	}
	c.CreatedAt = m.now()
	m.data.commissions[c.ID] = c
	return c, nil
}

func (m *memStore) ListPendingCommissionsForUpdate(_ context.Context, affiliateID uuid.UUID) ([]models.AffiliateCommission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AffiliateCommission
	for _, c := range m.data.commissions {
		if c.AffiliateID == affiliateID && c.Status == domain.CommissionPending {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) MarkCommissionsSettled(_ context.Context, ids []uuid.UUID, settlementRef string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		c, ok := m.data.commissions[id]
		if !ok || c.Status != domain.CommissionPending {
			continue
		}
		ref := settlementRef
		c.Status = domain.CommissionSettled
		c.SettlementRef = &ref
		m.data.commissions[id] = c
		n++
	}
	return n, nil
}

// Spot

func (m *memStore) EnsureSpotBalance(_ context.Context, customerID uuid.UUID, currency string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{customerID, currency}
	if _, ok := m.data.spotBalances[key]; !ok {
		m.data.spotBalances[key] = models.SpotBalance{CustomerID: customerID, Currency: currency}
	}
	return nil
}

func (m *memStore) GetSpotBalanceForUpdate(_ context.Context, customerID uuid.UUID, currency string) (models.SpotBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data.spotBalances[balanceKey{customerID, currency}]
	if !ok {
		return models.SpotBalance{}, pgx.ErrNoRows
	}
	return b, nil
}

func (m *memStore) ListSpotBalances(_ context.Context, customerID uuid.UUID) ([]models.SpotBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SpotBalance
	for _, b := range m.data.spotBalances {
		if b.CustomerID == customerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *memStore) updateSpot(customerID uuid.UUID, currency string, apply func(b *models.SpotBalance) bool) int64 {
	key := balanceKey{customerID, currency}
	b, ok := m.data.spotBalances[key]
	if !ok || !apply(&b) {
		return 0
	}
	m.data.spotBalances[key] = b
	return 1
}

func (m *memStore) LockSpotFunds(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSpot(customerID, currency, func(b *models.SpotBalance) bool {
		if b.Available.LessThan(amount) {
			return false
		}
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
		return true
	}), nil
}

func (m *memStore) UnlockSpotFunds(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSpot(customerID, currency, func(b *models.SpotBalance) bool {
		if b.Locked.LessThan(amount) {
			return false
		}
		b.Available = b.Available.Add(amount)
		b.Locked = b.Locked.Sub(amount)
		return true
	}), nil
}

func (m *memStore) ConsumeSpotLocked(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSpot(customerID, currency, func(b *models.SpotBalance) bool {
		if b.Locked.LessThan(amount) {
			return false
		}
		b.Locked = b.Locked.Sub(amount)
		return true
	}), nil
}

func (m *memStore) CreditSpotAvailable(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{customerID, currency}
	b, ok := m.data.spotBalances[key]
	if !ok {
		b = models.SpotBalance{CustomerID: customerID, Currency: currency}
	}
	b.Available = b.Available.Add(amount)
	m.data.spotBalances[key] = b
	return 1, nil
}

func (m *memStore) DebitSpotAvailable(_ context.Context, customerID uuid.UUID, currency string, amount decimal.Decimal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateSpot(customerID, currency, func(b *models.SpotBalance) bool {
		if b.Available.LessThan(amount) {
			return false
		}
		b.Available = b.Available.Sub(amount)
		return true
	}), nil
}

func (m *memStore) CreateSpotOrder(_ context.Context, o models.SpotOrder) (models.SpotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.CreatedAt = m.now()
	o.UpdatedAt = o.CreatedAt
	m.data.spotOrders[o.ID] = o
	return o, nil
}

func (m *memStore) GetSpotOrder(_ context.Context, id uuid.UUID) (models.SpotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.data.spotOrders[id]
	if !ok {
		return models.SpotOrder{}, pgx.ErrNoRows
	}
	return o, nil
}

func (m *memStore) GetSpotOrderForUpdate(ctx context.Context, id uuid.UUID) (models.SpotOrder, error) {
	return m.GetSpotOrder(ctx, id)
}

func (m *memStore) UpdateSpotOrder(_ context.Context, o models.SpotOrder) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.data.spotOrders[o.ID]
	if !ok {
		return 0, nil
	}
	o.CreatedAt = stored.CreatedAt
	o.UpdatedAt = m.now()
	m.data.spotOrders[o.ID] = o
	return 1, nil
}

func (m *memStore) ListOpenSpotOrders(_ context.Context, limit int32) ([]models.SpotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SpotOrder
	for _, o := range m.data.spotOrders {
		if o.Status == domain.SpotOrderOpen || o.Status == domain.SpotOrderPartial {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListSpotOrders(_ context.Context, f repository.SpotOrderFilter) ([]models.SpotOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SpotOrder
	for _, o := range m.data.spotOrders {
		if o.CustomerID == f.CustomerID && (f.Instrument == "" || o.Instrument == f.Instrument) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CreateSpotTransfer(_ context.Context, t models.SpotTransfer) (models.SpotTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = m.now()
	m.data.spotTransfers = append(m.data.spotTransfers, t)
	return t, nil
}

func (m *memStore) ListSpotLockImbalances(_ context.Context) ([]repository.SpotLockImbalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := map[balanceKey]decimal.Decimal{}
	for _, o := range m.data.spotOrders {
		if o.Status == domain.SpotOrderOpen || o.Status == domain.SpotOrderPartial {
			key := balanceKey{o.CustomerID, o.LockedCurrency}
			held[key] = held[key].Add(o.LockedRemaining)
		}
	}
	var out []repository.SpotLockImbalance
	for key, b := range m.data.spotBalances {
		if !b.Locked.Equal(held[key]) {
			out = append(out, repository.SpotLockImbalance{
				CustomerID:      key.customer,
				Currency:        key.currency,
				Locked:          b.Locked,
				OpenOrderLocked: held[key],
			})
		}
	}
	return out, nil
}

func (m *memStore) InsertAuditLog(_ context.Context, arg repository.InsertAuditLogParams) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.audit = append(m.data.audit, arg)
	return uuid.New(), nil
}
