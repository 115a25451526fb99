package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeBuilder is a chain where every address holds a balance in memory.
type fakeBuilder struct {
	mu       sync.Mutex
	network  domain.Network
	balances map[string]decimal.Decimal
	keys     int
	sends    []chain.SendRequest
	sendErr  error
	fee      decimal.Decimal
	feeCcy   string
	feeIsMax bool
	txSeq    int
	rawSeen  []string
}

var _ chain.Builder = (*fakeBuilder)(nil)

func newFakeBuilder(network domain.Network) *fakeBuilder {
	return &fakeBuilder{network: network, balances: map[string]decimal.Decimal{}}
}

func (b *fakeBuilder) Network() domain.Network { return b.network }

func (b *fakeBuilder) IsValidAddress(address string) bool {
	return address != "" && !strings.HasPrefix(address, "bad")
}

func (b *fakeBuilder) NativeBalance(_ context.Context, address string) (decimal.Decimal, error) {
	return b.balance(address), nil
}

func (b *fakeBuilder) TokenBalance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	return b.balance(address), nil
}

func (b *fakeBuilder) balance(address string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[address]
}

func (b *fakeBuilder) setBalance(address string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[address] = amount
}

func (b *fakeBuilder) GenerateKey() (chain.KeyPair, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys++
	return chain.KeyPair{
		Address:    fmt.Sprintf("addr-%d", b.keys),
		PrivateKey: fmt.Sprintf("key-%d", b.keys),
	}, nil
}

func (b *fakeBuilder) Send(_ context.Context, req chain.SendRequest) (*chain.SendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, req)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	b.balances[req.From] = b.balances[req.From].Sub(req.Amount)
	b.balances[req.To] = b.balances[req.To].Add(req.Amount)
	b.txSeq++
	return &chain.SendResult{TxID: fmt.Sprintf("tx-%d", b.txSeq), Fee: b.fee, FeeCurrency: b.feeCcy, FeeIsMax: b.feeIsMax}, nil
}

func (b *fakeBuilder) Broadcast(_ context.Context, rawTx string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rawTx == "" {
		return "", errors.New("empty transaction")
	}
	b.rawSeen = append(b.rawSeen, rawTx)
	return "raw-" + rawTx, nil
}

func (b *fakeBuilder) lastSend() chain.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends[len(b.sends)-1]
}

// fakeCipher marks encrypted keys with a prefix. Keys without it are treated
// as legacy plaintext.
type fakeCipher struct{}

const fakeCipherPrefix = "enc:"

func (fakeCipher) Encrypt(plaintext string) (string, error) {
	return fakeCipherPrefix + plaintext, nil
}

func (fakeCipher) Decrypt(stored string) (string, error) {
	if stored == "corrupt" {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrKeyCustody)
	}
	return strings.TrimPrefix(stored, fakeCipherPrefix), nil
}

func (fakeCipher) Reencrypt(stored string) (string, bool, error) {
	if strings.HasPrefix(stored, fakeCipherPrefix) {
		return stored, false, nil
	}
	return fakeCipherPrefix + stored, true, nil
}

// fakeRail records transfers and answers status checks from a map.
type fakeRail struct {
	mu        sync.Mutex
	transfers []gateway.TransferRequest
	sendErr   error
	status    string
	statuses  map[string]string
}

var _ gateway.FiatRail = (*fakeRail)(nil)

func newFakeRail() *fakeRail {
	return &fakeRail{status: gateway.TransferCompleted, statuses: map[string]string{}}
}

func (r *fakeRail) SendTransfer(_ context.Context, req gateway.TransferRequest) (gateway.TransferResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, req)
	if r.sendErr != nil {
		return gateway.TransferResult{}, r.sendErr
	}
	return gateway.TransferResult{CorrelationID: "pix-" + req.IdempotencyKey, Status: r.status}, nil
}

func (r *fakeRail) GetTransferStatus(_ context.Context, correlationID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	status, ok := r.statuses[correlationID]
	if !ok {
		return "", gateway.ErrTransferNotFound
	}
	return status, nil
}

func (r *fakeRail) sent() []gateway.TransferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.TransferRequest(nil), r.transfers...)
}

// fakeExchange is a scripted exchange. Zero-valued fields fall back to
// answers that let a conversion complete.
type fakeExchange struct {
	mu sync.Mutex

	ticker        decimal.Decimal
	fills         []gateway.Fill
	fillsErr      error
	emptyPolls    int
	orderState    gateway.OrderState
	withdrawFee   decimal.Decimal
	withdrawErr   error
	placeErr      error
	sale          gateway.MarketSellResult
	sellErr       error
	deposits      []gateway.Deposit
	depositAddr   string
	marketBuys    []string
	withdrawals   []gateway.WithdrawalRequest
	placed        []gateway.OrderRequest
	accepted      map[string]string
	canceled      []string
	fillPollCalls int
}

var _ gateway.Exchange = (*fakeExchange)(nil)

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		ticker:      dec("5.5"),
		withdrawFee: dec("1"),
		depositAddr: "exchange-deposit",
		orderState:  gateway.OrderState{State: gateway.OrderStateLive},
		accepted:    map[string]string{},
	}
}

func (e *fakeExchange) MarketBuy(_ context.Context, clientOrderID, _ string, _ decimal.Decimal) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketBuys = append(e.marketBuys, clientOrderID)
	return "ord-" + clientOrderID, nil
}

func (e *fakeExchange) MarketSell(_ context.Context, clientOrderID, _ string, _ decimal.Decimal) (gateway.MarketSellResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sellErr != nil {
		return gateway.MarketSellResult{}, e.sellErr
	}
	res := e.sale
	if res.OrderID == "" {
		res.OrderID = "sell-" + clientOrderID
	}
	return res, nil
}

func (e *fakeExchange) GetFills(_ context.Context, _, _ string) ([]gateway.Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillPollCalls++
	if e.fillsErr != nil {
		return nil, e.fillsErr
	}
	if e.fillPollCalls <= e.emptyPolls {
		return nil, nil
	}
	return append([]gateway.Fill(nil), e.fills...), nil
}

func (e *fakeExchange) Withdraw(_ context.Context, req gateway.WithdrawalRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.withdrawals = append(e.withdrawals, req)
	if e.withdrawErr != nil {
		return "", e.withdrawErr
	}
	return "wd-" + req.ClientID, nil
}

func (e *fakeExchange) WithdrawalFee(_ context.Context, _ string, _ domain.Network) (decimal.Decimal, error) {
	return e.withdrawFee, nil
}

func (e *fakeExchange) PlaceOrder(_ context.Context, req gateway.OrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placed = append(e.placed, req)
	if e.placeErr != nil {
		return "", e.placeErr
	}
	e.accepted[req.ClientOrderID] = "ex-" + req.ClientOrderID
	return "ex-" + req.ClientOrderID, nil
}

func (e *fakeExchange) FindOrderByClientID(_ context.Context, _, clientOrderID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.accepted[clientOrderID]
	if !ok {
		return "", gateway.ErrOrderNotFound
	}
	return id, nil
}

// forgetOrder makes the exchange behave as if the order never arrived.
func (e *fakeExchange) forgetOrder(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.accepted, clientOrderID)
}

func (e *fakeExchange) GetOrderState(_ context.Context, _, _ string) (gateway.OrderState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderState, nil
}

func (e *fakeExchange) CancelOrder(_ context.Context, _, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceled = append(e.canceled, orderID)
	e.orderState = gateway.OrderState{State: gateway.OrderStateCanceled}
	return nil
}

func (e *fakeExchange) GetTicker(_ context.Context, _ string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ticker, nil
}

func (e *fakeExchange) GetDepositAddress(_ context.Context, _ string, _ domain.Network) (string, error) {
	return e.depositAddr, nil
}

func (e *fakeExchange) ListRecentDeposits(_ context.Context, _ string) ([]gateway.Deposit, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]gateway.Deposit(nil), e.deposits...), nil
}

func (e *fakeExchange) setFills(state string, fills ...gateway.Fill) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fills = fills
	e.orderState = gateway.OrderState{State: state}
}

// harness wires the services over one in-memory store.
type harness struct {
	store       *memStore
	builder     *fakeBuilder
	exchange    *fakeExchange
	rail        *fakeRail
	wallets     *WalletService
	limits      *LimitService
	affiliates  *AffiliateService
	conversions *ConversionService
	spot        *SpotService
	deposits    *DepositService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    newMemStore(),
		builder:  newFakeBuilder(domain.NetworkTron),
		exchange: newFakeExchange(),
		rail:     newFakeRail(),
	}
	registry := chain.NewRegistry(chain.Contracts{TronUSDT: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"}, h.builder)
	h.wallets = NewWalletService(h.store, registry, fakeCipher{})
	h.limits = NewLimitService(h.store, dec("50000"))
	h.affiliates = NewAffiliateService(h.store, h.rail, domain.CurrencyBRL)
	h.conversions = NewConversionService(h.store, h.wallets, h.exchange, h.rail, h.limits, h.affiliates, nil, ConversionConfig{
		FiatCurrency:     domain.CurrencyBRL,
		Stablecoin:       domain.CurrencyUSDT,
		SpreadBase:       dec("0.03"),
		MinFiat:          dec("10"),
		ExchangeFiatKey:  "exchange-pix-key",
		FillPollAttempts: 3,
	})
	h.conversions.sleep = func(context.Context, time.Duration) error { return nil }
	h.spot = NewSpotService(h.store, h.exchange, dec("0.001"))
	h.deposits = NewDepositService(h.store, h.rail, h.conversions, domain.CurrencyBRL, 10)
	return h
}

// custodialWallet stores a USDT wallet on TRON holding balance on chain and in the cache.
func (h *harness) custodialWallet(customerID uuid.UUID, balance decimal.Decimal) models.Wallet {
	key := fakeCipherPrefix + "key-" + customerID.String()[:8]
	w := h.store.putWallet(models.Wallet{
		CustomerID:          customerID,
		Network:             domain.NetworkTron,
		Currency:            domain.CurrencyUSDT,
		Address:             "T" + customerID.String()[:8],
		EncryptedKey:        &key,
		Balance:             balance,
		Reserved:            decimal.Zero,
		IsMain:              true,
		ExchangeWhitelisted: true,
	})
	h.builder.setBalance(w.Address, balance)
	return w
}

func walletWithReserve(customerID uuid.UUID, balance, reserved decimal.Decimal) models.Wallet {
	key := fakeCipherPrefix + "reserve-key"
	return models.Wallet{
		CustomerID:          customerID,
		Network:             domain.NetworkTron,
		Currency:            domain.CurrencyUSDT,
		Address:             "TR" + uuid.NewString()[:8],
		EncryptedKey:        &key,
		Balance:             balance,
		Reserved:            reserved,
		ExchangeWhitelisted: true,
	}
}
