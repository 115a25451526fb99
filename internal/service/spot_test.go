package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func priceOf(s string) *decimal.Decimal {
	p := dec(s)
	return &p
}

func assertSpot(t *testing.T, h *harness, customer uuid.UUID, currency, available, locked string) {
	t.Helper()
	b := h.store.spot(customer, currency)
	assert.True(t, b.Available.Equal(dec(available)), "%s available: want %s got %s", currency, available, b.Available)
	assert.True(t, b.Locked.Equal(dec(locked)), "%s locked: want %s got %s", currency, locked, b.Locked)
}

func TestPlaceOrderLocks(t *testing.T) {
	cases := []struct {
		name         string
		req          PlaceOrderRequest
		seedCurrency string
		lockCurrency string
		lockAmount   string
	}{
		{
			name:         "limit buy locks quote with fee buffer",
			req:          PlaceOrderRequest{Instrument: "btc-usdt", Side: "BUY", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")},
			seedCurrency: "USDT",
			lockCurrency: "USDT",
			lockAmount:   "500.5",
		},
		{
			name:         "market buy adds slippage",
			req:          PlaceOrderRequest{Instrument: "BTC-USDT", Side: "buy", Type: "market", Size: dec("0.01")},
			seedCurrency: "USDT",
			lockCurrency: "USDT",
			lockAmount:   "505.5",
		},
		{
			name:         "sell locks base size",
			req:          PlaceOrderRequest{Instrument: "BTC-USDT", Side: "sell", Type: "limit", Size: dec("0.5"), Price: priceOf("51000")},
			seedCurrency: "BTC",
			lockCurrency: "BTC",
			lockAmount:   "0.5",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.exchange.ticker = dec("50000")
			customer := uuid.New()
			h.store.setSpot(customer, tc.seedCurrency, dec("1000"), decimal.Zero)

			tc.req.CustomerID = customer
			order, err := h.spot.PlaceOrder(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, domain.SpotOrderOpen, order.Status)
			assert.Equal(t, tc.lockCurrency, order.LockedCurrency)
			assert.True(t, order.LockedAmount.Equal(dec(tc.lockAmount)), "got %s", order.LockedAmount)
			require.NotNil(t, order.ExternalOrderID)
			assert.Equal(t, "ex-"+order.ClientOrderID, *order.ExternalOrderID)
			assertSpot(t, h, customer, tc.lockCurrency, dec("1000").Sub(dec(tc.lockAmount)).String(), tc.lockAmount)

			imbalances, err := NewReconciliationService(h.store).Run(context.Background())
			require.NoError(t, err)
			assert.Zero(t, imbalances)
		})
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	cases := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{name: "instrument", req: PlaceOrderRequest{Instrument: "BTCUSDT", Side: "buy", Type: "market", Size: dec("1")}},
		{name: "side", req: PlaceOrderRequest{Instrument: "BTC-USDT", Side: "hold", Type: "market", Size: dec("1")}},
		{name: "size", req: PlaceOrderRequest{Instrument: "BTC-USDT", Side: "buy", Type: "market", Size: dec("0")}},
		{name: "limit without price", req: PlaceOrderRequest{Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("1")}},
		{name: "type", req: PlaceOrderRequest{Instrument: "BTC-USDT", Side: "buy", Type: "stop", Size: dec("1")}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.spot.PlaceOrder(context.Background(), tc.req)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Empty(t, h.exchange.placed)
		})
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("100"), decimal.Zero)

	_, err := h.spot.PlaceOrder(context.Background(), PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assertSpot(t, h, customer, "USDT", "100", "0")
	assert.Empty(t, h.exchange.placed)
}

func TestPlaceOrderRejectedRestoresAvailable(t *testing.T) {
	h := newHarness(t)
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("1000"), decimal.Zero)
	h.exchange.placeErr = errors.New("51008: order amount exceeds balance")

	order, err := h.spot.PlaceOrder(context.Background(), PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.ErrorIs(t, err, domain.ErrExternal)
	require.NotNil(t, order)
	assert.Equal(t, domain.SpotOrderFailed, order.Status)
	assert.True(t, order.LockedRemaining.IsZero())
	assertSpot(t, h, customer, "USDT", "1000", "0")

	stored, err := h.spot.GetOrder(context.Background(), customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

func TestSettleOrderPartialThenFilled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("1000"), decimal.Zero)

	order, err := h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.NoError(t, err)

	h.exchange.setFills(gateway.OrderStatePartiallyFilled,
		gateway.Fill{Size: dec("0.004"), Price: dec("50000"), Fee: dec("-0.000004"), FeeCurrency: "BTC"})

	settled, err := h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderPartial, settled.Status)
	assertSpot(t, h, customer, "USDT", "499.5", "300.5")
	assertSpot(t, h, customer, "BTC", "0.003996", "0")

	// Unchanged fills settle to the same balances.
	settled, err = h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderPartial, settled.Status)
	assertSpot(t, h, customer, "USDT", "499.5", "300.5")
	assertSpot(t, h, customer, "BTC", "0.003996", "0")

	h.exchange.setFills(gateway.OrderStateFilled,
		gateway.Fill{Size: dec("0.004"), Price: dec("50000"), Fee: dec("-0.000004"), FeeCurrency: "BTC"},
		gateway.Fill{Size: dec("0.006"), Price: dec("49900"), Fee: dec("-0.000006"), FeeCurrency: "BTC"})

	settled, err = h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderFilled, settled.Status)
	assert.True(t, settled.LockedRemaining.IsZero())
	assert.True(t, settled.FilledQuote.Equal(dec("499.4")))
	assert.True(t, settled.AvgPrice.Equal(dec("49940")), "got %s", settled.AvgPrice)
	assertSpot(t, h, customer, "USDT", "500.6", "0")
	assertSpot(t, h, customer, "BTC", "0.00999", "0")

	again, err := h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderFilled, again.Status)
	assertSpot(t, h, customer, "USDT", "500.6", "0")

	imbalances, err := NewReconciliationService(h.store).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, imbalances)
	assert.Contains(t, h.store.auditActions(order.ID), "spot_order_settled")
}

func TestSettleSellOrderFeeInQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	h.store.setSpot(customer, "BTC", dec("0.02"), decimal.Zero)

	order, err := h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "sell", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.NoError(t, err)

	h.exchange.setFills(gateway.OrderStateFilled,
		gateway.Fill{Size: dec("0.01"), Price: dec("50000"), Fee: dec("-0.5"), FeeCurrency: "USDT"})

	settled, err := h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderFilled, settled.Status)
	assertSpot(t, h, customer, "BTC", "0.01", "0")
	assertSpot(t, h, customer, "USDT", "499.5", "0")
}

func TestCancelOrderReleasesLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("1000"), decimal.Zero)

	order, err := h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.NoError(t, err)

	_, err = h.spot.CancelOrder(ctx, uuid.New(), order.ID)
	require.ErrorIs(t, err, ErrOrderNotFound)

	canceled, err := h.spot.CancelOrder(ctx, customer, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderCanceled, canceled.Status)
	assert.Equal(t, []string{*order.ExternalOrderID}, h.exchange.canceled)
	assertSpot(t, h, customer, "USDT", "1000", "0")
}

func TestReconcileOpenOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("2000"), decimal.Zero)

	for i := 0; i < 2; i++ {
		_, err := h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
		require.NoError(t, err)
	}
	h.exchange.setFills(gateway.OrderStateFilled, gateway.Fill{Size: dec("0.01"), Price: dec("50000"), FeeCurrency: "BTC"})

	settled, err := h.spot.ReconcileOpenOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)
	assertSpot(t, h, customer, "USDT", "1000", "0")
	assertSpot(t, h, customer, "BTC", "0.02", "0")

	orders, err := h.spot.ListOrders(ctx, repository.SpotOrderFilter{CustomerID: customer})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, domain.SpotOrderFilled, o.Status)
	}
}

func TestSettleOrderRecoversUnrecordedExchangeID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("1000"), decimal.Zero)

	order, err := h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.NoError(t, err)
	h.store.dropExternalOrderID(order.ID)
	h.exchange.setFills(gateway.OrderStateFilled, gateway.Fill{Size: dec("0.01"), Price: dec("50000"), FeeCurrency: "BTC"})

	settled, err := h.spot.ReconcileOpenOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	stored, err := h.spot.GetOrder(ctx, customer, order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExternalOrderID)
	assert.Equal(t, "ex-"+order.ClientOrderID, *stored.ExternalOrderID)
	assert.Equal(t, domain.SpotOrderFilled, stored.Status)
	assertSpot(t, h, customer, "USDT", "500", "0")
	assertSpot(t, h, customer, "BTC", "0.01", "0")
}

func TestSettleOrderFailsOrderUnknownToExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("1000"), decimal.Zero)

	order, err := h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.01"), Price: priceOf("50000")})
	require.NoError(t, err)
	h.store.dropExternalOrderID(order.ID)
	h.exchange.forgetOrder(order.ClientOrderID)

	// Within the grace period the order may still be in flight.
	pending, err := h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderOpen, pending.Status)
	assertSpot(t, h, customer, "USDT", "499.5", "500.5")

	_, err = h.spot.CancelOrder(ctx, customer, order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	h.spot.now = func() time.Time { return time.Now().Add(unsubmittedOrderGrace + time.Minute) }
	failed, err := h.spot.SettleOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SpotOrderFailed, failed.Status)
	assert.True(t, failed.LockedRemaining.IsZero())
	require.NotNil(t, failed.ErrorMessage)
	assertSpot(t, h, customer, "USDT", "1000", "0")
	assert.Contains(t, h.store.auditActions(order.ID), "spot_order_rejected")

	imbalances, err := NewReconciliationService(h.store).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, imbalances)
}

func TestSpotTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	w := h.custodialWallet(customer, dec("100"))

	_, err := h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: w.ID, Direction: "to_pro", Amount: dec("40")})
	require.NoError(t, err)
	assert.True(t, h.store.wallet(w.ID).Reserved.Equal(dec("40")))
	assertSpot(t, h, customer, "USDT", "40", "0")

	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: w.ID, Direction: "TO_PRO", Amount: dec("61")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: w.ID, Direction: "TO_WALLET", Amount: dec("50")})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: w.ID, Direction: "TO_WALLET", Amount: dec("15")})
	require.NoError(t, err)
	assert.True(t, h.store.wallet(w.ID).Reserved.Equal(dec("25")))
	assertSpot(t, h, customer, "USDT", "25", "0")

	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: w.ID, Direction: "SIDEWAYS", Amount: dec("1")})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: uuid.New(), WalletID: w.ID, Direction: "TO_PRO", Amount: dec("1")})
	require.ErrorIs(t, err, ErrWalletNotFound)

	balances, err := h.spot.Balances(ctx, customer)
	require.NoError(t, err)
	require.Len(t, balances, 1)
}

func TestSpotTransferWithdrawsTradedFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	customer := uuid.New()
	usdt := h.custodialWallet(customer, dec("100"))
	btc := h.store.putWallet(models.Wallet{
		CustomerID:          customer,
		Network:             domain.NetworkBitcoin,
		Currency:            domain.CurrencyBTC,
		Address:             "bc1qcustomer",
		IsMain:              true,
		ExchangeWhitelisted: true,
	})
	h.exchange.withdrawFee = dec("0.0001")

	_, err := h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: usdt.ID, Direction: "TO_PRO", Amount: dec("100")})
	require.NoError(t, err)
	_, err = h.spot.PlaceOrder(ctx, PlaceOrderRequest{CustomerID: customer, Instrument: "BTC-USDT", Side: "buy", Type: "limit", Size: dec("0.001"), Price: priceOf("50000")})
	require.NoError(t, err)
	h.exchange.setFills(gateway.OrderStateFilled, gateway.Fill{Size: dec("0.001"), Price: dec("50000"), FeeCurrency: "BTC"})
	_, err = h.spot.ReconcileOpenOrders(ctx, 10)
	require.NoError(t, err)
	assertSpot(t, h, customer, "BTC", "0.001", "0")
	assertSpot(t, h, customer, "USDT", "50", "0")

	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: btc.ID, Direction: "TO_WALLET", Amount: dec("0.0001")})
	require.ErrorIs(t, err, domain.ErrInvalidInput, "amount must exceed the network fee")

	h.exchange.withdrawErr = fmt.Errorf("%w: okx code 58207", gateway.ErrAddressNotWhitelisted)
	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: btc.ID, Direction: "TO_WALLET", Amount: dec("0.001")})
	require.ErrorIs(t, err, gateway.ErrAddressNotWhitelisted)
	assertSpot(t, h, customer, "BTC", "0.001", "0")
	assert.False(t, h.store.wallet(btc.ID).ExchangeWhitelisted)

	h.exchange.withdrawErr = nil
	transfer, err := h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: btc.ID, Direction: "TO_WALLET", Amount: dec("0.001")})
	require.NoError(t, err)
	require.NotNil(t, transfer.WithdrawalID)
	assert.Equal(t, "wd-"+compactID(transfer.ID), *transfer.WithdrawalID)
	assert.True(t, transfer.NetworkFee.Equal(dec("0.0001")))
	assertSpot(t, h, customer, "BTC", "0", "0")

	sent := h.exchange.withdrawals[len(h.exchange.withdrawals)-1]
	assert.Equal(t, "bc1qcustomer", sent.Address)
	assert.Equal(t, domain.NetworkBitcoin, sent.Network)
	assert.True(t, sent.Amount.Equal(dec("0.0009")))
	assert.Contains(t, h.store.auditActions(transfer.ID), "spot_withdrawal_requested")

	// The unspent quote still returns by releasing the reservation.
	_, err = h.spot.Transfer(ctx, SpotTransferRequest{CustomerID: customer, WalletID: usdt.ID, Direction: "TO_WALLET", Amount: dec("50")})
	require.NoError(t, err)
	assert.True(t, h.store.wallet(usdt.ID).Reserved.Equal(dec("50")))
	assertSpot(t, h, customer, "USDT", "0", "0")
}

func TestReconciliationDetectsLockImbalance(t *testing.T) {
	h := newHarness(t)
	customer := uuid.New()
	h.store.setSpot(customer, "USDT", dec("10"), dec("5"))

	imbalances, err := NewReconciliationService(h.store).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, imbalances)
}
