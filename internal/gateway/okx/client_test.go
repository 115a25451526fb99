package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL(srv.URL, ClientConfig{
		APIKey:           "key",
		APISecret:        "secret",
		Passphrase:       "pass",
		SellPollAttempts: 3,
		SellPollInterval: time.Millisecond,
	})
}

func writeEnvelope(w http.ResponseWriter, code string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": "", "data": data})
}

func TestClient_SignsPrivateRequests(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("OK-ACCESS-TIMESTAMP")
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(ts + r.Method + r.URL.RequestURI() + string(body)))
		want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

		assert.Equal(t, "key", r.Header.Get("OK-ACCESS-KEY"))
		assert.Equal(t, "pass", r.Header.Get("OK-ACCESS-PASSPHRASE"))
		assert.Equal(t, want, r.Header.Get("OK-ACCESS-SIGN"))

		var payload map[string]string
		require.NoError(t, json.Unmarshal(body, &payload))
		assert.Equal(t, "quote_ccy", payload["tgtCcy"])
		assert.Equal(t, "buy", payload["side"])
		assert.Equal(t, "250", payload["sz"])
		writeEnvelope(w, "0", []map[string]string{{"ordId": "9001", "sCode": "0"}})
	})

	id, err := client.MarketBuy(context.Background(), "conv1", "USDT-BRL", decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.Equal(t, "9001", id)
}

func TestClient_OrderRejected(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "1", []map[string]string{{"ordId": "", "sCode": "51008", "sMsg": "insufficient balance"}})
	})

	_, err := client.MarketBuy(context.Background(), "conv1", "USDT-BRL", decimal.NewFromInt(1))
	require.ErrorIs(t, err, gateway.ErrOrderRejected)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestClient_MarketSellPollsUntilFilled(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v5/trade/order":
			writeEnvelope(w, "0", []map[string]string{{"ordId": "77", "sCode": "0"}})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v5/trade/order":
			state := "live"
			if polls.Add(1) > 1 {
				state = "filled"
			}
			writeEnvelope(w, "0", []map[string]string{{
				"state": state, "accFillSz": "100", "avgPx": "5.20", "fee": "-0.52", "feeCcy": "BRL",
			}})
		default:
			http.NotFound(w, r)
		}
	})

	res, err := client.MarketSell(context.Background(), "conv2", "USDT-BRL", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, "77", res.OrderID)
	assert.Equal(t, int32(2), polls.Load())
	assert.True(t, res.Proceeds.Equal(decimal.RequireFromString("519.48")), res.Proceeds.String())
	assert.True(t, res.Fee.Equal(decimal.RequireFromString("0.52")))
}

func TestClient_MarketSellNeverFilled(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeEnvelope(w, "0", []map[string]string{{"ordId": "78", "sCode": "0"}})
			return
		}
		writeEnvelope(w, "0", []map[string]string{{"state": "live", "accFillSz": "0", "avgPx": "", "fee": "0", "feeCcy": "BRL"}})
	})

	res, err := client.MarketSell(context.Background(), "conv3", "USDT-BRL", decimal.NewFromInt(100))
	require.Error(t, err)
	assert.Equal(t, "78", res.OrderID)
}

func TestClient_GetFills(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/trade/fills", r.URL.Path)
		assert.Equal(t, "SPOT", r.URL.Query().Get("instType"))
		assert.Equal(t, "55", r.URL.Query().Get("ordId"))
		writeEnvelope(w, "0", []map[string]string{
			{"fillSz": "30", "fillPx": "5.10", "fee": "-0.03", "feeCcy": "USDT"},
			{"fillSz": "18.9", "fillPx": "5.11", "fee": "-0.0189", "feeCcy": "USDT"},
		})
	})

	fills, err := client.GetFills(context.Background(), "USDT-BRL", "55")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.True(t, fills[0].Fee.Equal(decimal.RequireFromString("0.03")))
	assert.Equal(t, "USDT", fills[1].FeeCurrency)
	assert.True(t, fills[1].Size.Equal(decimal.RequireFromString("18.9")))
}

func TestClient_FindOrderByClientID(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/trade/order", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("ordId"))
		switch r.URL.Query().Get("clOrdId") {
		case "known":
			writeEnvelope(w, "0", []map[string]string{{"ordId": "777", "clOrdId": "known", "state": "live"}})
		default:
			writeEnvelope(w, "51603", []any{})
		}
	})

	id, err := client.FindOrderByClientID(context.Background(), "BTC-USDT", "known")
	require.NoError(t, err)
	assert.Equal(t, "777", id)

	_, err = client.FindOrderByClientID(context.Background(), "BTC-USDT", "missing")
	require.ErrorIs(t, err, gateway.ErrOrderNotFound)
}

func TestClient_WithdrawNotWhitelisted(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "USDT-TRC20", payload["chain"])
		assert.Equal(t, "4", payload["dest"])
		writeEnvelope(w, "58207", []any{})
	})

	_, err := client.Withdraw(context.Background(), gateway.WithdrawalRequest{
		ClientID: "c1",
		Currency: "USDT",
		Amount:   decimal.NewFromInt(50),
		Address:  "TXYZ",
		Network:  domain.NetworkTron,
		Fee:      decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, gateway.ErrAddressNotWhitelisted)
	require.ErrorIs(t, err, domain.ErrExternal)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "58207", apiErr.Code)
}

func TestClient_WithdrawalFeeAndDepositAddress(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/asset/currencies":
			writeEnvelope(w, "0", []map[string]string{
				{"ccy": "USDT", "chain": "USDT-ERC20", "minFee": "3.2"},
				{"ccy": "USDT", "chain": "USDT-Solana", "fee": "1"},
			})
		case "/api/v5/asset/deposit-address":
			writeEnvelope(w, "0", []map[string]string{
				{"chain": "USDT-TRC20", "addr": "TAddr"},
				{"chain": "USDT-ERC20", "addr": "0xabc"},
			})
		}
	})

	fee, err := client.WithdrawalFee(context.Background(), "USDT", domain.NetworkEthereum)
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.RequireFromString("3.2")))

	fee, err = client.WithdrawalFee(context.Background(), "USDT", domain.NetworkSolana)
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.NewFromInt(1)))

	_, err = client.WithdrawalFee(context.Background(), "USDT", domain.NetworkBitcoin)
	require.Error(t, err)

	addr, err := client.GetDepositAddress(context.Background(), "USDT", domain.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", addr)
}

func TestClient_ListRecentDeposits(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "0", []map[string]string{
			{"ccy": "USDT", "chain": "USDT-TRC20", "amt": "10", "txId": "h1", "depId": "d1", "state": "2"},
			{"ccy": "USDT", "chain": "USDT-TRC20", "amt": "5", "txId": "h2", "depId": "d2", "state": "0"},
			{"ccy": "USDT", "chain": "USDT-TRC20", "amt": "5", "txId": "h3", "depId": "d3", "state": "7"},
		})
	})

	deps, err := client.ListRecentDeposits(context.Background(), "USDT")
	require.NoError(t, err)
	require.Len(t, deps, 3)
	assert.Equal(t, gateway.DepositStateCredited, deps[0].State)
	assert.Equal(t, gateway.DepositStatePending, deps[1].State)
	assert.Equal(t, gateway.DepositStateFailed, deps[2].State)
	assert.Equal(t, "h1", deps[0].TxHash)
	assert.Equal(t, domain.NetworkTron, deps[0].Network)
}

func TestClient_TickerIsUnsigned(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("OK-ACCESS-SIGN"))
		writeEnvelope(w, "0", []map[string]string{{"last": "5.432"}})
	})

	last, err := client.GetTicker(context.Background(), "USDT-BRL")
	require.NoError(t, err)
	assert.True(t, last.Equal(decimal.RequireFromString("5.432")))
}

func TestClient_RateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "0", []map[string]string{{"last": "1"}})
	}))
	t.Cleanup(srv.Close)
	client := NewClientWithBaseURL(srv.URL, ClientConfig{RateLimit: 2})

	for i := 0; i < 2; i++ {
		_, err := client.GetTicker(context.Background(), "BTC-USDT")
		require.NoError(t, err)
	}
	_, err := client.GetTicker(context.Background(), "BTC-USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded")
}

func TestChainName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		currency string
		network  domain.Network
		want     string
	}{
		{"USDT", domain.NetworkTron, "USDT-TRC20"},
		{"USDT", domain.NetworkEthereum, "USDT-ERC20"},
		{"USDT", domain.NetworkSolana, "USDT-Solana"},
		{"BTC", domain.NetworkBitcoin, "BTC-Bitcoin"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, ChainName(tc.currency, tc.network))
		})
	}
}
