// Package okx implements the exchange collaborator against the OKX v5 REST API.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// BaseURL is the production OKX endpoint.
	BaseURL = "https://www.okx.com"

	codeAddressNotWhitelisted = "58207"
	codeOrderNotExist         = "51603"
	rateWindow                = 2 * time.Second
	defaultRateLimit          = 20
)

// ClientConfig holds configuration for creating a new Client.
type ClientConfig struct {
	APIKey     string
	APISecret  string
	Passphrase string
	// Simulated routes requests to the demo trading environment.
	Simulated bool
	// RateLimit is the maximum requests per two seconds.
	RateLimit int
	// SellPollAttempts bounds how often a market sell is polled for its fill.
	SellPollAttempts int
	SellPollInterval time.Duration
	Logger           *zap.Logger
}

// Client is an HTTP client for the OKX v5 API. It signs private calls and
// enforces a client-side request budget.
type Client struct {
	apiKey     string
	apiSecret  string
	passphrase string
	simulated  bool
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	sellAttempts int
	sellInterval time.Duration

	requestCount atomic.Int64
	rateLimitMu  sync.Mutex
	windowStart  time.Time
	rateLimit    int64

	now func() time.Time
}

var _ gateway.Exchange = (*Client)(nil)

// NewClient creates a client for the production endpoint.
func NewClient(cfg ClientConfig) *Client {
	return NewClientWithBaseURL(BaseURL, cfg)
}

// NewClientWithBaseURL creates a client with a custom base URL, used by tests
// and regional endpoints.
func NewClientWithBaseURL(baseURL string, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rateLimit := int64(defaultRateLimit)
	if cfg.RateLimit > 0 {
		rateLimit = int64(cfg.RateLimit)
	}
	attempts := cfg.SellPollAttempts
	if attempts <= 0 {
		attempts = 3
	}
	interval := cfg.SellPollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Client{
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		passphrase:   cfg.Passphrase,
		simulated:    cfg.Simulated,
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		sellAttempts: attempts,
		sellInterval: interval,
		windowStart:  time.Now(),
		rateLimit:    rateLimit,
		now:          time.Now,
	}
}

// APIError is a non-zero OKX response code.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx api error %s: %s", e.Code, e.Message)
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign returns base64(HMAC-SHA256(secret, timestamp + method + requestPath + body)).
func (c *Client) sign(timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, signed bool, out any) error {
	if err := c.checkRateLimit(); err != nil {
		return err
	}

	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var body string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal json: %w", err)
		}
		body = string(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}
	if signed {
		ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
		req.Header.Set("OK-ACCESS-KEY", c.apiKey)
		req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, body))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	}

	c.logger.Debug("sending request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Bool("signed", signed))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	c.requestCount.Add(1)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: strings.TrimSpace(string(respBody))}
		}
		return fmt.Errorf("parse response: %w", err)
	}
	if env.Code != "0" {
		// batch-style endpoints carry per-item sCode/sMsg even on failure
		if out != nil && len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, out)
		}
		return c.parseError(env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("parse data: %w", err)
	}
	return nil
}

func (c *Client) parseError(code, message string) error {
	c.logger.Warn("api error", zap.String("code", code), zap.String("message", message))
	apiErr := &APIError{Code: code, Message: message}
	switch code {
	case codeAddressNotWhitelisted:
		return fmt.Errorf("%w: %w", gateway.ErrAddressNotWhitelisted, apiErr)
	case codeOrderNotExist:
		return fmt.Errorf("%w: %w", gateway.ErrOrderNotFound, apiErr)
	}
	return apiErr
}

func (c *Client) checkRateLimit() error {
	c.rateLimitMu.Lock()
	defer c.rateLimitMu.Unlock()

	if time.Since(c.windowStart) > rateWindow {
		c.requestCount.Store(0)
		c.windowStart = time.Now()
	}
	if c.requestCount.Load() >= c.rateLimit {
		return fmt.Errorf("rate limit exceeded: %d/%d per %s", c.requestCount.Load(), c.rateLimit, rateWindow)
	}
	return nil
}

// RequestCount returns the number of requests sent in the current window.
func (c *Client) RequestCount() int64 {
	return c.requestCount.Load()
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (c *Client) placeOrder(ctx context.Context, body map[string]string) (string, error) {
	var acks []orderAck
	err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", nil, body, true, &acks)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(acks) > 0 {
			return "", fmt.Errorf("%w: %s", gateway.ErrOrderRejected, acks[0].SMsg)
		}
		return "", err
	}
	if len(acks) == 0 {
		return "", fmt.Errorf("%w: empty acknowledgement", gateway.ErrOrderRejected)
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return "", fmt.Errorf("%w: %s %s", gateway.ErrOrderRejected, acks[0].SCode, acks[0].SMsg)
	}
	return acks[0].OrdID, nil
}

// MarketBuy spends quoteAmount of the quote currency.
func (c *Client) MarketBuy(ctx context.Context, clientOrderID, instrument string, quoteAmount decimal.Decimal) (string, error) {
	return c.placeOrder(ctx, map[string]string{
		"instId":  instrument,
		"tdMode":  "cash",
		"clOrdId": clientOrderID,
		"side":    "buy",
		"ordType": "market",
		"sz":      quoteAmount.String(),
		"tgtCcy":  "quote_ccy",
	})
}

// MarketSell sells baseAmount and waits for the fill to report net proceeds in the quote currency.
func (c *Client) MarketSell(ctx context.Context, clientOrderID, instrument string, baseAmount decimal.Decimal) (gateway.MarketSellResult, error) {
	ordID, err := c.placeOrder(ctx, map[string]string{
		"instId":  instrument,
		"tdMode":  "cash",
		"clOrdId": clientOrderID,
		"side":    "sell",
		"ordType": "market",
		"sz":      baseAmount.String(),
		"tgtCcy":  "base_ccy",
	})
	if err != nil {
		return gateway.MarketSellResult{}, err
	}

	_, quote := splitInstrument(instrument)
	var detail orderDetail
	for attempt := 1; attempt <= c.sellAttempts; attempt++ {
		detail, err = c.orderDetail(ctx, instrument, ordID)
		if err == nil && (detail.State == gateway.OrderStateFilled || detail.State == gateway.OrderStateCanceled) {
			break
		}
		if attempt == c.sellAttempts {
			break
		}
		select {
		case <-time.After(c.sellInterval):
		case <-ctx.Done():
			return gateway.MarketSellResult{}, ctx.Err()
		}
	}
	if err != nil {
		return gateway.MarketSellResult{OrderID: ordID}, err
	}
	if detail.State != gateway.OrderStateFilled {
		return gateway.MarketSellResult{OrderID: ordID}, fmt.Errorf("market sell %s not filled (state %q)", ordID, detail.State)
	}

	gross := detail.AccFillSz.Mul(detail.AvgPx)
	fee := detail.Fee.Abs()
	proceeds := gross
	if strings.EqualFold(detail.FeeCcy, quote) {
		proceeds = gross.Sub(fee)
	}
	return gateway.MarketSellResult{OrderID: ordID, Proceeds: proceeds, Fee: fee}, nil
}

// PlaceOrder submits a spot order sized in the base currency.
func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (string, error) {
	body := map[string]string{
		"instId":  req.Instrument,
		"tdMode":  "cash",
		"clOrdId": req.ClientOrderID,
		"side":    req.Side,
		"ordType": req.Type,
		"sz":      req.Size.String(),
	}
	if req.Type == "market" {
		body["tgtCcy"] = "base_ccy"
	}
	if req.Price != nil {
		body["px"] = req.Price.String()
	}
	return c.placeOrder(ctx, body)
}

type orderDetail struct {
	State     string          `json:"state"`
	AccFillSz decimal.Decimal `json:"accFillSz"`
	AvgPx     decimal.Decimal `json:"avgPx"`
	Fee       decimal.Decimal `json:"fee"`
	FeeCcy    string          `json:"feeCcy"`
}

func (c *Client) orderDetail(ctx context.Context, instrument, orderID string) (orderDetail, error) {
	var rows []struct {
		State     string `json:"state"`
		AccFillSz string `json:"accFillSz"`
		AvgPx     string `json:"avgPx"`
		Fee       string `json:"fee"`
		FeeCcy    string `json:"feeCcy"`
	}
	q := url.Values{"instId": {instrument}, "ordId": {orderID}}
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, true, &rows); err != nil {
		return orderDetail{}, err
	}
	if len(rows) == 0 {
		return orderDetail{}, fmt.Errorf("order %s not found", orderID)
	}
	r := rows[0]
	return orderDetail{
		State:     r.State,
		AccFillSz: parseDecimal(r.AccFillSz),
		AvgPx:     parseDecimal(r.AvgPx),
		Fee:       parseDecimal(r.Fee),
		FeeCcy:    r.FeeCcy,
	}, nil
}

func (c *Client) GetOrderState(ctx context.Context, instrument, orderID string) (gateway.OrderState, error) {
	d, err := c.orderDetail(ctx, instrument, orderID)
	if err != nil {
		return gateway.OrderState{}, err
	}
	return gateway.OrderState{State: d.State, FilledSize: d.AccFillSz, AvgPrice: d.AvgPx}, nil
}

// FindOrderByClientID resolves an order submitted with clOrdId when its ordId
// was never recorded.
func (c *Client) FindOrderByClientID(ctx context.Context, instrument, clientOrderID string) (string, error) {
	var rows []struct {
		OrdID string `json:"ordId"`
	}
	q := url.Values{"instId": {instrument}, "clOrdId": {clientOrderID}}
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/order", q, nil, true, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].OrdID == "" {
		return "", gateway.ErrOrderNotFound
	}
	return rows[0].OrdID, nil
}

// GetFills returns the order's executions. Fees are reported as positive amounts.
func (c *Client) GetFills(ctx context.Context, instrument, orderID string) ([]gateway.Fill, error) {
	var rows []struct {
		FillSz string `json:"fillSz"`
		FillPx string `json:"fillPx"`
		Fee    string `json:"fee"`
		FeeCcy string `json:"feeCcy"`
	}
	q := url.Values{"instType": {"SPOT"}, "instId": {instrument}, "ordId": {orderID}}
	if err := c.do(ctx, http.MethodGet, "/api/v5/trade/fills", q, nil, true, &rows); err != nil {
		return nil, err
	}
	fills := make([]gateway.Fill, 0, len(rows))
	for _, r := range rows {
		fills = append(fills, gateway.Fill{
			Size:        parseDecimal(r.FillSz),
			Price:       parseDecimal(r.FillPx),
			Fee:         parseDecimal(r.Fee).Abs(),
			FeeCurrency: r.FeeCcy,
		})
	}
	return fills, nil
}

func (c *Client) CancelOrder(ctx context.Context, instrument, orderID string) error {
	var acks []orderAck
	body := map[string]string{"instId": instrument, "ordId": orderID}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body, true, &acks); err != nil {
		return err
	}
	if len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		return &APIError{Code: acks[0].SCode, Message: acks[0].SMsg}
	}
	return nil
}

func (c *Client) GetTicker(ctx context.Context, instrument string) (decimal.Decimal, error) {
	var rows []struct {
		Last string `json:"last"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/market/ticker", url.Values{"instId": {instrument}}, nil, false, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("no ticker for %s", instrument)
	}
	last, err := decimal.NewFromString(rows[0].Last)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker: %w", err)
	}
	return last, nil
}

// Withdraw sends an on-chain withdrawal. ClientID makes retries idempotent on the exchange side.
func (c *Client) Withdraw(ctx context.Context, req gateway.WithdrawalRequest) (string, error) {
	var rows []struct {
		WdID     string `json:"wdId"`
		ClientID string `json:"clientId"`
	}
	body := map[string]string{
		"ccy":      req.Currency,
		"amt":      req.Amount.String(),
		"dest":     "4",
		"toAddr":   req.Address,
		"chain":    ChainName(req.Currency, req.Network),
		"fee":      req.Fee.String(),
		"clientId": req.ClientID,
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/asset/withdrawal", nil, body, true, &rows); err != nil {
		return "", err
	}
	if len(rows) == 0 || rows[0].WdID == "" {
		return "", errors.New("withdrawal accepted without id")
	}
	return rows[0].WdID, nil
}

// WithdrawalFee returns the minimum on-chain fee for currency on network.
func (c *Client) WithdrawalFee(ctx context.Context, currency string, network domain.Network) (decimal.Decimal, error) {
	var rows []struct {
		Ccy    string `json:"ccy"`
		Chain  string `json:"chain"`
		MinFee string `json:"minFee"`
		Fee    string `json:"fee"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/asset/currencies", url.Values{"ccy": {currency}}, nil, true, &rows); err != nil {
		return decimal.Zero, err
	}
	want := ChainName(currency, network)
	for _, r := range rows {
		if r.Chain != want {
			continue
		}
		if r.MinFee != "" {
			return parseDecimal(r.MinFee), nil
		}
		return parseDecimal(r.Fee), nil
	}
	return decimal.Zero, fmt.Errorf("no withdrawal chain %s for %s", want, currency)
}

func (c *Client) GetDepositAddress(ctx context.Context, currency string, network domain.Network) (string, error) {
	var rows []struct {
		Chain string `json:"chain"`
		Addr  string `json:"addr"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/asset/deposit-address", url.Values{"ccy": {currency}}, nil, true, &rows); err != nil {
		return "", err
	}
	want := ChainName(currency, network)
	for _, r := range rows {
		if r.Chain == want {
			return r.Addr, nil
		}
	}
	return "", fmt.Errorf("no deposit address on %s for %s", want, currency)
}

func (c *Client) ListRecentDeposits(ctx context.Context, currency string) ([]gateway.Deposit, error) {
	var rows []struct {
		Ccy   string `json:"ccy"`
		Chain string `json:"chain"`
		Amt   string `json:"amt"`
		TxID  string `json:"txId"`
		DepID string `json:"depId"`
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v5/asset/deposit-history", url.Values{"ccy": {currency}}, nil, true, &rows); err != nil {
		return nil, err
	}
	out := make([]gateway.Deposit, 0, len(rows))
	for _, r := range rows {
		out = append(out, gateway.Deposit{
			DepositID: r.DepID,
			TxHash:    r.TxID,
			Currency:  r.Ccy,
			Network:   networkFromChain(r.Chain),
			Amount:    parseDecimal(r.Amt),
			State:     depositState(r.State),
		})
	}
	return out, nil
}

// ChainName maps a currency and network to the exchange's chain identifier.
func ChainName(currency string, network domain.Network) string {
	switch network {
	case domain.NetworkBitcoin:
		return currency + "-Bitcoin"
	case domain.NetworkEthereum:
		return currency + "-ERC20"
	case domain.NetworkTron:
		return currency + "-TRC20"
	case domain.NetworkSolana:
		return currency + "-Solana"
	}
	return currency
}

func networkFromChain(chain string) domain.Network {
	_, suffix, _ := strings.Cut(chain, "-")
	switch suffix {
	case "Bitcoin":
		return domain.NetworkBitcoin
	case "ERC20":
		return domain.NetworkEthereum
	case "TRC20":
		return domain.NetworkTron
	case "Solana":
		return domain.NetworkSolana
	}
	return ""
}

func depositState(s string) string {
	switch s {
	case "2":
		return gateway.DepositStateCredited
	case "0", "1", "8", "11", "12", "13", "14", "17":
		return gateway.DepositStatePending
	default:
		return gateway.DepositStateFailed
	}
}

func splitInstrument(instrument string) (string, string) {
	base, quote, _ := strings.Cut(instrument, "-")
	return base, quote
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
