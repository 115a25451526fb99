package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Account is the subset of a TronGrid account record the builder reads.
type Account struct {
	Address string              `json:"address"`
	Balance int64               `json:"balance"`
	TRC20   []map[string]string `json:"trc20"`
}

// TokenUnits returns the raw TRC20 balance held for contract.
func (a Account) TokenUnits(contract string) *big.Int {
	for _, entry := range a.TRC20 {
		if raw, ok := entry[contract]; ok {
			n, ok := new(big.Int).SetString(raw, 10)
			if ok {
				return n
			}
		}
	}
	return big.NewInt(0)
}

// AccountSource reads account state.
type AccountSource interface {
	Account(ctx context.Context, address string) (Account, error)
}

// GridClient reads accounts from the TronGrid v1 HTTP API.
type GridClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGridClient(baseURL, apiKey string) *GridClient {
	return &GridClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Account returns the account, or a zero account when it has never been activated.
func (c *GridClient) Account(ctx context.Context, address string) (Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/accounts/"+address, nil)
	if err != nil {
		return Account{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Account{}, fmt.Errorf("get account: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		Success bool      `json:"success"`
		Data    []Account `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Account{}, fmt.Errorf("decode account: %w", err)
	}
	if len(out.Data) == 0 {
		return Account{Address: address}, nil
	}
	return out.Data[0], nil
}
