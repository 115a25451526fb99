package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UTXO is an unspent output as reported by an esplora API.
type UTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

type chainStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type addressInfo struct {
	ChainStats   chainStats `json:"chain_stats"`
	MempoolStats chainStats `json:"mempool_stats"`
}

// Source is the chain data the builder needs.
type Source interface {
	UTXOs(ctx context.Context, address string) ([]UTXO, error)
	Balance(ctx context.Context, address string) (int64, error)
	FeeRate(ctx context.Context) (int64, error)
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// EsploraClient talks to a Blockstream/mempool.space compatible REST API.
type EsploraClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewEsploraClient(baseURL string) *EsploraClient {
	return &EsploraClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *EsploraClient) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var utxos []UTXO
	if err := c.getJSON(ctx, "/address/"+address+"/utxo", &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// Balance returns funded minus spent across confirmed and mempool outputs.
func (c *EsploraClient) Balance(ctx context.Context, address string) (int64, error) {
	var info addressInfo
	if err := c.getJSON(ctx, "/address/"+address, &info); err != nil {
		return 0, err
	}
	confirmed := info.ChainStats.FundedTxoSum - info.ChainStats.SpentTxoSum
	pending := info.MempoolStats.FundedTxoSum - info.MempoolStats.SpentTxoSum
	return confirmed + pending, nil
}

// FeeRate returns the sat/vB estimate for confirmation within six blocks.
func (c *EsploraClient) FeeRate(ctx context.Context) (int64, error) {
	var estimates map[string]float64
	if err := c.getJSON(ctx, "/fee-estimates", &estimates); err != nil {
		return 0, err
	}
	rate := int64(estimates["6"] + 0.5)
	if rate < minFeeRate {
		rate = minFeeRate
	}
	return rate, nil
}

func (c *EsploraClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", bytes.NewBufferString(rawHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("broadcast: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *EsploraClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
