package tron

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
	"github.com/fbsobreira/gotron-sdk/pkg/client"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/api"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/core"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

const (
	decimals        = 6
	addressLength   = 34
	transferMethod  = "transfer(address,uint256)"
	defaultFeeLimit = 30_000_000

	// Bandwidth burned when the account has no free or staked bandwidth left.
	bandwidthPriceSun   = 1000
	resultOverheadBytes = 64
)

// Node is the subset of the gotron gRPC client the builder uses.
type Node interface {
	Transfer(from, to string, amount int64) (*api.TransactionExtention, error)
	TriggerContract(from, contractAddress, method, jsonString string, feeLimit, tAmount int64, tTokenID string, tTokenAmount int64) (*api.TransactionExtention, error)
	Broadcast(tx *core.Transaction) (*api.Return, error)
}

// Dial opens the gRPC connection to a full node.
func Dial(url, apiKey string) (*client.GrpcClient, error) {
	c := client.NewGrpcClient(url)
	if apiKey != "" {
		c.SetAPIKey(apiKey)
	}
	if err := c.Start(grpc.WithTransportCredentials(insecure.NewCredentials())); err != nil {
		return nil, fmt.Errorf("start tron grpc client: %w", err)
	}
	return c, nil
}

// Builder sends TRX and TRC20 tokens.
type Builder struct {
	node     Node
	accounts AccountSource
	feeLimit int64
	logger   *zap.Logger
}

var _ chain.Builder = (*Builder)(nil)

func NewBuilder(node Node, accounts AccountSource, feeLimit int64, logger *zap.Logger) *Builder {
	if feeLimit <= 0 {
		feeLimit = defaultFeeLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{node: node, accounts: accounts, feeLimit: feeLimit, logger: logger}
}

func (b *Builder) Network() domain.Network { return domain.NetworkTron }

func (b *Builder) GenerateKey() (chain.KeyPair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return chain.KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return chain.KeyPair{
		Address:    address.PubkeyToAddress(key.PublicKey).String(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}, nil
}

func (b *Builder) IsValidAddress(addr string) bool {
	if len(addr) != addressLength || !strings.HasPrefix(addr, "T") {
		return false
	}
	_, err := address.Base58ToAddress(addr)
	return err == nil
}

func (b *Builder) NativeBalance(ctx context.Context, addr string) (decimal.Decimal, error) {
	acct, err := b.accounts.Account(ctx, addr)
	if err != nil {
		return decimal.Zero, domain.External("tron account", err)
	}
	return decimal.New(acct.Balance, -decimals), nil
}

func (b *Builder) TokenBalance(ctx context.Context, addr, contract string) (decimal.Decimal, error) {
	acct, err := b.accounts.Account(ctx, addr)
	if err != nil {
		return decimal.Zero, domain.External("tron account", err)
	}
	return domain.FromBaseUnits(acct.TokenUnits(contract), decimals), nil
}

func (b *Builder) Send(ctx context.Context, req chain.SendRequest) (*chain.SendResult, error) {
	if err := chain.ValidateSend(b, req); err != nil {
		return nil, err
	}

	key, err := parseKey(req.PrivateKey)
	if err != nil {
		return nil, err
	}
	from := address.PubkeyToAddress(key.PublicKey).String()
	if req.From != "" && req.From != from {
		return nil, fmt.Errorf("%w: key does not match wallet address", domain.ErrKeyCustody)
	}

	units, err := chain.ToBaseUnits(req.Amount, req.Asset.Decimals)
	if err != nil {
		return nil, err
	}

	acct, err := b.accounts.Account(ctx, from)
	if err != nil {
		return nil, domain.External("tron account", err)
	}

	var ext *api.TransactionExtention
	fee := decimal.Zero
	if req.Asset.IsToken() {
		if acct.TokenUnits(req.Asset.Contract).Cmp(units) < 0 {
			return nil, fmt.Errorf("%w: token balance below %s", chain.ErrInsufficientBalance, req.Amount)
		}
		params := fmt.Sprintf(`[{"address":"%s"},{"uint256":"%s"}]`, req.To, units.String())
		ext, err = b.node.TriggerContract(from, req.Asset.Contract, transferMethod, params, b.feeLimit, 0, "", 0)
		fee = decimal.New(b.feeLimit, -decimals)
	} else {
		if !units.IsInt64() || acct.Balance < units.Int64() {
			return nil, fmt.Errorf("%w: balance %d sun < %s", chain.ErrInsufficientBalance, acct.Balance, units)
		}
		ext, err = b.node.Transfer(from, req.To, units.Int64())
	}
	if err != nil {
		return nil, domain.External("tron build transaction", err)
	}
	if ext == nil || ext.Transaction == nil {
		return nil, domain.External("tron build transaction", fmt.Errorf("node returned no transaction"))
	}
	if ext.Result != nil && ext.Result.Code != 0 {
		return nil, domain.External("tron build transaction", fmt.Errorf("%s", string(ext.Result.Message)))
	}

	txID, err := sign(ext.Transaction, key)
	if err != nil {
		return nil, err
	}
	if !req.Asset.IsToken() {
		fee = bandwidthFee(ext.Transaction)
	}
	if err := b.broadcast(ext.Transaction); err != nil {
		return nil, err
	}

	b.logger.Info("tron transaction broadcast",
		zap.String("tx_id", txID),
		zap.String("currency", req.Asset.Currency),
		zap.String("amount", req.Amount.String()),
	)

	// TRC20 energy is capped by the fee limit and TRX transfers may be covered
	// by free bandwidth, so both fees are upper bounds.
	return &chain.SendResult{TxID: txID, Fee: fee, FeeCurrency: domain.CurrencyTRX, FeeIsMax: true}, nil
}

// bandwidthFee is the TRX burned for a signed transaction when no bandwidth
// is available to cover it.
func bandwidthFee(tx *core.Transaction) decimal.Decimal {
	size := int64(proto.Size(tx)) + resultOverheadBytes
	return decimal.New(size*bandwidthPriceSun, -decimals)
}

// Broadcast relays a protobuf-encoded transaction signed outside the platform.
func (b *Builder) Broadcast(_ context.Context, rawTx string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(rawTx), "0x"))
	if err != nil {
		return "", domain.InvalidInput("raw transaction is not hex")
	}
	tx := &core.Transaction{}
	if err := proto.Unmarshal(raw, tx); err != nil || tx.RawData == nil || len(tx.Signature) == 0 {
		return "", domain.InvalidInput("raw transaction is not a signed tron transaction")
	}
	txID, err := transactionID(tx)
	if err != nil {
		return "", err
	}
	if err := b.broadcast(tx); err != nil {
		return "", err
	}
	return txID, nil
}

func (b *Builder) broadcast(tx *core.Transaction) error {
	res, err := b.node.Broadcast(tx)
	if err != nil {
		return domain.External("tron broadcast", err)
	}
	if res == nil || !res.Result {
		msg := "rejected"
		if res != nil {
			msg = string(res.Message)
		}
		return domain.External("tron broadcast", fmt.Errorf("%s", msg))
	}
	return nil
}

// sign attaches a secp256k1 signature over sha256(raw_data) and returns the tx id.
func sign(tx *core.Transaction, key *ecdsa.PrivateKey) (string, error) {
	raw, err := proto.Marshal(tx.RawData)
	if err != nil {
		return "", fmt.Errorf("marshal raw data: %w", err)
	}
	hash := sha256.Sum256(raw)
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", domain.ErrKeyCustody, err)
	}
	tx.Signature = append(tx.Signature, sig)
	return hex.EncodeToString(hash[:]), nil
}

func transactionID(tx *core.Transaction) (string, error) {
	raw, err := proto.Marshal(tx.RawData)
	if err != nil {
		return "", fmt.Errorf("marshal raw data: %w", err)
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:]), nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", domain.ErrKeyCustody)
	}
	return key, nil
}
