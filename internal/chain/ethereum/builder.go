package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const nativeDecimals = 18

// tokenDecimals is the precision of the supported stablecoin contract.
const tokenDecimals = 6

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var errNoBaseFee = errors.New("latest block has no base fee; EIP-1559 unavailable")

// Backend is the subset of ethclient.Client the builder uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return client, nil
}

// Builder sends ETH and ERC20 tokens with EIP-1559 transactions.
type Builder struct {
	backend Backend
	erc20   abi.ABI
	logger  *zap.Logger
}

var _ chain.Builder = (*Builder)(nil)

func NewBuilder(backend Backend, logger *zap.Logger) (*Builder, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{backend: backend, erc20: parsed, logger: logger}, nil
}

func (b *Builder) Network() domain.Network { return domain.NetworkEthereum }

func (b *Builder) GenerateKey() (chain.KeyPair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return chain.KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return chain.KeyPair{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key))[2:],
	}, nil
}

func (b *Builder) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func (b *Builder) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	wei, err := b.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return decimal.Zero, domain.External("ethereum balance", err)
	}
	return domain.FromBaseUnits(wei, nativeDecimals), nil
}

func (b *Builder) TokenBalance(ctx context.Context, address, contract string) (decimal.Decimal, error) {
	units, err := b.tokenUnits(ctx, common.HexToAddress(address), common.HexToAddress(contract))
	if err != nil {
		return decimal.Zero, err
	}
	return domain.FromBaseUnits(units, tokenDecimals), nil
}

func (b *Builder) tokenUnits(ctx context.Context, owner, contract common.Address) (*big.Int, error) {
	data, err := b.erc20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := b.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, domain.External("erc20 balanceOf", err)
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	values, err := b.erc20.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, domain.External("erc20 balanceOf", fmt.Errorf("unpack: %v", err))
	}
	bal, ok := values[0].(*big.Int)
	if !ok || bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

// feeData mirrors the JSON-RPC getFeeData convention: maxFee = 2*baseFee + tip.
func (b *Builder) feeData(ctx context.Context) (tip, maxFee *big.Int, err error) {
	tip, err = b.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, domain.External("ethereum gas tip", err)
	}
	head, err := b.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, domain.External("ethereum latest header", err)
	}
	if head.BaseFee == nil {
		return nil, nil, domain.External("ethereum fee data", errNoBaseFee)
	}
	maxFee = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return tip, maxFee, nil
}

func (b *Builder) Send(ctx context.Context, req chain.SendRequest) (*chain.SendResult, error) {
	if err := chain.ValidateSend(b, req); err != nil {
		return nil, err
	}

	key, err := parseKey(req.PrivateKey)
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	if req.From != "" && !strings.EqualFold(req.From, from.Hex()) {
		return nil, fmt.Errorf("%w: key does not match wallet address", domain.ErrKeyCustody)
	}
	to := common.HexToAddress(req.To)

	amount, err := chain.ToBaseUnits(req.Amount, req.Asset.Decimals)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: from}
	if req.Asset.IsToken() {
		contract := common.HexToAddress(req.Asset.Contract)
		data, err := b.erc20.Pack("transfer", to, amount)
		if err != nil {
			return nil, fmt.Errorf("pack transfer: %w", err)
		}
		msg.To = &contract
		msg.Value = big.NewInt(0)
		msg.Data = data
	} else {
		msg.To = &to
		msg.Value = amount
	}

	tip, maxFee, err := b.feeData(ctx)
	if err != nil {
		return nil, err
	}
	msg.GasTipCap = tip
	msg.GasFeeCap = maxFee

	gasLimit, err := b.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, domain.External("ethereum estimate gas", err)
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), maxFee)

	native, err := b.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, domain.External("ethereum balance", err)
	}
	if req.Asset.IsToken() {
		tokenBal, err := b.tokenUnits(ctx, from, *msg.To)
		if err != nil {
			return nil, err
		}
		if tokenBal.Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: token balance %s < %s", chain.ErrInsufficientBalance, tokenBal, amount)
		}
		if native.Cmp(fee) < 0 {
			return nil, fmt.Errorf("%w: ETH balance %s < fee %s", chain.ErrInsufficientBalance, native, fee)
		}
	} else if native.Cmp(new(big.Int).Add(amount, fee)) < 0 {
		return nil, fmt.Errorf("%w: balance %s < amount %s + fee %s", chain.ErrInsufficientBalance, native, amount, fee)
	}

	chainID, err := b.backend.ChainID(ctx)
	if err != nil {
		return nil, domain.External("ethereum chain id", err)
	}
	nonce, err := b.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, domain.External("ethereum nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        msg.To,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := types.SignTx(tx, types.NewLondonSigner(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", domain.ErrKeyCustody, err)
	}
	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		return nil, domain.External("ethereum send", err)
	}

	b.logger.Info("ethereum transaction broadcast",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("currency", req.Asset.Currency),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit),
	)

	return &chain.SendResult{
		TxID:        signed.Hash().Hex(),
		Fee:         domain.FromBaseUnits(fee, nativeDecimals),
		FeeCurrency: domain.CurrencyETH,
		FeeIsMax:    true,
	}, nil
}

// Broadcast relays a transaction signed outside the platform.
func (b *Builder) Broadcast(ctx context.Context, rawTx string) (string, error) {
	raw, err := hexutil.Decode(ensure0x(strings.TrimSpace(rawTx)))
	if err != nil {
		return "", domain.InvalidInput("raw transaction is not hex")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", domain.InvalidInput("raw transaction does not decode: %v", err)
	}
	if err := b.backend.SendTransaction(ctx, tx); err != nil {
		return "", domain.External("ethereum send", err)
	}
	return tx.Hash().Hex(), nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", domain.ErrKeyCustody)
	}
	return key, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
