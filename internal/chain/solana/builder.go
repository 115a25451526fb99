package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	nativeDecimals = 9
	tokenDecimals  = 6
)

// ataRentLamports is the rent-exempt minimum for a 165-byte token account.
const ataRentLamports = 2_039_280

// RPC is the subset of the solana-go rpc.Client the builder uses.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account sol.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	SendTransaction(ctx context.Context, transaction *sol.Transaction) (sol.Signature, error)
	SendRawTransaction(ctx context.Context, rawTx []byte) (sol.Signature, error)
}

// NewRPC returns a JSON-RPC client for endpoint.
func NewRPC(endpoint string) *rpc.Client {
	return rpc.New(endpoint)
}

// Builder sends SOL and SPL tokens.
type Builder struct {
	rpc    RPC
	logger *zap.Logger
}

var _ chain.Builder = (*Builder)(nil)

func NewBuilder(client RPC, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{rpc: client, logger: logger}
}

func (b *Builder) Network() domain.Network { return domain.NetworkSolana }

func (b *Builder) GenerateKey() (chain.KeyPair, error) {
	key, err := sol.NewRandomPrivateKey()
	if err != nil {
		return chain.KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return chain.KeyPair{Address: key.PublicKey().String(), PrivateKey: key.String()}, nil
}

func (b *Builder) IsValidAddress(address string) bool {
	_, err := sol.PublicKeyFromBase58(address)
	return err == nil
}

func (b *Builder) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	owner, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, chain.ErrInvalidAddress
	}
	lamports, err := b.lamports(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -nativeDecimals), nil
}

func (b *Builder) TokenBalance(ctx context.Context, address, mint string) (decimal.Decimal, error) {
	owner, err := sol.PublicKeyFromBase58(address)
	if err != nil {
		return decimal.Zero, chain.ErrInvalidAddress
	}
	mintKey, err := sol.PublicKeyFromBase58(mint)
	if err != nil {
		return decimal.Zero, chain.ErrUnsupportedAsset
	}
	units, _, err := b.tokenUnits(ctx, owner, mintKey)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -tokenDecimals), nil
}

func (b *Builder) lamports(ctx context.Context, owner sol.PublicKey) (uint64, error) {
	res, err := b.rpc.GetBalance(ctx, owner, rpc.CommitmentFinalized)
	if err != nil {
		return 0, domain.External("solana balance", err)
	}
	return res.Value, nil
}

// tokenUnits reads the owner's associated token account. A missing account holds zero.
func (b *Builder) tokenUnits(ctx context.Context, owner, mint sol.PublicKey) (uint64, bool, error) {
	ata, _, err := sol.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, false, fmt.Errorf("derive token account: %w", err)
	}
	exists, err := b.accountExists(ctx, ata)
	if err != nil || !exists {
		return 0, false, err
	}
	res, err := b.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		return 0, true, domain.External("solana token balance", err)
	}
	if res.Value == nil {
		return 0, true, nil
	}
	units, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, true, domain.External("solana token balance", err)
	}
	return units, true, nil
}

func (b *Builder) accountExists(ctx context.Context, account sol.PublicKey) (bool, error) {
	_, err := b.rpc.GetAccountInfo(ctx, account)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.External("solana account info", err)
	}
	return true, nil
}

func (b *Builder) Send(ctx context.Context, req chain.SendRequest) (*chain.SendResult, error) {
	if err := chain.ValidateSend(b, req); err != nil {
		return nil, err
	}

	key, err := sol.PrivateKeyFromBase58(req.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key", domain.ErrKeyCustody)
	}
	from := key.PublicKey()
	if req.From != "" && req.From != from.String() {
		return nil, fmt.Errorf("%w: key does not match wallet address", domain.ErrKeyCustody)
	}
	to := sol.MustPublicKeyFromBase58(req.To)

	units, err := chain.ToBaseUnits(req.Amount, req.Asset.Decimals)
	if err != nil {
		return nil, err
	}
	if !units.IsUint64() {
		return nil, domain.InvalidInput("amount out of range")
	}
	amount := units.Uint64()

	var (
		instructions []sol.Instruction
		extraSOL     uint64
		tokenBalance uint64
	)
	if req.Asset.IsToken() {
		mint, err := sol.PublicKeyFromBase58(req.Asset.Contract)
		if err != nil {
			return nil, chain.ErrUnsupportedAsset
		}
		srcATA, _, err := sol.FindAssociatedTokenAddress(from, mint)
		if err != nil {
			return nil, fmt.Errorf("derive source token account: %w", err)
		}
		dstATA, _, err := sol.FindAssociatedTokenAddress(to, mint)
		if err != nil {
			return nil, fmt.Errorf("derive destination token account: %w", err)
		}
		tokenBalance, _, err = b.tokenUnits(ctx, from, mint)
		if err != nil {
			return nil, err
		}
		dstExists, err := b.accountExists(ctx, dstATA)
		if err != nil {
			return nil, err
		}
		if !dstExists {
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(from, to, mint).Build())
			extraSOL = ataRentLamports
		}
		instructions = append(instructions, token.NewTransferCheckedInstruction(
			amount, uint8(req.Asset.Decimals), srcATA, mint, dstATA, from, nil,
		).Build())
	} else {
		instructions = append(instructions, system.NewTransferInstruction(amount, from, to).Build())
	}

	blockhash, err := b.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, domain.External("solana blockhash", err)
	}
	tx, err := sol.NewTransaction(instructions, blockhash.Value.Blockhash, sol.TransactionPayer(from))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	fee, err := b.messageFee(ctx, tx)
	if err != nil {
		return nil, err
	}
	balance, err := b.lamports(ctx, from)
	if err != nil {
		return nil, err
	}
	if req.Asset.IsToken() {
		if tokenBalance < amount {
			return nil, fmt.Errorf("%w: token balance %d < %d", chain.ErrInsufficientBalance, tokenBalance, amount)
		}
		if balance < fee+extraSOL {
			return nil, fmt.Errorf("%w: SOL balance %d < fee %d", chain.ErrInsufficientBalance, balance, fee+extraSOL)
		}
	} else if balance < amount+fee {
		return nil, fmt.Errorf("%w: balance %d < amount %d + fee %d", chain.ErrInsufficientBalance, balance, amount, fee)
	}

	if _, err := tx.Sign(func(pk sol.PublicKey) *sol.PrivateKey {
		if pk.Equals(from) {
			return &key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: sign: %v", domain.ErrKeyCustody, err)
	}

	sig, err := b.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return nil, domain.External("solana send", err)
	}

	b.logger.Info("solana transaction broadcast",
		zap.String("signature", sig.String()),
		zap.String("currency", req.Asset.Currency),
		zap.Uint64("fee_lamports", fee),
		zap.Bool("created_token_account", extraSOL > 0),
	)

	return &chain.SendResult{
		TxID:        sig.String(),
		Fee:         decimal.New(int64(fee+extraSOL), -nativeDecimals),
		FeeCurrency: domain.CurrencySOL,
	}, nil
}

// messageFee asks the cluster what the compiled message will cost.
func (b *Builder) messageFee(ctx context.Context, tx *sol.Transaction) (uint64, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("compile message: %w", err)
	}
	res, err := b.rpc.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msg), rpc.CommitmentProcessed)
	if err != nil {
		return 0, domain.External("solana fee for message", err)
	}
	if res == nil || res.Value == nil {
		return 0, domain.External("solana fee for message", errors.New("blockhash expired"))
	}
	return *res.Value, nil
}

// Broadcast relays a base64 wire transaction signed outside the platform.
func (b *Builder) Broadcast(ctx context.Context, rawTx string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rawTx))
	if err != nil || len(raw) == 0 {
		return "", domain.InvalidInput("raw transaction is not base64")
	}
	sig, err := b.rpc.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", domain.External("solana send", err)
	}
	return sig.String(), nil
}
