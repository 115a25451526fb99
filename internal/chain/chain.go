// Package chain defines the contracts shared by the per-network transaction builders.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedAsset    = fmt.Errorf("%w: unsupported network/currency combination", domain.ErrInvalidInput)
	ErrInvalidAddress      = fmt.Errorf("%w: invalid destination address", domain.ErrInvalidInput)
	ErrInsufficientBalance = fmt.Errorf("%w: on-chain balance does not cover amount and fee", domain.ErrInsufficientFunds)
	ErrBuilderNotFound     = errors.New("no builder registered for network")
)

// AssetKind distinguishes the chain's own coin from a token contract.
type AssetKind int

const (
	AssetNative AssetKind = iota
	AssetToken
)

// Asset is one transferable currency on one network.
type Asset struct {
	Network  domain.Network
	Currency string
	Kind     AssetKind
	Contract string
	Decimals int32
}

// IsToken reports whether the asset is moved through a token contract.
func (a Asset) IsToken() bool { return a.Kind == AssetToken }

// Contracts carries the configured token contract or mint address per network.
type Contracts struct {
	EthereumUSDT string
	TronUSDT     string
	SolanaUSDT   string
}

// LookupAsset resolves a (network, currency) pair.
func LookupAsset(network domain.Network, currency string, contracts Contracts) (Asset, error) {
	switch network {
	case domain.NetworkBitcoin:
		if currency == domain.CurrencyBTC {
			return Asset{Network: network, Currency: currency, Kind: AssetNative, Decimals: 8}, nil
		}
	case domain.NetworkEthereum:
		switch currency {
		case domain.CurrencyETH:
			return Asset{Network: network, Currency: currency, Kind: AssetNative, Decimals: 18}, nil
		case domain.CurrencyUSDT:
			return Asset{Network: network, Currency: currency, Kind: AssetToken, Contract: contracts.EthereumUSDT, Decimals: 6}, nil
		}
	case domain.NetworkTron:
		switch currency {
		case domain.CurrencyTRX:
			return Asset{Network: network, Currency: currency, Kind: AssetNative, Decimals: 6}, nil
		case domain.CurrencyUSDT:
			return Asset{Network: network, Currency: currency, Kind: AssetToken, Contract: contracts.TronUSDT, Decimals: 6}, nil
		}
	case domain.NetworkSolana:
		switch currency {
		case domain.CurrencySOL:
			return Asset{Network: network, Currency: currency, Kind: AssetNative, Decimals: 9}, nil
		case domain.CurrencyUSDT:
			return Asset{Network: network, Currency: currency, Kind: AssetToken, Contract: contracts.SolanaUSDT, Decimals: 6}, nil
		}
	}
	return Asset{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedAsset, currency, network)
}

// NativeCurrency returns the coin used to pay fees on the network.
func NativeCurrency(network domain.Network) string {
	switch network {
	case domain.NetworkBitcoin:
		return domain.CurrencyBTC
	case domain.NetworkEthereum:
		return domain.CurrencyETH
	case domain.NetworkTron:
		return domain.CurrencyTRX
	case domain.NetworkSolana:
		return domain.CurrencySOL
	}
	return ""
}

// ToBaseUnits converts an amount to the asset's integer units without rounding.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	return domain.ToBaseUnits(amount, decimals)
}

// KeyPair is a freshly generated custodial key. PrivateKey is plaintext and
// must be passed through the vault before it is stored.
type KeyPair struct {
	Address    string
	PrivateKey string
}

// SendRequest is a transfer from a custodial wallet.
type SendRequest struct {
	Asset      Asset
	From       string
	PrivateKey string
	To         string
	Amount     decimal.Decimal
}

// SendResult reports the broadcast transaction. When FeeIsMax is set, Fee is
// the most the network can charge; the amount actually burned is only known
// once the transaction is confirmed.
type SendResult struct {
	TxID        string          `json:"tx_id"`
	Fee         decimal.Decimal `json:"fee"`
	FeeCurrency string          `json:"fee_currency"`
	FeeIsMax    bool            `json:"fee_is_max,omitempty"`
}

// Reader is the read side of a network client.
type Reader interface {
	NativeBalance(ctx context.Context, address string) (decimal.Decimal, error)
	TokenBalance(ctx context.Context, address, contract string) (decimal.Decimal, error)
	IsValidAddress(address string) bool
}

// Builder constructs, signs and broadcasts transfers for one network.
type Builder interface {
	Reader
	Network() domain.Network
	GenerateKey() (KeyPair, error)
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	Broadcast(ctx context.Context, rawTx string) (string, error)
}

// Balance reads the balance of any asset through a reader.
func Balance(ctx context.Context, r Reader, asset Asset, address string) (decimal.Decimal, error) {
	if asset.IsToken() {
		return r.TokenBalance(ctx, address, asset.Contract)
	}
	return r.NativeBalance(ctx, address)
}

// ValidateSend runs the checks every builder performs before touching the network.
func ValidateSend(r Reader, req SendRequest) error {
	if !r.IsValidAddress(req.To) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, req.To)
	}
	if !req.Amount.IsPositive() {
		return domain.InvalidInput("amount must be positive")
	}
	if req.PrivateKey == "" {
		return fmt.Errorf("%w: wallet has no signing key", domain.ErrKeyCustody)
	}
	if req.Asset.IsToken() && req.Asset.Contract == "" {
		return fmt.Errorf("%w: %s token contract not configured", ErrUnsupportedAsset, req.Asset.Network)
	}
	return nil
}
