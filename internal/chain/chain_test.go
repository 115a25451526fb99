package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBuilder struct {
	network domain.Network
	valid   bool
}

func (s stubBuilder) Network() domain.Network       { return s.network }
func (s stubBuilder) GenerateKey() (KeyPair, error) { return KeyPair{}, nil }
func (s stubBuilder) IsValidAddress(string) bool    { return s.valid }
func (s stubBuilder) NativeBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}
func (s stubBuilder) TokenBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(2), nil
}
func (s stubBuilder) Send(context.Context, SendRequest) (*SendResult, error) { return &SendResult{}, nil }
func (s stubBuilder) Broadcast(context.Context, string) (string, error)    { return "tx", nil }

func TestLookupAsset(t *testing.T) {
	contracts := Contracts{EthereumUSDT: "0xdAC17F958D2ee523a2206206994597C13D831ec7", TronUSDT: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", SolanaUSDT: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"}

	cases := []struct {
		network  domain.Network
		currency string
		decimals int32
		token    bool
		wantErr  bool
	}{
		{domain.NetworkBitcoin, domain.CurrencyBTC, 8, false, false},
		{domain.NetworkBitcoin, domain.CurrencyUSDT, 0, false, true},
		{domain.NetworkEthereum, domain.CurrencyETH, 18, false, false},
		{domain.NetworkEthereum, domain.CurrencyUSDT, 6, true, false},
		{domain.NetworkTron, domain.CurrencyTRX, 6, false, false},
		{domain.NetworkTron, domain.CurrencyUSDT, 6, true, false},
		{domain.NetworkSolana, domain.CurrencySOL, 9, false, false},
		{domain.NetworkSolana, domain.CurrencyUSDT, 6, true, false},
		{domain.NetworkSolana, domain.CurrencyETH, 0, false, true},
		{domain.Network("DOGE"), domain.CurrencyBTC, 0, false, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.network)+"_"+tc.currency, func(t *testing.T) {
			asset, err := LookupAsset(tc.network, tc.currency, contracts)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedAsset)
				require.True(t, errors.Is(err, domain.ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.decimals, asset.Decimals)
			assert.Equal(t, tc.token, asset.IsToken())
			if tc.token {
				assert.NotEmpty(t, asset.Contract)
			}
		})
	}
}

func TestValidateSend(t *testing.T) {
	asset := Asset{Network: domain.NetworkEthereum, Currency: domain.CurrencyUSDT, Kind: AssetToken, Decimals: 6}
	base := SendRequest{Asset: asset, PrivateKey: "k", To: "addr", Amount: decimal.NewFromInt(1)}

	err := ValidateSend(stubBuilder{valid: false}, base)
	require.ErrorIs(t, err, ErrInvalidAddress)

	zero := base
	zero.Amount = decimal.Zero
	err = ValidateSend(stubBuilder{valid: true}, zero)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	noKey := base
	noKey.PrivateKey = ""
	err = ValidateSend(stubBuilder{valid: true}, noKey)
	require.ErrorIs(t, err, domain.ErrKeyCustody)

	err = ValidateSend(stubBuilder{valid: true}, base)
	require.ErrorIs(t, err, ErrUnsupportedAsset)

	base.Asset.Contract = "0xdead"
	require.NoError(t, ValidateSend(stubBuilder{valid: true}, base))
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry(Contracts{}, stubBuilder{network: domain.NetworkBitcoin})

	asset, b, err := reg.Resolve(domain.NetworkBitcoin, domain.CurrencyBTC)
	require.NoError(t, err)
	assert.Equal(t, domain.NetworkBitcoin, b.Network())
	assert.Equal(t, int32(8), asset.Decimals)

	_, _, err = reg.Resolve(domain.NetworkSolana, domain.CurrencySOL)
	require.ErrorIs(t, err, ErrBuilderNotFound)

	bal, err := Balance(context.Background(), b, Asset{Kind: AssetToken}, "a")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(2)))
}
