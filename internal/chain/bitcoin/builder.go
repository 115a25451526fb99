package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const decimals = 8

// Builder sends BTC from native segwit (P2WPKH) addresses.
type Builder struct {
	params *chaincfg.Params
	source Source
	logger *zap.Logger
}

var _ chain.Builder = (*Builder)(nil)

func NewBuilder(network string, source Source, logger *zap.Logger) (*Builder, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{params: params, source: source, logger: logger}, nil
}

// NetworkParams maps a configured network name to chain parameters.
func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(network) {
	case "mainnet", "main", "":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

func (b *Builder) Network() domain.Network { return domain.NetworkBitcoin }

// GenerateKey returns a WIF-encoded key and its P2WPKH address.
func (b *Builder) GenerateKey() (chain.KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return chain.KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	wif, err := btcutil.NewWIF(priv, b.params, true)
	if err != nil {
		return chain.KeyPair{}, fmt.Errorf("encode wif: %w", err)
	}
	addr, err := b.addressFor(priv)
	if err != nil {
		return chain.KeyPair{}, err
	}
	return chain.KeyPair{Address: addr.EncodeAddress(), PrivateKey: wif.String()}, nil
}

func (b *Builder) IsValidAddress(address string) bool {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return false
	}
	return addr.IsForNet(b.params)
}

func (b *Builder) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	sats, err := b.source.Balance(ctx, address)
	if err != nil {
		return decimal.Zero, domain.External("bitcoin balance", err)
	}
	return decimal.New(sats, -decimals), nil
}

func (b *Builder) TokenBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, chain.ErrUnsupportedAsset
}

func (b *Builder) Send(ctx context.Context, req chain.SendRequest) (*chain.SendResult, error) {
	if err := chain.ValidateSend(b, req); err != nil {
		return nil, err
	}
	if req.Asset.IsToken() {
		return nil, chain.ErrUnsupportedAsset
	}

	priv, from, err := b.decodeKey(req.PrivateKey)
	if err != nil {
		return nil, err
	}
	if req.From != "" && req.From != from.EncodeAddress() {
		return nil, fmt.Errorf("%w: key does not match wallet address", domain.ErrKeyCustody)
	}
	to, err := btcutil.DecodeAddress(req.To, b.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrInvalidAddress, err)
	}

	units, err := chain.ToBaseUnits(req.Amount, decimals)
	if err != nil {
		return nil, err
	}
	amount := units.Int64()

	utxos, err := b.source.UTXOs(ctx, from.EncodeAddress())
	if err != nil {
		return nil, domain.External("bitcoin utxos", err)
	}
	feeRate, err := b.source.FeeRate(ctx)
	if err != nil {
		return nil, domain.External("bitcoin fee estimate", err)
	}

	sel, err := SelectUTXOs(utxos, amount, feeRate)
	if err != nil {
		return nil, err
	}

	tx, err := buildSignedTx(sel, priv, from, to, amount)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}

	txID, err := b.source.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return nil, domain.External("bitcoin broadcast", err)
	}
	if txID == "" {
		txID = tx.TxHash().String()
	}

	b.logger.Info("bitcoin transaction broadcast",
		zap.String("tx_id", txID),
		zap.Int("inputs", len(sel.Inputs)),
		zap.Int64("amount_sats", amount),
		zap.Int64("fee_sats", sel.Fee),
		zap.Int64("change_sats", sel.Change),
	)

	return &chain.SendResult{
		TxID:        txID,
		Fee:         decimal.New(sel.Fee, -decimals),
		FeeCurrency: domain.CurrencyBTC,
	}, nil
}

// Broadcast relays a transaction signed outside the platform.
func (b *Builder) Broadcast(ctx context.Context, rawTx string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(rawTx))
	if err != nil {
		return "", domain.InvalidInput("raw transaction is not hex")
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", domain.InvalidInput("raw transaction does not decode: %v", err)
	}
	txID, err := b.source.Broadcast(ctx, hex.EncodeToString(raw))
	if err != nil {
		return "", domain.External("bitcoin broadcast", err)
	}
	if txID == "" {
		txID = tx.TxHash().String()
	}
	return txID, nil
}

func (b *Builder) decodeKey(encoded string) (*btcec.PrivateKey, btcutil.Address, error) {
	wif, err := btcutil.DecodeWIF(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: decode wif: %v", domain.ErrKeyCustody, err)
	}
	if !wif.IsForNet(b.params) {
		return nil, nil, fmt.Errorf("%w: wif is for a different network", domain.ErrKeyCustody)
	}
	addr, err := b.addressFor(wif.PrivKey)
	if err != nil {
		return nil, nil, err
	}
	return wif.PrivKey, addr, nil
}

func (b *Builder) addressFor(priv *btcec.PrivateKey) (btcutil.Address, error) {
	hash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, b.params)
	if err != nil {
		return nil, fmt.Errorf("derive address: %w", err)
	}
	return addr, nil
}

func buildSignedTx(sel Selection, priv *btcec.PrivateKey, from, to btcutil.Address, amount int64) (*wire.MsgTx, error) {
	fromScript, err := txscript.PayToAddrScript(from)
	if err != nil {
		return nil, fmt.Errorf("source script: %w", err)
	}
	toScript, err := txscript.PayToAddrScript(to)
	if err != nil {
		return nil, fmt.Errorf("destination script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, u := range sel.Inputs {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("utxo txid %q: %w", u.TxID, err)
		}
		op := wire.NewOutPoint(hash, u.Vout)
		in := wire.NewTxIn(op, nil, nil)
		in.Sequence = wire.MaxTxInSequenceNum - 2
		tx.AddTxIn(in)
		fetcher.AddPrevOut(*op, wire.NewTxOut(u.Value, fromScript))
	}

	tx.AddTxOut(wire.NewTxOut(amount, toScript))
	if sel.Change > 0 {
		tx.AddTxOut(wire.NewTxOut(sel.Change, fromScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range sel.Inputs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, u.Value, fromScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return tx, nil
}
