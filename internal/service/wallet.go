package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/crypto-custody/internal/chain"
	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/ayo6706/crypto-custody/internal/observability"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrMainWalletDeletion = fmt.Errorf("%w: the main wallet cannot be deleted", domain.ErrInvalidInput)
	ErrWatchOnlyWallet    = fmt.Errorf("%w: watch-only wallets cannot sign", domain.ErrInvalidInput)
)

const balanceSyncConcurrency = 4

// KeyCipher encrypts private keys at rest.
type KeyCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
	Reencrypt(stored string) (string, bool, error)
}

// WalletService owns wallet records, their balance invariants and on-chain sends.
type WalletService struct {
	store    QueryStore
	registry *chain.Registry
	keys     KeyCipher
	audit    *AuditService
}

func NewWalletService(store QueryStore, registry *chain.Registry, keys KeyCipher) *WalletService {
	return &WalletService{
		store:    store,
		registry: registry,
		keys:     keys,
		audit:    NewAuditService(store),
	}
}

type CreateWalletRequest struct {
	CustomerID uuid.UUID
	Network    domain.Network
	Currency   string
	Label      string
	MakeMain   bool
}

// CreateWallet generates a keypair, encrypts the key and persists the wallet.
// The first wallet on a network becomes main.
func (s *WalletService) CreateWallet(ctx context.Context, req CreateWalletRequest) (*models.Wallet, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	_, builder, err := s.registry.Resolve(req.Network, req.Currency)
	if err != nil {
		return nil, err
	}

	pair, err := builder.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", domain.ErrKeyCustody, err)
	}
	encrypted, err := s.keys.Encrypt(pair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt key: %v", domain.ErrKeyCustody, err)
	}

	return s.insertWallet(ctx, models.Wallet{
		ID:           uuid.New(),
		CustomerID:   req.CustomerID,
		Network:      req.Network,
		Currency:     req.Currency,
		Address:      pair.Address,
		EncryptedKey: &encrypted,
		Label:        req.Label,
	}, req.MakeMain, "wallet_created")
}

type ImportWalletRequest struct {
	CustomerID uuid.UUID
	Network    domain.Network
	Currency   string
	Address    string
	Label      string
}

// ImportWallet registers a watch-only address. No key is stored.
func (s *WalletService) ImportWallet(ctx context.Context, req ImportWalletRequest) (*models.Wallet, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Address = strings.TrimSpace(req.Address)
	_, builder, err := s.registry.Resolve(req.Network, req.Currency)
	if err != nil {
		return nil, err
	}
	if !builder.IsValidAddress(req.Address) {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, req.Address)
	}

	return s.insertWallet(ctx, models.Wallet{
		ID:         uuid.New(),
		CustomerID: req.CustomerID,
		Network:    req.Network,
		Currency:   req.Currency,
		Address:    req.Address,
		Label:      req.Label,
	}, false, "wallet_imported")
}

func (s *WalletService) insertWallet(ctx context.Context, w models.Wallet, makeMain bool, action string) (*models.Wallet, error) {
	var created models.Wallet
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		existing, err := qtx.CountWalletsByNetwork(ctx, w.CustomerID, w.Network)
		if err != nil {
			return fmt.Errorf("count wallets: %w", err)
		}
		w.IsMain = makeMain || existing == 0
		if w.IsMain && existing > 0 {
			if _, err := qtx.UnsetMainWallet(ctx, w.CustomerID, w.Network); err != nil {
				return fmt.Errorf("unset main wallet: %w", err)
			}
		}

		created, err = qtx.CreateWallet(ctx, w)
		if err != nil {
			return fmt.Errorf("create wallet: %w", err)
		}
		return s.audit.Write(ctx, qtx, "wallet", created.ID, &created.CustomerID, action, "", "", map[string]any{
			"network":    created.Network,
			"currency":   created.Currency,
			"is_main":    created.IsMain,
			"watch_only": created.WatchOnly(),
		})
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("wallet stored",
		zap.String("wallet_id", created.ID.String()),
		zap.String("network", string(created.Network)),
		zap.String("currency", created.Currency),
		zap.Bool("watch_only", created.WatchOnly()))
	return &created, nil
}

// SetMainWallet makes walletID the customer's main wallet on its network.
func (s *WalletService) SetMainWallet(ctx context.Context, customerID, walletID uuid.UUID) (*models.Wallet, error) {
	var updated models.Wallet
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := s.lockOwned(ctx, qtx, customerID, walletID)
		if err != nil {
			return err
		}
		if w.IsMain {
			updated = w
			return nil
		}
		if _, err := qtx.UnsetMainWallet(ctx, customerID, w.Network); err != nil {
			return fmt.Errorf("unset main wallet: %w", err)
		}
		rows, err := qtx.SetMainWallet(ctx, walletID)
		if err != nil {
			return fmt.Errorf("set main wallet: %w", err)
		}
		if err := requireExactlyOne(rows, "set main wallet"); err != nil {
			return err
		}
		w.IsMain = true
		updated = w
		return s.audit.Write(ctx, qtx, "wallet", walletID, &customerID, "wallet_main_set", "", "", map[string]any{"network": w.Network})
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteWallet removes a wallet. The main wallet and wallets with reserved funds cannot be deleted.
func (s *WalletService) DeleteWallet(ctx context.Context, customerID, walletID uuid.UUID) error {
	return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		w, err := s.lockOwned(ctx, qtx, customerID, walletID)
		if err != nil {
			return err
		}
		if w.IsMain {
			return ErrMainWalletDeletion
		}
		if w.Reserved.IsPositive() {
			return domain.InvalidInput("wallet has %s %s reserved by pending operations", w.Reserved.String(), w.Currency)
		}
		rows, err := qtx.DeleteWallet(ctx, walletID)
		if err != nil {
			return fmt.Errorf("delete wallet: %w", err)
		}
		if err := requireExactlyOne(rows, "delete wallet"); err != nil {
			return err
		}
		return s.audit.Write(ctx, qtx, "wallet", walletID, &customerID, "wallet_deleted", "", "", nil)
	})
}

func (s *WalletService) GetWallet(ctx context.Context, customerID, walletID uuid.UUID) (*models.Wallet, error) {
	w, err := s.store.Queries().GetWallet(ctx, walletID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if w.CustomerID != customerID {
		return nil, ErrWalletNotFound
	}
	return &w, nil
}

func (s *WalletService) ListWallets(ctx context.Context, filter repository.WalletFilter) ([]models.Wallet, error) {
	wallets, err := s.store.Queries().ListWallets(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return wallets, nil
}

// SyncBalance reconciles the cached balance with the chain. A chain balance
// below the reserved amount is recorded as drift and clamped so that
// balance - reserved never goes negative.
func (s *WalletService) SyncBalance(ctx context.Context, walletID uuid.UUID) (*models.Wallet, error) {
	w, err := s.store.Queries().GetWallet(ctx, walletID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	asset, builder, err := s.registry.Resolve(w.Network, w.Currency)
	if err != nil {
		return nil, err
	}
	onChain, err := chain.Balance(ctx, builder, asset, w.Address)
	if err != nil {
		return nil, domain.External("read chain balance", err)
	}

	var synced models.Wallet
	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		locked, err := qtx.GetWalletForUpdate(ctx, walletID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		stored := onChain
		if onChain.LessThan(locked.Reserved) {
			observability.IncrementBalanceDrift(string(locked.Network))
			zap.L().Error("on-chain balance below reserved amount",
				zap.String("wallet_id", walletID.String()),
				zap.String("network", string(locked.Network)),
				zap.String("on_chain", onChain.String()),
				zap.String("reserved", locked.Reserved.String()))
			stored = locked.Reserved
		}
		rows, err := qtx.UpdateWalletBalance(ctx, walletID, stored)
		if err != nil {
			return fmt.Errorf("update wallet balance: %w", err)
		}
		if err := requireExactlyOne(rows, "update wallet balance"); err != nil {
			return err
		}
		now := time.Now().UTC()
		locked.Balance = stored
		locked.LastSyncedAt = &now
		synced = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &synced, nil
}

// SyncCustomerBalances refreshes every wallet of a customer with bounded parallelism.
func (s *WalletService) SyncCustomerBalances(ctx context.Context, customerID uuid.UUID) ([]models.Wallet, error) {
	wallets, err := s.store.Queries().ListWalletsByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	synced := make([]models.Wallet, len(wallets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceSyncConcurrency)
	for i, w := range wallets {
		i, w := i, w
		g.Go(func() error {
			updated, err := s.SyncBalance(gctx, w.ID)
			if err != nil {
				return fmt.Errorf("sync wallet %s: %w", w.ID, err)
			}
			synced[i] = *updated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return synced, nil
}

type SendCryptoRequest struct {
	CustomerID uuid.UUID
	WalletID   uuid.UUID
	To         string
	Amount     decimal.Decimal
}

// SendCrypto is the single entry point for custodial sends. The amount is
// reserved under a row lock before the key is used, so two concurrent sends
// cannot both spend the same balance. The cached balance is re-synced after
// the attempt whatever its outcome.
func (s *WalletService) SendCrypto(ctx context.Context, req SendCryptoRequest) (*chain.SendResult, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.InvalidInput("amount must be positive")
	}
	w, err := s.GetWallet(ctx, req.CustomerID, req.WalletID)
	if err != nil {
		return nil, err
	}
	if w.WatchOnly() {
		return nil, ErrWatchOnlyWallet
	}
	asset, builder, err := s.registry.Resolve(w.Network, w.Currency)
	if err != nil {
		return nil, err
	}
	req.To = strings.TrimSpace(req.To)
	if !builder.IsValidAddress(req.To) {
		return nil, fmt.Errorf("%w: %q", chain.ErrInvalidAddress, req.To)
	}
	if _, err := chain.ToBaseUnits(req.Amount, asset.Decimals); err != nil {
		return nil, err
	}

	err = s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		locked, err := qtx.GetWalletForUpdate(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		if locked.Available().LessThan(req.Amount) {
			return fmt.Errorf("%w: available %s %s, requested %s", domain.ErrInsufficientFunds, locked.Available().String(), locked.Currency, req.Amount.String())
		}
		rows, err := qtx.ReserveWalletFunds(ctx, w.ID, req.Amount)
		if err != nil {
			return fmt.Errorf("reserve wallet funds: %w", err)
		}
		return requireExactlyOne(rows, "reserve wallet funds")
	})
	if err != nil {
		return nil, err
	}

	defer func() {
		if _, syncErr := s.SyncBalance(context.WithoutCancel(ctx), w.ID); syncErr != nil {
			zap.L().Warn("post-send balance sync failed", zap.String("wallet_id", w.ID.String()), zap.Error(syncErr))
		}
	}()

	key, err := s.signingKey(ctx, *w)
	if err != nil {
		s.settleSend(ctx, *w, req, nil)
		return nil, err
	}

	res, sendErr := builder.Send(ctx, chain.SendRequest{
		Asset:      asset,
		From:       w.Address,
		PrivateKey: key,
		To:         req.To,
		Amount:     req.Amount,
	})
	if sendErr != nil {
		observability.IncrementChainSend(string(w.Network), "failed")
		zap.L().Error("chain send failed",
			zap.String("wallet_id", w.ID.String()),
			zap.String("network", string(w.Network)),
			zap.Error(sendErr))
		s.settleSend(ctx, *w, req, nil)
		return nil, sendErr
	}

	observability.IncrementChainSend(string(w.Network), "success")
	s.settleSend(ctx, *w, req, res)
	return res, nil
}

// settleSend releases the reservation and, after a broadcast, debits the sent
// amount plus the fee when the fee is exact and paid in the wallet's own
// currency. Upper-bound fees are left to the next balance sync.
func (s *WalletService) settleSend(ctx context.Context, w models.Wallet, req SendCryptoRequest, res *chain.SendResult) {
	ctx = context.WithoutCancel(ctx)
	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		locked, err := qtx.GetWalletForUpdate(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		rows, err := qtx.ReleaseWalletFunds(ctx, w.ID, req.Amount)
		if err != nil {
			return fmt.Errorf("release wallet funds: %w", err)
		}
		if err := requireExactlyOne(rows, "release wallet funds"); err != nil {
			return err
		}
		if res == nil {
			return nil
		}

		debit := req.Amount
		available := locked.Available().Add(req.Amount)
		if !res.FeeIsMax && res.FeeCurrency == w.Currency && res.Fee.IsPositive() && available.GreaterThanOrEqual(debit.Add(res.Fee)) {
			debit = debit.Add(res.Fee)
		}
		rows, err = qtx.DebitWallet(ctx, w.ID, debit)
		if err != nil {
			return fmt.Errorf("debit wallet: %w", err)
		}
		if err := requireExactlyOne(rows, "debit wallet"); err != nil {
			return err
		}
		return s.audit.Write(ctx, qtx, "wallet", w.ID, &w.CustomerID, "crypto_sent", "", "", map[string]any{
			"to":         req.To,
			"amount":     req.Amount.String(),
			"fee":        res.Fee.String(),
			"fee_is_max": res.FeeIsMax,
			"tx_id":      res.TxID,
			"network":    w.Network,
		})
	})
	if err != nil {
		zap.L().Error("settle wallet send failed", zap.String("wallet_id", w.ID.String()), zap.Error(err))
	}
}

// signingKey decrypts the wallet key. Legacy plaintext keys are re-encrypted in place.
func (s *WalletService) signingKey(ctx context.Context, w models.Wallet) (string, error) {
	stored := *w.EncryptedKey
	key, err := s.keys.Decrypt(stored)
	if err != nil {
		zap.L().Error("wallet key could not be decrypted", zap.String("wallet_id", w.ID.String()), zap.Error(err))
		return "", fmt.Errorf("wallet %s: %w", w.ID, err)
	}

	upgraded, changed, err := s.keys.Reencrypt(stored)
	if err != nil || !changed {
		return key, nil
	}
	if _, err := s.store.Queries().UpdateWalletKey(ctx, w.ID, upgraded); err != nil {
		zap.L().Warn("legacy key upgrade failed", zap.String("wallet_id", w.ID.String()), zap.Error(err))
	} else {
		zap.L().Info("legacy wallet key encrypted", zap.String("wallet_id", w.ID.String()))
	}
	return key, nil
}

// BroadcastSigned relays a transaction the customer signed outside the platform.
func (s *WalletService) BroadcastSigned(ctx context.Context, customerID, walletID uuid.UUID, rawTx string) (string, error) {
	w, err := s.GetWallet(ctx, customerID, walletID)
	if err != nil {
		return "", err
	}
	builder, err := s.registry.Builder(w.Network)
	if err != nil {
		return "", err
	}
	txID, err := builder.Broadcast(ctx, strings.TrimSpace(rawTx))
	if err != nil {
		observability.IncrementChainSend(string(w.Network), "failed")
		return "", err
	}
	observability.IncrementChainSend(string(w.Network), "success")

	if _, syncErr := s.SyncBalance(ctx, w.ID); syncErr != nil {
		zap.L().Warn("post-broadcast balance sync failed", zap.String("wallet_id", w.ID.String()), zap.Error(syncErr))
	}
	return txID, nil
}

// SetWhitelisted records whether the exchange accepts withdrawals to the wallet.
func (s *WalletService) SetWhitelisted(ctx context.Context, walletID uuid.UUID, whitelisted bool) error {
	rows, err := s.store.Queries().SetWalletWhitelisted(ctx, walletID, whitelisted)
	if err != nil {
		return fmt.Errorf("set wallet whitelisted: %w", err)
	}
	return requireExactlyOne(rows, "set wallet whitelisted")
}

func (s *WalletService) lockOwned(ctx context.Context, qtx repository.Querier, customerID, walletID uuid.UUID) (models.Wallet, error) {
	w, err := qtx.GetWalletForUpdate(ctx, walletID)
	if err != nil {
		if isNotFound(err) {
			return models.Wallet{}, ErrWalletNotFound
		}
		return models.Wallet{}, fmt.Errorf("lock wallet: %w", err)
	}
	if w.CustomerID != customerID {
		return models.Wallet{}, ErrWalletNotFound
	}
	return w, nil
}
