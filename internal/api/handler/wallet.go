package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/shopspring/decimal"
)

// WalletHandler exposes the wallet registry.
type WalletHandler struct {
	wallets *service.WalletService
}

func NewWalletHandler(wallets *service.WalletService) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

type createWalletRequest struct {
	Network  string `json:"network" validate:"required,oneof=BITCOIN ETHEREUM TRON SOLANA"`
	Currency string `json:"currency" validate:"required,alphanum,max=10"`
	Label    string `json:"label" validate:"max=64"`
	MakeMain bool   `json:"make_main"`
}

// CreateWallet handles POST /v1/wallets.
func (h *WalletHandler) CreateWallet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req createWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}

	wallet, err := h.wallets.CreateWallet(r.Context(), service.CreateWalletRequest{
		CustomerID: customerID,
		Network:    domain.Network(req.Network),
		Currency:   req.Currency,
		Label:      req.Label,
		MakeMain:   req.MakeMain,
	})
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusCreated, wallet)
}

type importWalletRequest struct {
	Network  string `json:"network" validate:"required,oneof=BITCOIN ETHEREUM TRON SOLANA"`
	Currency string `json:"currency" validate:"required,alphanum,max=10"`
	Address  string `json:"address" validate:"required,max=128"`
	Label    string `json:"label" validate:"max=64"`
}

// ImportWallet handles POST /v1/wallets/import.
func (h *WalletHandler) ImportWallet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req importWalletRequest
	if !decodeBody(w, r, &req) {
		return
	}

	wallet, err := h.wallets.ImportWallet(r.Context(), service.ImportWalletRequest{
		CustomerID: customerID,
		Network:    domain.Network(req.Network),
		Currency:   req.Currency,
		Address:    req.Address,
		Label:      req.Label,
	})
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusCreated, wallet)
}

// ListWallets handles GET /v1/wallets?network=&currency=&main=true.
func (h *WalletHandler) ListWallets(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	wallets, err := h.wallets.ListWallets(r.Context(), repository.WalletFilter{
		CustomerID: customerID,
		Network:    domain.Network(strings.ToUpper(q.Get("network"))),
		Currency:   strings.ToUpper(q.Get("currency")),
		MainOnly:   q.Get("main") == "true",
	})
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"items": wallets, "count": len(wallets)})
}

// GetWallet handles GET /v1/wallets/{id}.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	walletID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	wallet, err := h.wallets.GetWallet(r.Context(), customerID, walletID)
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusOK, wallet)
}

// SetMainWallet handles POST /v1/wallets/{id}/main.
func (h *WalletHandler) SetMainWallet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	walletID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	wallet, err := h.wallets.SetMainWallet(r.Context(), customerID, walletID)
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusOK, wallet)
}

// DeleteWallet handles DELETE /v1/wallets/{id}.
func (h *WalletHandler) DeleteWallet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	walletID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.wallets.DeleteWallet(r.Context(), customerID, walletID); err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncWallet handles POST /v1/wallets/{id}/sync.
func (h *WalletHandler) SyncWallet(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	walletID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	// Ownership is checked before the chain is queried.
	if _, err := h.wallets.GetWallet(r.Context(), customerID, walletID); err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	wallet, err := h.wallets.SyncBalance(r.Context(), walletID)
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusOK, wallet)
}

// SyncAllWallets handles POST /v1/wallets/sync.
func (h *WalletHandler) SyncAllWallets(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	wallets, err := h.wallets.SyncCustomerBalances(r.Context(), customerID)
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"items": wallets, "count": len(wallets)})
}

type sendCryptoRequest struct {
	To     string          `json:"to" validate:"required,max=128"`
	Amount decimal.Decimal `json:"amount" validate:"positive_decimal"`
}

// SendCrypto handles POST /v1/wallets/{id}/send.
func (h *WalletHandler) SendCrypto(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	walletID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req sendCryptoRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.wallets.SendCrypto(r.Context(), service.SendCryptoRequest{
		CustomerID: customerID,
		WalletID:   walletID,
		To:         req.To,
		Amount:     req.Amount,
	})
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, res)
}

type broadcastRequest struct {
	RawTx string `json:"raw_tx" validate:"required"`
}

// BroadcastSigned handles POST /v1/wallets/{id}/broadcast.
func (h *WalletHandler) BroadcastSigned(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	walletID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req broadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}

	txID, err := h.wallets.BroadcastSigned(r.Context(), customerID, walletID, req.RawTx)
	if err != nil {
		writeServiceError(w, r, "wallet", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]string{"tx_id": txID})
}
