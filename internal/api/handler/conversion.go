package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ConversionHandler drives the BUY and SELL sagas.
type ConversionHandler struct {
	conversions *service.ConversionService
}

func NewConversionHandler(conversions *service.ConversionService) *ConversionHandler {
	return &ConversionHandler{conversions: conversions}
}

type buyRequest struct {
	WalletID   uuid.UUID       `json:"wallet_id" validate:"required"`
	FiatAmount decimal.Decimal `json:"fiat_amount" validate:"positive_decimal"`
}

// Buy handles POST /v1/conversions/buy. A conversion that reached FAILED after
// the fiat was debited is still returned with 200 and its failure reason.
func (h *ConversionHandler) Buy(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	conv, err := h.conversions.Buy(r.Context(), service.BuyRequest{
		CustomerID: customerID,
		WalletID:   req.WalletID,
		FiatAmount: req.FiatAmount,
	})
	if err != nil {
		writeServiceError(w, r, "conversion", err)
		return
	}
	RespondJSON(w, http.StatusOK, conv)
}

type sellRequest struct {
	WalletID     uuid.UUID       `json:"wallet_id" validate:"required"`
	CryptoAmount decimal.Decimal `json:"crypto_amount" validate:"positive_decimal"`
	FundingMode  string          `json:"funding_mode" validate:"required,oneof=custodial external deposit"`
	SignedTx     string          `json:"signed_tx" validate:"required_if=FundingMode external"`
}

// Sell handles POST /v1/conversions/sell.
func (h *ConversionHandler) Sell(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req sellRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.conversions.Sell(r.Context(), service.SellRequest{
		CustomerID:   customerID,
		WalletID:     req.WalletID,
		CryptoAmount: req.CryptoAmount,
		FundingMode:  req.FundingMode,
		SignedTx:     req.SignedTx,
	})
	if err != nil {
		writeServiceError(w, r, "conversion", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, res)
}

type quoteRequest struct {
	WalletID uuid.UUID       `json:"wallet_id" validate:"required"`
	Type     string          `json:"type" validate:"required,oneof=BUY SELL buy sell"`
	Amount   decimal.Decimal `json:"amount" validate:"positive_decimal"`
}

// Quote handles POST /v1/conversions/quote.
func (h *ConversionHandler) Quote(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	quote, err := h.conversions.Quote(r.Context(), service.QuoteRequest{
		CustomerID: customerID,
		WalletID:   req.WalletID,
		Type:       req.Type,
		Amount:     req.Amount,
	})
	if err != nil {
		writeServiceError(w, r, "conversion", err)
		return
	}
	RespondJSON(w, http.StatusOK, quote)
}

// GetConversion handles GET /v1/conversions/{id}.
func (h *ConversionHandler) GetConversion(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	conv, err := h.conversions.GetConversion(r.Context(), customerID, id)
	if err != nil {
		writeServiceError(w, r, "conversion", err)
		return
	}
	RespondJSON(w, http.StatusOK, conv)
}

// ListConversions handles GET /v1/conversions?type=&status=&from=&to=&limit=&offset=.
func (h *ConversionHandler) ListConversions(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	limit, offset, ok := queryPage(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := repository.ConversionFilter{
		CustomerID: customerID,
		Type:       strings.ToUpper(q.Get("type")),
		Status:     strings.ToUpper(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-"+name, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = &t
	}

	items, err := h.conversions.ListConversions(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, "conversion", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"count":  len(items),
		"limit":  limit,
		"offset": offset,
	})
}
