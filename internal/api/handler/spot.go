package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/repository"
	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SpotHandler exposes the spot trading ledger.
type SpotHandler struct {
	spot *service.SpotService
}

func NewSpotHandler(spot *service.SpotService) *SpotHandler {
	return &SpotHandler{spot: spot}
}

type placeOrderRequest struct {
	Instrument string           `json:"instrument" validate:"required,max=32,contains=-"`
	Side       string           `json:"side" validate:"required,oneof=buy sell"`
	Type       string           `json:"type" validate:"required,oneof=limit market"`
	Size       decimal.Decimal  `json:"size" validate:"positive_decimal"`
	Price      *decimal.Decimal `json:"price,omitempty" validate:"required_if=Type limit"`
}

// PlaceOrder handles POST /v1/spot/orders.
func (h *SpotHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req placeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	order, err := h.spot.PlaceOrder(r.Context(), service.PlaceOrderRequest{
		CustomerID: customerID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Size:       req.Size,
		Price:      req.Price,
	})
	if err != nil {
		writeServiceError(w, r, "spot", err)
		return
	}
	RespondJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /v1/spot/orders/{id}.
func (h *SpotHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.spot.GetOrder(r.Context(), customerID, orderID)
	if err != nil {
		writeServiceError(w, r, "spot", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /v1/spot/orders?instrument=&status=OPEN,PARTIAL.
func (h *SpotHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	limit, offset, ok := queryPage(w, r)
	if !ok {
		return
	}
	filter := repository.SpotOrderFilter{
		CustomerID: customerID,
		Instrument: strings.ToUpper(r.URL.Query().Get("instrument")),
		Limit:      limit,
		Offset:     offset,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			filter.Statuses = append(filter.Statuses, strings.ToUpper(strings.TrimSpace(s)))
		}
	}

	orders, err := h.spot.ListOrders(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, "spot", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"items": orders, "count": len(orders), "limit": limit, "offset": offset})
}

// CancelOrder handles POST /v1/spot/orders/{id}/cancel.
func (h *SpotHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := h.spot.CancelOrder(r.Context(), customerID, orderID)
	if err != nil {
		writeServiceError(w, r, "spot", err)
		return
	}
	RespondJSON(w, http.StatusOK, order)
}

// Balances handles GET /v1/spot/balances.
func (h *SpotHandler) Balances(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	balances, err := h.spot.Balances(r.Context(), customerID)
	if err != nil {
		writeServiceError(w, r, "spot", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"items": balances})
}

type spotTransferRequest struct {
	WalletID  uuid.UUID       `json:"wallet_id" validate:"required"`
	Direction string          `json:"direction" validate:"required,oneof=TO_PRO TO_WALLET"`
	Amount    decimal.Decimal `json:"amount" validate:"positive_decimal"`
}

// Transfer handles POST /v1/spot/transfers.
func (h *SpotHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	customerID, ok := customerFromRequest(w, r)
	if !ok {
		return
	}
	var req spotTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}

	transfer, err := h.spot.Transfer(r.Context(), service.SpotTransferRequest{
		CustomerID: customerID,
		WalletID:   req.WalletID,
		Direction:  req.Direction,
		Amount:     req.Amount,
	})
	if err != nil {
		writeServiceError(w, r, "spot", err)
		return
	}
	RespondJSON(w, http.StatusCreated, transfer)
}
