package handler

import (
	"errors"
	"net/http"

	"github.com/ayo6706/crypto-custody/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DepositHandler lets operators register inbound bank deposits by hand.
type DepositHandler struct {
	deposits *service.DepositService
}

func NewDepositHandler(deposits *service.DepositService) *DepositHandler {
	return &DepositHandler{deposits: deposits}
}

type registerDepositRequest struct {
	CustomerID    uuid.UUID       `json:"customer_id" validate:"required"`
	CorrelationID string          `json:"correlation_id" validate:"required,max=128"`
	Amount        decimal.Decimal `json:"amount" validate:"positive_decimal"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`
}

// RegisterFiatDeposit handles POST /v1/deposits/fiat (admin only).
func (h *DepositHandler) RegisterFiatDeposit(w http.ResponseWriter, r *http.Request) {
	var req registerDepositRequest
	if !decodeBody(w, r, &req) {
		return
	}

	deposit, err := h.deposits.RegisterFiatDeposit(r.Context(), service.RegisterFiatDepositRequest{
		CustomerID:    req.CustomerID,
		CorrelationID: req.CorrelationID,
		Amount:        req.Amount,
		Currency:      req.Currency,
	})
	if err != nil {
		if errors.Is(err, service.ErrDepositPayloadMismatch) {
			RespondError(w, r, http.StatusConflict, "deposit/payload-mismatch", err.Error())
			return
		}
		writeServiceError(w, r, "deposit", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, deposit)
}
