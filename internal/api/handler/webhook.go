package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/crypto-custody/internal/service"
	"go.uber.org/zap"
)

// WebhookHandler accepts signed notifications from the bank.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

// NewWebhookHandler creates a new WebhookHandler instance.
func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		webhookSvc: webhookSvc,
	}
}

// HandleFiatDeposit handles POST /v1/webhooks/fiat-deposit.
// The body is signed with HMAC-SHA256 in the X-Webhook-Signature header.
func (h *WebhookHandler) HandleFiatDeposit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	resp, err := h.webhookSvc.HandleFiatDepositWebhook(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
			return
		}
		if errors.Is(err, service.ErrDepositPayloadMismatch) {
			RespondError(w, r, http.StatusConflict, "webhook/payload-mismatch", err.Error())
			return
		}
		zap.L().Warn("fiat deposit webhook rejected", zap.Error(err))
		writeServiceError(w, r, "webhook", err)
		return
	}

	RespondJSON(w, http.StatusOK, resp)
}
