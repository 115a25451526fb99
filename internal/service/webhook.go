package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrInvalidSignature = errors.New("invalid signature")

// WebhookService accepts bank notifications of inbound fiat transfers.
type WebhookService struct {
	deposits *DepositService
	hmacKey  []byte
	skipSig  bool
}

func NewWebhookService(deposits *DepositService, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{
		deposits: deposits,
		hmacKey:  []byte(hmacKey),
		skipSig:  skipSignature,
	}
}

// FiatDepositWebhookPayload is the body the bank posts for each inbound transfer.
type FiatDepositWebhookPayload struct {
	CustomerID    string          `json:"customer_id"`
	CorrelationID string          `json:"correlation_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type FiatDepositWebhookResponse struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
}

// HandleFiatDepositWebhook verifies the signature and registers the deposit
// for confirmation by the deposit poll. Replays of the same correlation id are
// acknowledged with the stored status.
func (s *WebhookService) HandleFiatDepositWebhook(ctx context.Context, payload []byte, signature string) (*FiatDepositWebhookResponse, error) {
	if !s.verifyHMAC(payload, signature) {
		return nil, ErrInvalidSignature
	}

	var in FiatDepositWebhookPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, domain.InvalidInput("invalid payload: %v", err)
	}
	customerID, err := uuid.Parse(strings.TrimSpace(in.CustomerID))
	if err != nil {
		return nil, domain.InvalidInput("invalid customer_id")
	}

	deposit, err := s.deposits.RegisterFiatDeposit(ctx, RegisterFiatDepositRequest{
		CustomerID:    customerID,
		CorrelationID: in.CorrelationID,
		Amount:        in.Amount,
		Currency:      in.Currency,
	})
	if err != nil {
		return nil, err
	}

	msg := "Deposit registered"
	if deposit.Status != domain.FiatDepositPending {
		msg = fmt.Sprintf("Deposit already %s", strings.ToLower(deposit.Status))
	}
	return &FiatDepositWebhookResponse{
		DepositID: deposit.ID,
		Status:    deposit.Status,
		Message:   msg,
	}, nil
}

func (s *WebhookService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}

	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(payload)
	expectedSig := "sha256=" + hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expectedSig))
}
