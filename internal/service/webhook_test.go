package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleFiatDepositWebhookRegistersDeposit(t *testing.T) {
	h := newHarness(t)
	svc := NewWebhookService(h.deposits, "secret", false)
	ctx := context.Background()
	customer := uuid.New()

	body, err := json.Marshal(FiatDepositWebhookPayload{
		CustomerID:    customer.String(),
		CorrelationID: "e2e-1",
		Amount:        dec("250.00"),
		Currency:      "brl",
	})
	require.NoError(t, err)

	resp, err := svc.HandleFiatDepositWebhook(ctx, body, signPayload("secret", body))
	require.NoError(t, err)
	assert.Equal(t, domain.FiatDepositPending, resp.Status)
	assert.Equal(t, "Deposit registered", resp.Message)

	h.rail.statuses["e2e-1"] = "COMPLETED"
	require.NoError(t, h.deposits.RunOnce(ctx))
	assert.True(t, h.store.fiatBalance(customer, domain.CurrencyBRL).Equal(dec("250")))

	replay, err := svc.HandleFiatDepositWebhook(ctx, body, signPayload("secret", body))
	require.NoError(t, err)
	assert.Equal(t, resp.DepositID, replay.DepositID)
	assert.Equal(t, domain.FiatDepositConfirmed, replay.Status)
	assert.Equal(t, "Deposit already confirmed", replay.Message)
}

func TestHandleFiatDepositWebhookRejects(t *testing.T) {
	h := newHarness(t)
	svc := NewWebhookService(h.deposits, "secret", false)
	valid, err := json.Marshal(FiatDepositWebhookPayload{CustomerID: uuid.NewString(), CorrelationID: "e2e-2", Amount: dec("10"), Currency: "BRL"})
	require.NoError(t, err)

	cases := []struct {
		name      string
		body      []byte
		signature string
		wantErr   error
	}{
		{name: "bad signature", body: valid, signature: "sha256=bad", wantErr: ErrInvalidSignature},
		{name: "missing signature", body: valid, signature: "", wantErr: ErrInvalidSignature},
		{name: "malformed json", body: []byte(`{"amount":`), wantErr: domain.ErrInvalidInput},
		{name: "bad customer", body: []byte(`{"customer_id":"nope","correlation_id":"x","amount":"1","currency":"BRL"}`), wantErr: domain.ErrInvalidInput},
		{name: "wrong currency", body: []byte(`{"customer_id":"` + uuid.NewString() + `","correlation_id":"x","amount":"1","currency":"USD"}`), wantErr: domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			signature := tc.signature
			if signature == "" && tc.wantErr != ErrInvalidSignature {
				signature = signPayload("secret", tc.body)
			}
			_, err := svc.HandleFiatDepositWebhook(context.Background(), tc.body, signature)
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestHandleFiatDepositWebhookSkipSignature(t *testing.T) {
	h := newHarness(t)
	svc := NewWebhookService(h.deposits, "", true)
	body := []byte(`{"customer_id":"` + uuid.NewString() + `","correlation_id":"e2e-3","amount":"5","currency":"BRL"}`)

	_, err := svc.HandleFiatDepositWebhook(context.Background(), body, "")
	require.NoError(t, err)
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
