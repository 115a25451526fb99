package service

import (
	"context"
	"errors"
	"testing"

	"github.com/ayo6706/crypto-custody/internal/domain"
	"github.com/ayo6706/crypto-custody/internal/gateway"
	"github.com/ayo6706/crypto-custody/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCommission(t *testing.T) {
	store := newMemStore()
	svc := NewAffiliateService(store, newFakeRail(), domain.CurrencyBRL)
	ctx := context.Background()
	in := gateway.CommissionInput{AffiliateID: uuid.New(), CustomerID: uuid.New(), ConversionID: uuid.New(), Spread: dec("3.33"), Rate: dec("0.25")}

	c, err := svc.RecordCommission(ctx, in)
	require.NoError(t, err)
	assert.True(t, c.Amount.Equal(dec("0.83")), "got %s", c.Amount)
	assert.Equal(t, domain.CommissionPending, c.Status)

	again, err := svc.RecordCommission(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID, "one commission per conversion")

	in.ConversionID = uuid.New()
	in.Spread = dec("0.01")
	empty, err := svc.RecordCommission(ctx, in)
	require.NoError(t, err)
	assert.True(t, empty.Amount.IsZero())
}

func TestSettleCommission(t *testing.T) {
	store := newMemStore()
	rail := newFakeRail()
	svc := NewAffiliateService(store, rail, domain.CurrencyBRL)
	ctx := context.Background()
	affiliate := uuid.New()

	res, err := svc.SettleCommission(ctx, affiliate)
	require.NoError(t, err)
	assert.False(t, res.Settled, "nothing pending")

	for _, spread := range []string{"3", "5"} {
		_, err := svc.RecordCommission(ctx, gateway.CommissionInput{AffiliateID: affiliate, CustomerID: uuid.New(), ConversionID: uuid.New(), Spread: dec(spread), Rate: dec("0.5")})
		require.NoError(t, err)
	}

	_, err = svc.SettleCommission(ctx, affiliate)
	require.ErrorIs(t, err, domain.ErrInvalidInput, "affiliate without a payout key")

	store.setProfile(models.CustomerProfile{CustomerID: affiliate, PixKey: "aff@pix"})
	rail.sendErr = errors.New("bank offline")
	_, err = svc.SettleCommission(ctx, affiliate)
	require.ErrorIs(t, err, domain.ErrExternal)
	pending, err := store.ListPendingCommissionsForUpdate(ctx, affiliate)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "failed payout leaves commissions pending")

	rail.sendErr = nil
	res, err = svc.SettleCommission(ctx, affiliate)
	require.NoError(t, err)
	assert.True(t, res.Settled)

	transfers := rail.sent()
	last := transfers[len(transfers)-1]
	assert.True(t, last.Amount.Equal(dec("4")))
	assert.Equal(t, "aff@pix", last.DestinationKey)
	assert.Equal(t, res.TxID, "pix-"+last.IdempotencyKey)

	pending, err = store.ListPendingCommissionsForUpdate(ctx, affiliate)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
