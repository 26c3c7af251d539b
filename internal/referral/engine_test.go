package referral_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/referral"
	"github.com/atmx/settlement-engine/internal/store"
)

func newEngine(t *testing.T) *referral.Engine {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateUser(ctx, &model.User{ID: "carol"}))
	require.NoError(t, ms.CreateUser(ctx, &model.User{ID: "bob", ReferredByID: "carol"}))
	require.NoError(t, ms.CreateUser(ctx, &model.User{ID: "dave"}))
	return referral.NewEngine(ms, decimal.NewFromInt(5), nil)
}

func TestOnPayout_FivePercentOfTwentyFive(t *testing.T) {
	eng := newEngine(t)
	day := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	credit, err := eng.OnPayout(context.Background(), referral.PayoutEvent{
		FromUserID:  "bob",
		Amount:      decimal.NewFromInt(25),
		StakeID:     "stake-1",
		PaymentDate: day,
	})
	require.NoError(t, err)
	require.NotNil(t, credit)

	assert.Equal(t, "carol", credit.Earning.UserID)
	assert.Equal(t, "bob", credit.Earning.FromUserID)
	assert.Equal(t, "stake-1", credit.Earning.StakeID)
	assert.Equal(t, day, credit.Earning.PaymentDate)
	assert.Equal(t, referral.TypeStakePayout, credit.Earning.Type)
	assert.True(t, credit.Earning.Amount.Equal(decimal.RequireFromString("1.25")), "commission = %s", credit.Earning.Amount)

	assert.Equal(t, "carol", credit.Entry.UserID)
	assert.Equal(t, model.KindReferralCredit, credit.Entry.Kind)
	assert.True(t, credit.Entry.Amount.Equal(credit.Earning.Amount))
}

func TestOnPayout_NoReferrer(t *testing.T) {
	eng := newEngine(t)

	credit, err := eng.OnPayout(context.Background(), referral.PayoutEvent{
		FromUserID: "dave",
		Amount:     decimal.NewFromInt(25),
		StakeID:    "stake-2",
	})
	require.NoError(t, err)
	assert.Nil(t, credit)
}

func TestOnPayout_RoundsToZero(t *testing.T) {
	eng := newEngine(t)

	credit, err := eng.OnPayout(context.Background(), referral.PayoutEvent{
		FromUserID: "bob",
		Amount:     decimal.RequireFromString("0.00000001"),
		StakeID:    "stake-3",
	})
	require.NoError(t, err)
	assert.Nil(t, credit)
}

func TestOnPayout_UnknownPayer(t *testing.T) {
	eng := newEngine(t)

	_, err := eng.OnPayout(context.Background(), referral.PayoutEvent{
		FromUserID: "ghost",
		Amount:     decimal.NewFromInt(25),
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}
