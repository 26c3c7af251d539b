package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func newEnv(t *testing.T) (*ledger.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	require.NoError(t, ms.CreateUser(context.Background(), &model.User{ID: "u1"}))
	return ledger.NewService(ms, nil), ms
}

func TestAdjustAndWithdraw(t *testing.T) {
	svc, _ := newEnv(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "u1", decimal.NewFromInt(500), "opening credit")
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, "u1", decimal.NewFromInt(120), "payout to wallet")
	require.NoError(t, err)

	bal, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(380)), "balance = %s", bal)

	entries, err := svc.Entries(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.KindAdjustment, entries[0].Kind)
	assert.Equal(t, model.KindWithdrawalDebit, entries[1].Kind)
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromInt(-120)))
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	svc, ms := newEnv(t)
	ctx := context.Background()

	_, err := svc.Withdraw(ctx, "u1", decimal.NewFromInt(1), "")
	assert.True(t, errors.Is(err, model.ErrInsufficientBalance), "got %v", err)

	entries, _ := ms.GetLedgerEntriesByUser(ctx, "u1")
	assert.Empty(t, entries)
}

func TestInvalidAmounts(t *testing.T) {
	svc, _ := newEnv(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "u1", decimal.Zero, "")
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = svc.Withdraw(ctx, "u1", decimal.NewFromInt(-5), "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestBalance_HealsDrift(t *testing.T) {
	svc, ms := newEnv(t)
	ctx := context.Background()

	_, err := svc.Adjust(ctx, "u1", decimal.NewFromInt(250), "")
	require.NoError(t, err)

	ms.CorruptBalance("u1", decimal.NewFromInt(9999))

	bal, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(250)), "balance = %s", bal)

	// The projection itself was rewritten.
	materialized, err := ms.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, materialized.Equal(decimal.NewFromInt(250)))
}

func TestBalance_UnknownUser(t *testing.T) {
	svc, _ := newEnv(t)
	_, err := svc.Balance(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
