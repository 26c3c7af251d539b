package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func TestMemoryStore(t *testing.T) {
	runConformance(t, func(t *testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStore_RepairBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	f.fund(t, "80")
	ms.CorruptBalance(f.user, dec("999"))

	bal, err := ms.GetBalance(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("999")))

	repaired, err := ms.RepairBalance(ctx, f.user)
	require.NoError(t, err)
	assert.True(t, repaired.Equal(dec("80")))
	assertBalanced(t, ms, f.user, "80")
}

func TestMemoryStore_ListsReturnCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	f.fund(t, "1000")
	stake := f.newStake(model.StakeActive)
	debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
	require.NoError(t, ms.CreateStake(ctx, stake, &debit, nil))

	got, err := ms.GetStake(ctx, stake.ID)
	require.NoError(t, err)
	got.Status = model.StakeCancelled

	again, err := ms.GetStake(ctx, stake.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StakeActive, again.Status)
}
