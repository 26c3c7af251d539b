package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func entry(userID string, kind model.EntryKind, amount string, related string) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Amount:    dec(amount),
		RelatedID: related,
		CreatedAt: t0,
	}
}

// fixture holds ids unique to one test so suites can share a database.
type fixture struct {
	st     store.Store
	user   string
	ref    string
	plan   string
	cur    string
	prefix string
}

func newFixture(t *testing.T, st store.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	p := uuid.NewString()[:8]
	f := &fixture{st: st, user: p + "-bob", ref: p + "-carol", plan: p + "-plan", cur: p + "-usdt", prefix: p}

	require.NoError(t, st.CreateUser(ctx, &model.User{ID: f.ref, CreatedAt: t0}))
	require.NoError(t, st.CreateUser(ctx, &model.User{ID: f.user, ReferredByID: f.ref, CreatedAt: t0}))
	require.NoError(t, st.UpsertPlan(ctx, &model.Plan{ID: f.plan, Name: "Test", DailyROI: dec("2.5"), TotalROI: dec("75"),
		DurationDays: 30, MinAmount: dec("100"), Active: true}))
	require.NoError(t, st.UpsertCurrency(ctx, &model.Currency{ID: f.cur, Symbol: "USDT", GatewayCode: "usdttrc20",
		MinDepositUSD: dec("10"), Active: true}))
	return f
}

func (f *fixture) fund(t *testing.T, amount string) {
	t.Helper()
	e := entry(f.user, model.KindDeposit, amount, "")
	require.NoError(t, f.st.PostEntry(context.Background(), &e))
}

func (f *fixture) newStake(status model.StakeStatus) *model.Stake {
	st := &model.Stake{
		ID:             uuid.NewString(),
		UserID:         f.user,
		PlanID:         f.plan,
		Amount:         dec("1000"),
		Currency:       "USD",
		DailyROI:       dec("2.5"),
		TotalROI:       dec("75"),
		DurationDays:   30,
		ExpectedReturn: dec("1750"),
		TotalEarned:    decimal.Zero,
		Status:         status,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	store.ApplyRebase(st, t0)
	return st
}

func (f *fixture) accrual(st *model.Stake, day int, withReferral bool) *model.Accrual {
	payDate := st.StartDate.AddDate(0, 0, day)
	amount := dec("25")
	credit := entry(f.user, model.KindPayoutCredit, "25", st.ID)
	a := &model.Accrual{
		StakeID:               st.ID,
		ExpectedNextProcessAt: payDate,
		ExpectedPaymentsCount: day - 1,
		Payment: model.Payment{
			ID: uuid.NewString(), StakeID: st.ID, UserID: f.user,
			DayIndex: day, Amount: amount, Date: payDate, CreatedAt: payDate,
		},
		Credit:           &credit,
		NewTotalEarned:   amount.Mul(decimal.NewFromInt(int64(day))),
		NewNextProcessAt: payDate.AddDate(0, 0, 1),
		At:               payDate,
	}
	if withReferral {
		a.Referral = &model.ReferralCredit{
			Earning: model.ReferralEarning{
				ID: uuid.NewString(), UserID: f.ref, FromUserID: f.user, StakeID: st.ID,
				PaymentDate: payDate, Amount: dec("1.25"), Percentage: dec("5"), Type: "STAKE_PAYOUT", CreatedAt: payDate,
			},
			Entry: entry(f.ref, model.KindReferralCredit, "1.25", st.ID),
		}
	}
	return a
}

func assertBalanced(t *testing.T, st store.Store, userID, want string) {
	t.Helper()
	ctx := context.Background()
	bal, err := st.GetBalance(ctx, userID)
	require.NoError(t, err)
	sum, err := st.SumLedger(ctx, userID)
	require.NoError(t, err)
	assert.True(t, dec(want).Equal(bal), "balance: want %s, got %s", want, bal)
	assert.True(t, bal.Equal(sum), "balance %s != ledger sum %s", bal, sum)
}

// runConformance exercises the atomicity and compare-and-set contract every
// Store implementation must honour.
func runConformance(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Users", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		err := st.CreateUser(ctx, &model.User{ID: f.user, CreatedAt: t0})
		assert.ErrorIs(t, err, model.ErrConflict)

		err = st.CreateUser(ctx, &model.User{ID: f.prefix + "-x", ReferredByID: f.prefix + "-ghost", CreatedAt: t0})
		assert.ErrorIs(t, err, model.ErrNotFound)

		u, err := st.GetUser(ctx, f.user)
		require.NoError(t, err)
		assert.Equal(t, f.ref, u.ReferredByID)

		_, err = st.GetUser(ctx, f.prefix+"-ghost")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("LedgerRejectsOverdraft", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "100")
		debit := entry(f.user, model.KindWithdrawalDebit, "-150", "")
		assert.ErrorIs(t, st.PostEntry(ctx, &debit), model.ErrInsufficientBalance)

		debit = entry(f.user, model.KindWithdrawalDebit, "-40", "")
		require.NoError(t, st.PostEntry(ctx, &debit))
		assertBalanced(t, st, f.user, "60")

		entries, err := st.GetLedgerEntriesByUser(ctx, f.user)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("CreateStakeIsAtomic", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "500")
		stake := f.newStake(model.StakeActive)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		assert.ErrorIs(t, st.CreateStake(ctx, stake, &debit, nil), model.ErrInsufficientBalance)

		_, err := st.GetStake(ctx, stake.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
		assertBalanced(t, st, f.user, "500")

		f.fund(t, "500")
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))
		assertBalanced(t, st, f.user, "0")

		got, err := st.GetStake(ctx, stake.ID)
		require.NoError(t, err)
		assert.True(t, got.ExpectedReturn.Equal(dec("1750")))
		assert.True(t, got.NextProcessAt.Equal(t0.AddDate(0, 0, 1)))
	})

	t.Run("ApplyAccrualCompareAndSet", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakeActive)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))

		due, err := st.ListDueStakes(ctx, t0.AddDate(0, 0, 1), 100)
		require.NoError(t, err)
		assert.True(t, containsStake(due, stake.ID))

		a := f.accrual(stake, 1, true)
		require.NoError(t, st.ApplyAccrual(ctx, a))

		// Replaying the same step loses the compare-and-set.
		replay := f.accrual(stake, 1, true)
		assert.ErrorIs(t, st.ApplyAccrual(ctx, replay), model.ErrConflict)

		payments, err := st.ListPayments(ctx, stake.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
		assertBalanced(t, st, f.user, "25")
		assertBalanced(t, st, f.ref, "1.25")

		got, err := st.GetStake(ctx, stake.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.PaymentsCount)
		assert.True(t, got.TotalEarned.Equal(dec("25")))

		earnings, err := st.ListReferralEarnings(ctx, f.ref)
		require.NoError(t, err)
		assert.Len(t, earnings, 1)
	})

	t.Run("ApplyAccrualRollsBackOnReferralConflict", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakeActive)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))
		require.NoError(t, st.ApplyAccrual(ctx, f.accrual(stake, 1, true)))

		// Day 2 carrying a referral row keyed on day 1's date.
		a := f.accrual(stake, 2, true)
		a.Referral.Earning.PaymentDate = stake.StartDate.AddDate(0, 0, 1)
		assert.ErrorIs(t, st.ApplyAccrual(ctx, a), model.ErrConflict)

		payments, err := st.ListPayments(ctx, stake.ID)
		require.NoError(t, err)
		assert.Len(t, payments, 1)
		assertBalanced(t, st, f.user, "25")
		assertBalanced(t, st, f.ref, "1.25")
	})

	t.Run("ApplyAccrualCompletes", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakeActive)
		stake.DurationDays = 1
		stake.ExpectedReturn = dec("25")
		store.ApplyRebase(stake, t0)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))

		a := f.accrual(stake, 1, false)
		a.Complete = true
		a.NewNextProcessAt = a.ExpectedNextProcessAt
		require.NoError(t, st.ApplyAccrual(ctx, a))

		got, err := st.GetStake(ctx, stake.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StakeCompleted, got.Status)

		assert.ErrorIs(t, st.ApplyAccrual(ctx, f.accrual(stake, 2, false)), model.ErrAlreadyTerminal)
	})

	t.Run("TransitionStake", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakePending)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))

		pending, err := st.ListPendingStakes(ctx, 100)
		require.NoError(t, err)
		assert.True(t, containsStake(pending, stake.ID))

		err = st.TransitionStake(ctx, &store.StakeTransition{StakeID: stake.ID, From: model.StakeActive, To: model.StakeCancelled, At: t0})
		assert.ErrorIs(t, err, model.ErrConflict)

		activated := t0.Add(3 * time.Hour)
		require.NoError(t, st.TransitionStake(ctx, &store.StakeTransition{
			StakeID: stake.ID, From: model.StakePending, To: model.StakeActive, Rebase: &activated, At: activated,
		}))
		got, err := st.GetStake(ctx, stake.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StakeActive, got.Status)
		assert.True(t, got.NextProcessAt.Equal(activated.AddDate(0, 0, 1)))
		assert.True(t, got.EndDate.Equal(activated.AddDate(0, 0, 30)))

		refund := entry(f.user, model.KindAdjustment, "1000", stake.ID)
		require.NoError(t, st.TransitionStake(ctx, &store.StakeTransition{
			StakeID: stake.ID, From: model.StakeActive, To: model.StakeCancelled, Refund: &refund, At: activated,
		}))
		assertBalanced(t, st, f.user, "1000")

		err = st.TransitionStake(ctx, &store.StakeTransition{StakeID: stake.ID, From: model.StakeActive, To: model.StakeCancelled, At: activated})
		assert.ErrorIs(t, err, model.ErrAlreadyTerminal)
	})

	t.Run("CancelRefundReadsLockedRow", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakeActive)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))

		// The caller's snapshot predates this payout.
		require.NoError(t, st.ApplyAccrual(ctx, f.accrual(stake, 1, false)))

		refund := entry(f.user, model.KindAdjustment, "1000", stake.ID)
		require.NoError(t, st.TransitionStake(ctx, &store.StakeTransition{
			StakeID: stake.ID, From: model.StakeActive, To: model.StakeCancelled, Refund: &refund, At: t0,
		}))
		assert.True(t, refund.Amount.Equal(dec("975")), "refund = %s", refund.Amount)
		assertBalanced(t, st, f.user, "1000")
	})

	t.Run("CancelRefundSkipsZero", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakeActive)
		stake.TotalEarned = dec("1000")
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))

		refund := entry(f.user, model.KindAdjustment, "1000", stake.ID)
		require.NoError(t, st.TransitionStake(ctx, &store.StakeTransition{
			StakeID: stake.ID, From: model.StakeActive, To: model.StakeCancelled, Refund: &refund, At: t0,
		}))
		assert.True(t, refund.Amount.IsZero())
		entries, err := st.GetLedgerEntriesByUser(ctx, f.user)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assertBalanced(t, st, f.user, "0")
	})

	t.Run("CreateStakeAdmitSeesExisting", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "2000")
		first := f.newStake(model.StakeActive)
		debit := entry(f.user, model.KindStakeDebit, "-1000", first.ID)
		require.NoError(t, st.CreateStake(ctx, first, &debit, nil))

		errFull := errors.New("full")
		var seen []model.Stake
		second := f.newStake(model.StakeActive)
		debit2 := entry(f.user, model.KindStakeDebit, "-1000", second.ID)
		err := st.CreateStake(ctx, second, &debit2, func(existing []model.Stake) error {
			seen = existing
			return errFull
		})
		assert.ErrorIs(t, err, errFull)
		require.Len(t, seen, 1)
		assert.Equal(t, first.ID, seen[0].ID)

		_, err = st.GetStake(ctx, second.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
		assertBalanced(t, st, f.user, "1000")
	})

	t.Run("DebitsCheckLedgerNotProjection", func(t *testing.T) {
		st := newStore(t)
		c, ok := st.(balanceCorrupter)
		if !ok {
			t.Skip("store cannot overwrite balances")
		}
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		c.CorruptBalance(f.user, dec("5000"))

		stake := f.newStake(model.StakeActive)
		stake.Amount = dec("3000")
		debit := entry(f.user, model.KindStakeDebit, "-3000", stake.ID)
		assert.ErrorIs(t, st.CreateStake(ctx, stake, &debit, nil), model.ErrInsufficientBalance)

		withdrawal := entry(f.user, model.KindWithdrawalDebit, "-3000", "")
		assert.ErrorIs(t, st.PostEntry(ctx, &withdrawal), model.ErrInsufficientBalance)

		sum, err := st.SumLedger(ctx, f.user)
		require.NoError(t, err)
		assert.True(t, sum.Equal(dec("1000")))
	})

	t.Run("RepairBalance", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "80")
		if c, ok := st.(balanceCorrupter); ok {
			c.CorruptBalance(f.user, dec("999"))
		}
		repaired, err := st.RepairBalance(ctx, f.user)
		require.NoError(t, err)
		assert.True(t, repaired.Equal(dec("80")))
		assertBalanced(t, st, f.user, "80")

		_, err = st.RepairBalance(ctx, f.prefix+"-nobody")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("HoldStakeLeavesDueList", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		f.fund(t, "1000")
		stake := f.newStake(model.StakeActive)
		debit := entry(f.user, model.KindStakeDebit, "-1000", stake.ID)
		require.NoError(t, st.CreateStake(ctx, stake, &debit, nil))
		require.NoError(t, st.HoldStake(ctx, stake.ID, "payments mismatch"))

		due, err := st.ListDueStakes(ctx, t0.AddDate(0, 0, 5), 100)
		require.NoError(t, err)
		assert.False(t, containsStake(due, stake.ID))

		got, err := st.GetStake(ctx, stake.ID)
		require.NoError(t, err)
		assert.Equal(t, "payments mismatch", got.HoldReason)
	})

	t.Run("DepositCreditsOnce", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		d := &model.DepositRequest{
			ID: uuid.NewString(), UserID: f.user, CurrencyID: f.cur, AmountUSD: dec("100"),
			PayAmount: dec("100"), PayCurrency: "usdttrc20", Address: "T-addr",
			GatewayPaymentID: f.prefix + "-gw-1", GatewayStatus: "waiting",
			ExpiresAt: t0.Add(time.Hour), Status: model.DepositPending, CreatedAt: t0, UpdatedAt: t0,
		}
		require.NoError(t, st.CreateDeposit(ctx, d))

		dup := *d
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, st.CreateDeposit(ctx, &dup), model.ErrConflict)

		open, err := st.ListOpenDeposits(ctx, 0)
		require.NoError(t, err)
		assert.True(t, containsDeposit(open, d.ID))

		require.NoError(t, st.MarkDepositCancelRequested(ctx, d.ID, t0.Add(time.Minute)))

		confirm := func() error {
			credit := entry(f.user, model.KindDeposit, "100", d.ID)
			return st.TransitionDeposit(ctx, &model.DepositTransition{
				DepositID: d.ID,
				From:      []model.DepositStatus{model.DepositPending, model.DepositPartiallyPaid},
				To:        model.DepositConfirmed, GatewayStatus: "finished",
				Credit: &credit, At: t0.Add(10 * time.Minute),
			})
		}
		require.NoError(t, confirm())
		assert.ErrorIs(t, confirm(), model.ErrConflict)
		assertBalanced(t, st, f.user, "100")

		got, err := st.GetDepositByGatewayID(ctx, d.GatewayPaymentID)
		require.NoError(t, err)
		assert.Equal(t, model.DepositConfirmed, got.Status)
		assert.Equal(t, "finished", got.GatewayStatus)
		require.NotNil(t, got.CancelRequestedAt)

		open, err = st.ListOpenDeposits(ctx, 0)
		require.NoError(t, err)
		assert.False(t, containsDeposit(open, d.ID))

		list, err := st.ListDepositsByUser(ctx, f.user)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("Catalog", func(t *testing.T) {
		st := newStore(t)
		f := newFixture(t, st)
		ctx := context.Background()

		p, err := st.GetPlan(ctx, f.plan)
		require.NoError(t, err)
		assert.True(t, p.DailyROI.Equal(dec("2.5")))

		p.Active = false
		require.NoError(t, st.UpsertPlan(ctx, p))
		p, err = st.GetPlan(ctx, f.plan)
		require.NoError(t, err)
		assert.False(t, p.Active)

		c, err := st.GetCurrency(ctx, f.cur)
		require.NoError(t, err)
		assert.True(t, c.MinDepositUSD.Equal(dec("10")))

		_, err = st.GetPlan(ctx, f.prefix+"-missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

// balanceCorrupter overwrites a materialized balance without touching the
// ledger, so drift handling can be exercised.
type balanceCorrupter interface {
	CorruptBalance(userID string, balance decimal.Decimal)
}

func containsStake(list []model.Stake, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}

func containsDeposit(list []model.DepositRequest, id string) bool {
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}
