// Package staking owns the stake lifecycle: creation against a plan,
// activation, cancellation and completion.
//
// State machine:
//
//	PENDING ──► ACTIVE ──► COMPLETED
//	   │          │
//	   └──────────┴──► CANCELLED
//
// COMPLETED and CANCELLED are terminal.
package staking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/catalog"
	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/exposure"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts or amounts
	// outside the plan's range.
	ErrInvalidAmount = fmt.Errorf("staking: invalid amount: %w", model.ErrValidation)

	// ErrPlanInactive is returned when the plan is unknown or disabled.
	ErrPlanInactive = catalog.ErrPlanInactive

	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow.
	ErrInvalidTransition = fmt.Errorf("staking: invalid transition: %w", model.ErrConflict)
)

// Manager creates stakes and drives their lifecycle transitions.
type Manager struct {
	store           store.Store
	catalog         *catalog.Catalog
	limiter         *exposure.Limiter
	clock           clock.Clock
	notifier        events.Notifier
	deferActivation bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithLimiter enforces per-user exposure limits on creation.
func WithLimiter(l *exposure.Limiter) Option { return func(m *Manager) { m.limiter = l } }

// WithNotifier publishes lifecycle events.
func WithNotifier(n events.Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithDeferredActivation opens new stakes as PENDING.
func WithDeferredActivation(on bool) Option { return func(m *Manager) { m.deferActivation = on } }

// NewManager creates a stake lifecycle manager.
func NewManager(st store.Store, cat *catalog.Catalog, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		catalog:  cat,
		clock:    clock.System{},
		notifier: events.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateStake locks amount from the user's balance into a new stake on
// planID. The debit and the stake row land together or not at all.
func (m *Manager) CreateStake(ctx context.Context, userID, planID string, amount decimal.Decimal) (*model.Stake, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Round(model.MoneyScale)) {
		return nil, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, model.MoneyScale)
	}

	plan, err := m.catalog.GetActivePlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if amount.LessThan(plan.MinAmount) {
		return nil, fmt.Errorf("%w: %s below plan minimum %s", ErrInvalidAmount, amount, plan.MinAmount)
	}
	if plan.MaxAmount.IsPositive() && amount.GreaterThan(plan.MaxAmount) {
		return nil, fmt.Errorf("%w: %s above plan maximum %s", ErrInvalidAmount, amount, plan.MaxAmount)
	}
	if _, err := m.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	var admit store.AdmitFunc
	if m.limiter != nil {
		admit = func(existing []model.Stake) error {
			return m.limiter.CheckLimit(planID, amount, exposure.OpenExposure(existing))
		}
	}

	now := m.now()
	status := model.StakeActive
	if m.deferActivation {
		status = model.StakePending
	}
	totalROI := plan.EffectiveTotalROI()
	st := &model.Stake{
		ID:             uuid.NewString(),
		UserID:         userID,
		PlanID:         plan.ID,
		Amount:         amount,
		Currency:       "USD",
		DailyROI:       plan.DailyROI,
		TotalROI:       totalROI,
		DurationDays:   plan.DurationDays,
		ExpectedReturn: model.ExpectedReturnFor(amount, totalROI),
		TotalEarned:    decimal.Zero,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	store.ApplyRebase(st, now)

	debit := ledger.NewEntry(userID, model.KindStakeDebit, amount.Neg(), st.ID, "stake into "+plan.Name, now)
	if err := m.store.CreateStake(ctx, st, &debit, admit); err != nil {
		return nil, err
	}

	metrics.StakesCreated.WithLabelValues(plan.ID, string(status)).Inc()
	m.notifier.Publish(events.Event{
		Type:    events.StakeCreated,
		UserID:  userID,
		StakeID: st.ID,
		Status:  string(status),
		Amount:  amount.String(),
		At:      now,
	})
	slog.Info("stake created",
		"stake_id", st.ID,
		"user_id", userID,
		"plan_id", plan.ID,
		"amount", amount.String(),
		"expected_return", st.ExpectedReturn.String(),
		"status", status,
	)
	return st, nil
}

// ActivateStake moves a PENDING stake to ACTIVE and re-bases its schedule
// on the activation time.
func (m *Manager) ActivateStake(ctx context.Context, stakeID string) (*model.Stake, error) {
	st, err := m.store.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	err = m.transition(ctx, st.UserID, &store.StakeTransition{
		StakeID: stakeID,
		From:    model.StakePending,
		To:      model.StakeActive,
		Reason:  "activation",
		Rebase:  &now,
		At:      now,
	})
	if err != nil {
		return nil, err
	}
	return m.store.GetStake(ctx, stakeID)
}

// CancelStake cancels a PENDING or ACTIVE stake and refunds the principal
// not yet returned through payouts, in the same atomic unit.
func (m *Manager) CancelStake(ctx context.Context, stakeID, reason string) (*model.Stake, error) {
	st, err := m.store.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return nil, fmt.Errorf("stake %s is %s: %w", st.ID, st.Status, model.ErrAlreadyTerminal)
	}

	now := m.now()
	t := &store.StakeTransition{
		StakeID: st.ID,
		From:    st.Status,
		To:      model.StakeCancelled,
		Reason:  reason,
		At:      now,
	}
	// The store fills in the amount from the locked row.
	refund := ledger.NewEntry(st.UserID, model.KindAdjustment, decimal.Zero, st.ID, "stake cancelled: "+reason, now)
	t.Refund = &refund
	if err := m.transition(ctx, st.UserID, t); err != nil {
		return nil, err
	}
	return m.store.GetStake(ctx, stakeID)
}

// CompleteStake marks an ACTIVE stake COMPLETED once every payout day has
// been recorded. The accrual scheduler completes stakes as part of the
// final step; this covers stakes released from hold after reconciliation.
func (m *Manager) CompleteStake(ctx context.Context, stakeID string) (*model.Stake, error) {
	st, err := m.store.GetStake(ctx, stakeID)
	if err != nil {
		return nil, err
	}
	if st.Status.Terminal() {
		return nil, fmt.Errorf("stake %s is %s: %w", st.ID, st.Status, model.ErrAlreadyTerminal)
	}
	if st.RemainingDays() > 0 {
		return nil, fmt.Errorf("%w: stake %s still owes %d payouts", ErrInvalidTransition, st.ID, st.RemainingDays())
	}
	err = m.transition(ctx, st.UserID, &store.StakeTransition{
		StakeID: st.ID,
		From:    st.Status,
		To:      model.StakeCompleted,
		Reason:  "all payouts recorded",
		At:      m.now(),
	})
	if err != nil {
		return nil, err
	}
	return m.store.GetStake(ctx, stakeID)
}

func (m *Manager) transition(ctx context.Context, userID string, t *store.StakeTransition) error {
	if !model.CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if err := m.store.TransitionStake(ctx, t); err != nil {
		return err
	}

	metrics.StakeTransitions.WithLabelValues(string(t.To)).Inc()
	ev := events.Event{UserID: userID, StakeID: t.StakeID, Status: string(t.To), At: t.At}
	switch t.To {
	case model.StakeActive:
		ev.Type = events.StakeActivated
	case model.StakeCancelled:
		ev.Type = events.StakeCancelled
	case model.StakeCompleted:
		ev.Type = events.StakeCompleted
	}
	if t.Refund != nil && t.Refund.Amount.IsPositive() {
		ev.Amount = t.Refund.Amount.String()
	}
	m.notifier.Publish(ev)

	slog.Info("stake transitioned", "stake_id", t.StakeID, "from", t.From, "to", t.To, "reason", t.Reason)
	return nil
}

// Schedule returns the stake's payout dates, one per calendar day after
// StartDate.
func (m *Manager) Schedule(st *model.Stake) []time.Time {
	return st.Schedule()
}

// GetStake returns a stake by ID.
func (m *Manager) GetStake(ctx context.Context, stakeID string) (*model.Stake, error) {
	return m.store.GetStake(ctx, stakeID)
}

// ListStakes returns a user's stakes, newest first.
func (m *Manager) ListStakes(ctx context.Context, userID string) ([]model.Stake, error) {
	return m.store.ListStakesByUser(ctx, userID)
}

// ListPayments returns a stake's payment rows ordered by day.
func (m *Manager) ListPayments(ctx context.Context, stakeID string) ([]model.Payment, error) {
	if _, err := m.store.GetStake(ctx, stakeID); err != nil {
		return nil, err
	}
	return m.store.ListPayments(ctx, stakeID)
}

// IsNoop reports whether err means the requested transition already
// happened or can no longer apply.
func IsNoop(err error) bool {
	return errors.Is(err, model.ErrAlreadyTerminal)
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC().Truncate(time.Microsecond)
}
