// Package accrual advances active stakes one payout day at a time.
//
// Each step writes the payment row, the payout credit, the stake counters
// and any referral commission as one compare-and-set on the stake's
// (NextProcessAt, PaymentsCount). Two workers racing on the same day both
// compute the step; only one write lands and the other sees
// model.ErrConflict.
package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/lease"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/referral"
	"github.com/atmx/settlement-engine/internal/staking"
	"github.com/atmx/settlement-engine/internal/store"
)

const leaseKey = "accrual-pass"

// PassResult summarizes one RunOnce.
type PassResult struct {
	Activated int  `json:"activated"`
	Steps     int  `json:"steps"`
	Completed int  `json:"completed"`
	Conflicts int  `json:"conflicts"`
	Held      int  `json:"held"`
	Skipped   bool `json:"skipped,omitempty"` // another replica held the lease
}

// Config tunes the scheduler loop.
type Config struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
}

// Scheduler runs accrual passes.
type Scheduler struct {
	store    store.Store
	stakes   *staking.Manager
	referral *referral.Engine
	clock    clock.Clock
	lease    lease.Lease
	notifier events.Notifier
	cfg      Config
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock used for activation and events.
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clock = c } }

// WithLease coordinates passes across replicas.
func WithLease(l lease.Lease) Option { return func(s *Scheduler) { s.lease = l } }

// WithNotifier publishes payout and completion events.
func WithNotifier(n events.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// NewScheduler constructs a Scheduler.
func NewScheduler(st store.Store, stakes *staking.Manager, ref *referral.Engine, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	s := &Scheduler{
		store:    st,
		stakes:   stakes,
		referral: ref,
		clock:    clock.System{},
		lease:    lease.Local{},
		notifier: events.Nop{},
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a pass immediately and then on every interval until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.Info("accrual scheduler started", "interval", s.cfg.Interval.String())
	for {
		if _, err := s.RunOnce(ctx, s.clock.Now()); err != nil && ctx.Err() == nil {
			slog.Error("accrual pass failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("accrual scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce activates deferred stakes, then performs every accrual step due
// at now. A stake that fell behind catches up one day per step, never more
// than the days it still owes.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (PassResult, error) {
	var res PassResult
	start := time.Now()
	defer func() {
		metrics.SchedulerPassDuration.WithLabelValues("accrual").Observe(time.Since(start).Seconds())
	}()

	ok, err := s.lease.TryAcquire(ctx, leaseKey, s.cfg.LeaseTTL)
	if err != nil {
		return res, fmt.Errorf("acquire accrual lease: %w", err)
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := s.lease.Release(context.WithoutCancel(ctx), leaseKey); err != nil {
			slog.Warn("release accrual lease", "err", err)
		}
	}()

	if err := s.activatePending(ctx, &res); err != nil {
		return res, err
	}

	due, err := s.store.ListDueStakes(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list due stakes: %w", err)
	}
	for i := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.processStake(ctx, &due[i], now, &res)
	}

	if res.Activated+res.Steps+res.Conflicts+res.Held > 0 {
		slog.Info("accrual pass",
			"activated", res.Activated,
			"steps", res.Steps,
			"completed", res.Completed,
			"conflicts", res.Conflicts,
			"held", res.Held,
		)
	}
	return res, nil
}

func (s *Scheduler) activatePending(ctx context.Context, res *PassResult) error {
	pending, err := s.store.ListPendingStakes(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list pending stakes: %w", err)
	}
	for _, st := range pending {
		_, err := s.stakes.ActivateStake(ctx, st.ID)
		switch {
		case err == nil:
			res.Activated++
		case errors.Is(err, model.ErrConflict), staking.IsNoop(err):
			slog.Debug("stake activation skipped", "stake_id", st.ID, "err", err)
		default:
			slog.Error("stake activation failed", "stake_id", st.ID, "err", err)
		}
	}
	return nil
}

func (s *Scheduler) processStake(ctx context.Context, st *model.Stake, now time.Time, res *PassResult) {
	if err := s.verify(ctx, st); err != nil {
		switch {
		case errors.Is(err, model.ErrInconsistent):
			s.hold(ctx, st, err, res)
		case errors.Is(err, model.ErrConflict):
			res.Conflicts++
			metrics.AccrualConflicts.Inc()
			slog.Debug("stake moved before accrual", "stake_id", st.ID)
		default:
			slog.Error("verify stake payments", "stake_id", st.ID, "err", err)
		}
		return
	}

	bound := st.RemainingDays()
	for i := 0; i < bound && st.Due(now); i++ {
		err := s.step(ctx, st, now)
		switch {
		case err == nil:
			res.Steps++
			if st.Status == model.StakeCompleted {
				res.Completed++
			}
		case errors.Is(err, model.ErrConflict):
			res.Conflicts++
			metrics.AccrualConflicts.Inc()
			slog.Debug("accrual step lost race", "stake_id", st.ID, "day", st.PaymentsCount+1, "err", err)
			return
		case errors.Is(err, model.ErrAlreadyTerminal):
			return
		case errors.Is(err, model.ErrInconsistent):
			s.hold(ctx, st, err, res)
			return
		default:
			slog.Error("accrual step failed", "stake_id", st.ID, "day", st.PaymentsCount+1, "err", err)
			return
		}
	}
}

// verify cross-checks the payment rows against the stake's counters.
// Payments are read before the stake is re-read: if the stake moved since
// it was listed, another worker is advancing it and the pass backs off.
func (s *Scheduler) verify(ctx context.Context, st *model.Stake) error {
	payments, err := s.store.ListPayments(ctx, st.ID)
	if err != nil {
		return err
	}
	fresh, err := s.store.GetStake(ctx, st.ID)
	if err != nil {
		return err
	}
	if fresh.PaymentsCount != st.PaymentsCount || !fresh.NextProcessAt.Equal(st.NextProcessAt) ||
		fresh.Status != st.Status || fresh.HoldReason != st.HoldReason {
		return fmt.Errorf("stake %s advanced since listing: %w", st.ID, model.ErrConflict)
	}
	sum := decimal.Zero
	for _, p := range payments {
		sum = sum.Add(p.Amount)
	}
	if len(payments) != st.PaymentsCount || !sum.Equal(st.TotalEarned) {
		return fmt.Errorf("stake %s: %d payments summing %s, stake records %d earning %s: %w",
			st.ID, len(payments), sum, st.PaymentsCount, st.TotalEarned, model.ErrInconsistent)
	}
	return nil
}

// step performs one accrual day and mirrors the applied change onto st.
func (s *Scheduler) step(ctx context.Context, st *model.Stake, now time.Time) error {
	amount := st.NextDayAmount()
	day := st.PaymentsCount + 1
	payDate := st.NextProcessAt
	complete := day >= st.DurationDays

	next := payDate.AddDate(0, 0, 1)
	if complete {
		next = payDate
	}
	a := &model.Accrual{
		StakeID:               st.ID,
		ExpectedNextProcessAt: st.NextProcessAt,
		ExpectedPaymentsCount: st.PaymentsCount,
		Payment: model.Payment{
			ID:        uuid.NewString(),
			StakeID:   st.ID,
			UserID:    st.UserID,
			DayIndex:  day,
			Amount:    amount,
			Date:      payDate,
			CreatedAt: now,
		},
		NewTotalEarned:   st.TotalEarned.Add(amount),
		NewNextProcessAt: next,
		Complete:         complete,
		At:               now,
	}

	if amount.IsPositive() {
		memo := fmt.Sprintf("payout day %d of %d", day, st.DurationDays)
		credit := ledger.NewEntry(st.UserID, model.KindPayoutCredit, amount, st.ID, memo, now)
		a.Credit = &credit

		ref, err := s.referral.OnPayout(ctx, referral.PayoutEvent{
			FromUserID:  st.UserID,
			Amount:      amount,
			StakeID:     st.ID,
			PaymentDate: payDate,
		})
		if err != nil {
			return fmt.Errorf("referral for stake %s day %d: %w", st.ID, day, err)
		}
		a.Referral = ref
	}

	if err := s.store.ApplyAccrual(ctx, a); err != nil {
		return err
	}

	st.TotalEarned = a.NewTotalEarned
	st.PaymentsCount = day
	st.NextProcessAt = next
	st.UpdatedAt = now
	if complete {
		st.Status = model.StakeCompleted
	}
	s.record(st, a)
	return nil
}

func (s *Scheduler) record(st *model.Stake, a *model.Accrual) {
	metrics.AccrualSteps.Inc()
	amount, _ := a.Payment.Amount.Float64()
	metrics.PayoutVolume.Add(amount)

	s.notifier.Publish(events.Event{
		Type:     events.PayoutCredited,
		UserID:   st.UserID,
		StakeID:  st.ID,
		Amount:   a.Payment.Amount.String(),
		DayIndex: a.Payment.DayIndex,
		At:       a.At,
	})
	if r := a.Referral; r != nil {
		metrics.ReferralCredits.Inc()
		s.notifier.Publish(events.Event{
			Type:    events.ReferralCredited,
			UserID:  r.Earning.UserID,
			StakeID: st.ID,
			Amount:  r.Earning.Amount.String(),
			At:      a.At,
		})
	}
	if a.Complete {
		metrics.StakeTransitions.WithLabelValues(string(model.StakeCompleted)).Inc()
		s.notifier.Publish(events.Event{
			Type:    events.StakeCompleted,
			UserID:  st.UserID,
			StakeID: st.ID,
			Status:  string(model.StakeCompleted),
			Amount:  st.TotalEarned.String(),
			At:      a.At,
		})
		slog.Info("stake completed", "stake_id", st.ID, "total_earned", st.TotalEarned.String())
	}
}

func (s *Scheduler) hold(ctx context.Context, st *model.Stake, cause error, res *PassResult) {
	reason := cause.Error()
	if err := s.store.HoldStake(ctx, st.ID, reason); err != nil {
		slog.Error("failed to hold inconsistent stake", "stake_id", st.ID, "err", err)
		return
	}
	res.Held++
	metrics.StakesHeld.Inc()
	s.notifier.Publish(events.Event{
		Type:    events.StakeHeld,
		UserID:  st.UserID,
		StakeID: st.ID,
		Status:  string(st.Status),
		At:      s.clock.Now(),
	})
	slog.Error("stake held for reconciliation", "stake_id", st.ID, "reason", reason)
}
