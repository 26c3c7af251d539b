package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// StakeStatus is the lifecycle state of a stake.
type StakeStatus string

const (
	StakePending   StakeStatus = "PENDING"
	StakeActive    StakeStatus = "ACTIVE"
	StakeCompleted StakeStatus = "COMPLETED"
	StakeCancelled StakeStatus = "CANCELLED"
)

// Terminal reports whether no further transition is permitted.
func (s StakeStatus) Terminal() bool {
	return s == StakeCompleted || s == StakeCancelled
}

var stakeTransitions = map[StakeStatus][]StakeStatus{
	StakePending: {StakeActive, StakeCancelled},
	StakeActive:  {StakeCompleted, StakeCancelled},
}

// CanTransition reports whether from → to is a legal stake transition.
func CanTransition(from, to StakeStatus) bool {
	for _, next := range stakeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Stake is a fixed-term commitment of funds. Plan terms are snapshotted at
// creation; later plan edits never reach an existing stake.
type Stake struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	PlanID         string          `json:"plan_id" db:"plan_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	DailyROI       decimal.Decimal `json:"daily_roi" db:"daily_roi"`
	TotalROI       decimal.Decimal `json:"total_roi" db:"total_roi"`
	DurationDays   int             `json:"duration_days" db:"duration_days"`
	ExpectedReturn decimal.Decimal `json:"expected_return" db:"expected_return"`
	TotalEarned    decimal.Decimal `json:"total_earned" db:"total_earned"`
	PaymentsCount  int             `json:"payments_count" db:"payments_count"`
	StartDate      time.Time       `json:"start_date" db:"start_date"`
	EndDate        time.Time       `json:"end_date" db:"end_date"`
	NextProcessAt  time.Time       `json:"next_process_at" db:"next_process_at"`
	Status         StakeStatus     `json:"status" db:"status"`
	HoldReason     string          `json:"hold_reason,omitempty" db:"hold_reason"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// ExpectedReturnFor computes amount + amount*totalROI/100.
func ExpectedReturnFor(amount, totalROI decimal.Decimal) decimal.Decimal {
	return amount.Add(Percent(amount, totalROI))
}

// Schedule returns the payout dates: one per calendar day after StartDate,
// DurationDays entries in total.
func (s *Stake) Schedule() []time.Time {
	dates := make([]time.Time, 0, s.DurationDays)
	for i := 1; i <= s.DurationDays; i++ {
		dates = append(dates, s.StartDate.AddDate(0, 0, i))
	}
	return dates
}

// RemainingDays is the number of accrual steps still owed.
func (s *Stake) RemainingDays() int {
	if n := s.DurationDays - s.PaymentsCount; n > 0 {
		return n
	}
	return 0
}

// Due reports whether the stake owes an accrual step at now.
func (s *Stake) Due(now time.Time) bool {
	return s.Status == StakeActive && s.HoldReason == "" &&
		s.RemainingDays() > 0 && !s.NextProcessAt.After(now)
}

// NextDayAmount computes the payout for the next accrual step: the daily
// rate clamped to the remaining expected return, with the final day taking
// whatever is left so that the payments sum to ExpectedReturn exactly.
func (s *Stake) NextDayAmount() decimal.Decimal {
	remaining := s.ExpectedReturn.Sub(s.TotalEarned)
	if remaining.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if s.PaymentsCount+1 >= s.DurationDays {
		return remaining
	}
	day := Percent(s.Amount, s.DailyROI)
	if day.GreaterThan(remaining) {
		return remaining
	}
	return day
}

// RefundOnCancel is the principal returned when a stake is cancelled.
// Pending stakes never accrued; active stakes return what is left of the
// principal after payouts so far.
func (s *Stake) RefundOnCancel() decimal.Decimal {
	if s.Status == StakePending {
		return s.Amount
	}
	left := s.Amount.Sub(s.TotalEarned)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
