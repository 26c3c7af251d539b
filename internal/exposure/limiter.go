// Package exposure enforces per-user principal limits on open stakes.
//
// A user's exposure is the principal locked in stakes that are still open
// (PENDING or ACTIVE). Two limits apply: the exposure within a single plan,
// and the aggregate exposure across all plans.
package exposure

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrPerPlanLimitExceeded is returned when a stake would push the user's
	// open principal in one plan beyond the per-plan maximum.
	ErrPerPlanLimitExceeded = fmt.Errorf("exposure: per-plan limit exceeded: %w", model.ErrValidation)

	// ErrTotalLimitExceeded is returned when a stake would push the user's
	// open principal across all plans beyond the aggregate maximum.
	ErrTotalLimitExceeded = fmt.Errorf("exposure: total limit exceeded: %w", model.ErrValidation)
)

// Limiter checks new stakes against a user's open exposure. A zero limit
// disables that check.
type Limiter struct {
	// MaxPerPlan is the maximum open principal in any single plan.
	MaxPerPlan decimal.Decimal

	// MaxTotal is the maximum open principal across all plans.
	MaxTotal decimal.Decimal
}

// NewLimiter creates a limiter with the given per-plan and aggregate limits.
func NewLimiter(maxPerPlan, maxTotal decimal.Decimal) *Limiter {
	return &Limiter{
		MaxPerPlan: maxPerPlan,
		MaxTotal:   maxTotal,
	}
}

// CheckLimit validates whether a new stake of amount in planID respects the
// limits, given existing open principal keyed by plan ID.
func (l *Limiter) CheckLimit(planID string, amount decimal.Decimal, existing map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-plan limit.
	inPlan := existing[planID].Add(amount)
	if l.MaxPerPlan.IsPositive() && inPlan.GreaterThan(l.MaxPerPlan) {
		return ErrPerPlanLimitExceeded
	}

	// 2. Aggregate limit.
	total := amount
	for _, open := range existing {
		total = total.Add(open)
	}
	if l.MaxTotal.IsPositive() && total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}

	return nil
}

// OpenExposure sums the principal of open stakes by plan.
func OpenExposure(stakes []model.Stake) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range stakes {
		if s.Status.Terminal() {
			continue
		}
		out[s.PlanID] = out[s.PlanID].Add(s.Amount)
	}
	return out
}
