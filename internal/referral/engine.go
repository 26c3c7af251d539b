// Package referral computes commissions owed to a user's referrer when one
// of their stakes pays out. Commissions are single level.
package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// TypeStakePayout marks commissions earned from accrual payouts.
const TypeStakePayout = "STAKE_PAYOUT"

// PayoutEvent describes one accrual payout that may earn a commission.
type PayoutEvent struct {
	FromUserID  string
	Amount      decimal.Decimal
	StakeID     string
	PaymentDate time.Time
}

// Engine prices referral commissions. It does not persist anything: the
// returned credit is written by the caller in the same atomic unit as the
// payout it derives from.
type Engine struct {
	store store.Store
	rate  decimal.Decimal
	clock clock.Clock
}

// NewEngine creates a commission engine paying ratePercent of each payout.
func NewEngine(st store.Store, ratePercent decimal.Decimal, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: st, rate: ratePercent, clock: clk}
}

// Rate returns the commission percentage.
func (e *Engine) Rate() decimal.Decimal { return e.rate }

// OnPayout returns the commission credit owed for ev, or nil when the
// payer has no referrer or the commission rounds to zero.
func (e *Engine) OnPayout(ctx context.Context, ev PayoutEvent) (*model.ReferralCredit, error) {
	if !ev.Amount.IsPositive() || !e.rate.IsPositive() {
		return nil, nil
	}
	payer, err := e.store.GetUser(ctx, ev.FromUserID)
	if err != nil {
		return nil, fmt.Errorf("load payer %s: %w", ev.FromUserID, err)
	}
	referrer := payer.ReferredByID
	if referrer == "" || referrer == payer.ID {
		return nil, nil
	}

	commission := model.Percent(ev.Amount, e.rate)
	if !commission.IsPositive() {
		return nil, nil
	}

	now := e.clock.Now()
	memo := fmt.Sprintf("referral %s%% of payout on %s", e.rate, ev.PaymentDate.Format(time.DateOnly))
	return &model.ReferralCredit{
		Earning: model.ReferralEarning{
			ID:          uuid.NewString(),
			UserID:      referrer,
			FromUserID:  payer.ID,
			StakeID:     ev.StakeID,
			PaymentDate: ev.PaymentDate,
			Amount:      commission,
			Percentage:  e.rate,
			Type:        TypeStakePayout,
			CreatedAt:   now,
		},
		Entry: ledger.NewEntry(referrer, model.KindReferralCredit, commission, ev.StakeID, memo, now),
	}, nil
}

// ListEarnings returns the commissions a user has received.
func (e *Engine) ListEarnings(ctx context.Context, userID string) ([]model.ReferralEarning, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.ListReferralEarnings(ctx, userID)
}
