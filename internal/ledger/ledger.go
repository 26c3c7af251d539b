// Package ledger is the read and adjustment surface over the immutable
// ledger. A user's balance is the sum of their entries; the materialized
// value on the user row is a projection that is verified on every read.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// ErrInvalidAmount rejects zero or wrongly signed amounts.
var ErrInvalidAmount = fmt.Errorf("ledger: invalid amount: %w", model.ErrValidation)

// NewEntry builds a ledger entry with a fresh ID.
func NewEntry(userID string, kind model.EntryKind, amount decimal.Decimal, relatedID, memo string, at time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Amount:    amount,
		RelatedID: relatedID,
		Memo:      memo,
		CreatedAt: at,
	}
}

// Service reads balances and posts standalone entries.
type Service struct {
	store store.Store
	clock clock.Clock
}

// NewService creates a ledger service.
func NewService(st store.Store, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{store: st, clock: clk}
}

// Balance returns the user's balance. The materialized value is checked
// against the entry sum; on drift the projection is rewritten from the
// ledger and the ledger value is returned.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	materialized, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	sum, err := s.store.SumLedger(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger for %s: %w", userID, err)
	}
	if materialized.Equal(sum) {
		return materialized, nil
	}

	slog.Warn("materialized balance drifted from ledger",
		"user_id", userID,
		"materialized", materialized.String(),
		"ledger", sum.String(),
	)
	metrics.BalanceRepairs.Inc()
	repaired, err := s.store.RepairBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("repair balance for %s: %w", userID, err)
	}
	return repaired, nil
}

// Entries returns a user's ledger entries, oldest first.
func (s *Service) Entries(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.GetLedgerEntriesByUser(ctx, userID)
}

// Adjust posts a signed administrative ADJUSTMENT. Negative adjustments are
// subject to the same funds check as any debit.
func (s *Service) Adjust(ctx context.Context, userID string, amount decimal.Decimal, memo string) (*model.LedgerEntry, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	e := NewEntry(userID, model.KindAdjustment, amount.Round(model.MoneyScale), "", memo, s.clock.Now())
	if err := s.store.PostEntry(ctx, &e); err != nil {
		return nil, err
	}
	slog.Info("balance adjusted", "user_id", userID, "amount", e.Amount.String(), "memo", memo)
	return &e, nil
}

// Withdraw posts a WITHDRAWAL_DEBIT for a positive amount.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, memo string) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	e := NewEntry(userID, model.KindWithdrawalDebit, amount.Round(model.MoneyScale).Neg(), "", memo, s.clock.Now())
	if err := s.store.PostEntry(ctx, &e); err != nil {
		return nil, err
	}
	slog.Info("withdrawal debited", "user_id", userID, "amount", amount.String())
	return &e, nil
}
