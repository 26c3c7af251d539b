// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every method that writes a ledger entry also updates the user's
// materialized balance and the accompanying entity state in one atomic
// unit: either all of it lands or none of it does.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user with a zero balance.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// --- Catalog ---

	// UpsertPlan creates or replaces a staking plan.
	UpsertPlan(ctx context.Context, plan *model.Plan) error

	// GetPlan retrieves a plan by ID, active or not.
	GetPlan(ctx context.Context, id string) (*model.Plan, error)

	// ListPlans returns all plans.
	ListPlans(ctx context.Context) ([]model.Plan, error)

	// UpsertCurrency creates or replaces a deposit currency.
	UpsertCurrency(ctx context.Context, c *model.Currency) error

	// GetCurrency retrieves a currency by ID.
	GetCurrency(ctx context.Context, id string) (*model.Currency, error)

	// ListCurrencies returns all currencies.
	ListCurrencies(ctx context.Context) ([]model.Currency, error)

	// --- Immutable ledger ---

	// PostEntry appends a standalone ledger entry. Debits that would take
	// the ledger sum below zero fail with model.ErrInsufficientBalance; the
	// materialized balance is never consulted.
	PostEntry(ctx context.Context, entry *model.LedgerEntry) error

	// GetLedgerEntriesByUser returns all entries for a user, oldest first.
	GetLedgerEntriesByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// SumLedger returns the sum of all entries for a user.
	SumLedger(ctx context.Context, userID string) (decimal.Decimal, error)

	// GetBalance returns the materialized balance.
	GetBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// RepairBalance overwrites the materialized balance with the ledger sum
	// and returns it.
	RepairBalance(ctx context.Context, userID string) (decimal.Decimal, error)

	// --- Stakes ---

	// CreateStake writes the stake and its STAKE_DEBIT entry atomically.
	// admit, when non-nil, sees the user's existing stakes inside the same
	// unit and may reject the write.
	CreateStake(ctx context.Context, stake *model.Stake, debit *model.LedgerEntry, admit AdmitFunc) error

	// GetStake retrieves a stake by ID.
	GetStake(ctx context.Context, id string) (*model.Stake, error)

	// ListStakesByUser returns a user's stakes, newest first.
	ListStakesByUser(ctx context.Context, userID string) ([]model.Stake, error)

	// ListDueStakes returns ACTIVE, non-held stakes with NextProcessAt <= now.
	ListDueStakes(ctx context.Context, now time.Time, limit int) ([]model.Stake, error)

	// ListPendingStakes returns PENDING stakes awaiting activation.
	ListPendingStakes(ctx context.Context, limit int) ([]model.Stake, error)

	// ApplyAccrual performs one accrual step as a compare-and-set on the
	// stake's NextProcessAt and PaymentsCount. Stale writers get
	// model.ErrConflict; terminal stakes get model.ErrAlreadyTerminal.
	ApplyAccrual(ctx context.Context, a *model.Accrual) error

	// TransitionStake moves a stake from one status to another, optionally
	// re-basing its schedule (activation) and posting a refund entry.
	TransitionStake(ctx context.Context, t *StakeTransition) error

	// HoldStake removes a stake from processing pending manual reconciliation.
	HoldStake(ctx context.Context, id, reason string) error

	// ListPayments returns a stake's payment rows ordered by day.
	ListPayments(ctx context.Context, stakeID string) ([]model.Payment, error)

	// --- Deposits ---

	// CreateDeposit persists a new deposit request.
	CreateDeposit(ctx context.Context, d *model.DepositRequest) error

	// GetDeposit retrieves a deposit request by ID.
	GetDeposit(ctx context.Context, id string) (*model.DepositRequest, error)

	// GetDepositByGatewayID retrieves a deposit request by gateway payment ID.
	GetDepositByGatewayID(ctx context.Context, gatewayPaymentID string) (*model.DepositRequest, error)

	// ListDepositsByUser returns a user's deposit requests, newest first.
	ListDepositsByUser(ctx context.Context, userID string) ([]model.DepositRequest, error)

	// ListOpenDeposits returns non-terminal deposit requests, oldest first.
	ListOpenDeposits(ctx context.Context, limit int) ([]model.DepositRequest, error)

	// TransitionDeposit is a compare-and-set on status that optionally posts
	// a credit in the same unit. Returns model.ErrConflict when the current
	// status is not in t.From.
	TransitionDeposit(ctx context.Context, t *model.DepositTransition) error

	// MarkDepositCancelRequested records an advisory user cancel.
	MarkDepositCancelRequested(ctx context.Context, id string, at time.Time) error

	// --- Referral earnings ---

	// ListReferralEarnings returns commissions received by a user.
	ListReferralEarnings(ctx context.Context, userID string) ([]model.ReferralEarning, error)
}

// AdmitFunc decides whether a new stake fits beside the user's open ones.
type AdmitFunc func(existing []model.Stake) error

// StakeTransition is a compare-and-set on a stake's status.
type StakeTransition struct {
	StakeID string
	From    model.StakeStatus
	To      model.StakeStatus
	Reason  string

	// Rebase, when set, moves StartDate to this instant and recomputes
	// EndDate and NextProcessAt from it.
	Rebase *time.Time

	// Refund, when non-nil, is posted in the same unit. Its Amount is
	// overwritten with RefundOnCancel of the locked row; a zero refund posts
	// nothing and leaves Amount at zero.
	Refund *model.LedgerEntry
	At     time.Time
}

// ApplyRebase recomputes schedule anchors on s from start.
func ApplyRebase(s *model.Stake, start time.Time) {
	s.StartDate = start
	s.EndDate = start.AddDate(0, 0, s.DurationDays)
	s.NextProcessAt = start.AddDate(0, 0, 1)
}
