package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex serializes every write, which makes each multi-row
// operation atomic: all validation happens before the first mutation.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*model.User
	plans      map[string]*model.Plan
	currencies map[string]*model.Currency
	stakes     map[string]*model.Stake
	payments   map[string][]model.Payment
	deposits   map[string]*model.DepositRequest
	ledger     []model.LedgerEntry
	referrals  []model.ReferralEarning
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*model.User),
		plans:      make(map[string]*model.Plan),
		currencies: make(map[string]*model.Currency),
		stakes:     make(map[string]*model.Stake),
		payments:   make(map[string][]model.Payment),
		deposits:   make(map[string]*model.DepositRequest),
	}
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists: %w", u.ID, model.ErrConflict)
	}
	if u.ReferredByID != "" {
		if _, ok := s.users[u.ReferredByID]; !ok {
			return fmt.Errorf("referrer %s: %w", u.ReferredByID, model.ErrNotFound)
		}
	}
	copy := *u
	copy.Balance = decimal.Zero
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, model.ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

// --- Catalog ---

func (s *MemoryStore) UpsertPlan(_ context.Context, p *model.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.plans[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, id string) (*model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, model.ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPlans(_ context.Context) ([]model.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]model.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, *p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (s *MemoryStore) UpsertCurrency(_ context.Context, c *model.Currency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *c
	s.currencies[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetCurrency(_ context.Context, id string) (*model.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.currencies[id]
	if !ok {
		return nil, fmt.Errorf("currency %s: %w", id, model.ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListCurrencies(_ context.Context) ([]model.Currency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Currency, 0, len(s.currencies))
	for _, c := range s.currencies {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Immutable ledger ---

func (s *MemoryStore) PostEntry(_ context.Context, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFunds(e); err != nil {
		return err
	}
	s.appendEntry(*e)
	return nil
}

func (s *MemoryStore) GetLedgerEntriesByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) SumLedger(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sumLocked(userID), nil
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	return u.Balance, nil
}

func (s *MemoryStore) RepairBalance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return decimal.Zero, fmt.Errorf("user %s: %w", userID, model.ErrNotFound)
	}
	u.Balance = s.sumLocked(userID)
	return u.Balance, nil
}

// CorruptBalance overwrites the materialized balance without touching the
// ledger. Test hook for drift detection.
func (s *MemoryStore) CorruptBalance(userID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.Balance = balance
	}
}

// --- Stakes ---

func (s *MemoryStore) CreateStake(_ context.Context, st *model.Stake, debit *model.LedgerEntry, admit AdmitFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stakes[st.ID]; ok {
		return fmt.Errorf("stake %s already exists: %w", st.ID, model.ErrConflict)
	}
	if admit != nil {
		if err := admit(s.stakesOfLocked(st.UserID)); err != nil {
			return err
		}
	}
	if err := s.checkFunds(debit); err != nil {
		return err
	}
	copy := *st
	s.stakes[st.ID] = &copy
	s.appendEntry(*debit)
	return nil
}

func (s *MemoryStore) GetStake(_ context.Context, id string) (*model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stakes[id]
	if !ok {
		return nil, fmt.Errorf("stake %s: %w", id, model.ErrNotFound)
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) ListStakesByUser(_ context.Context, userID string) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stakesOfLocked(userID), nil
}

func (s *MemoryStore) ListDueStakes(_ context.Context, now time.Time, limit int) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Stake
	for _, st := range s.stakes {
		if st.Due(now) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextProcessAt.Before(out[j].NextProcessAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingStakes(_ context.Context, limit int) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Stake
	for _, st := range s.stakes {
		if st.Status == model.StakePending && st.HoldReason == "" {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyAccrual(_ context.Context, a *model.Accrual) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stakes[a.StakeID]
	if !ok {
		return fmt.Errorf("stake %s: %w", a.StakeID, model.ErrNotFound)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("stake %s is %s: %w", st.ID, st.Status, model.ErrAlreadyTerminal)
	}
	if st.Status != model.StakeActive || st.HoldReason != "" {
		return fmt.Errorf("stake %s not accruing: %w", st.ID, model.ErrConflict)
	}
	if !st.NextProcessAt.Equal(a.ExpectedNextProcessAt) ||
		st.PaymentsCount != a.ExpectedPaymentsCount ||
		len(s.payments[st.ID]) != a.ExpectedPaymentsCount {
		return fmt.Errorf("stake %s advanced by another worker: %w", st.ID, model.ErrConflict)
	}
	if a.NewTotalEarned.GreaterThan(st.ExpectedReturn) {
		return fmt.Errorf("stake %s would exceed expected return: %w", st.ID, model.ErrInconsistent)
	}
	if r := a.Referral; r != nil {
		for _, e := range s.referrals {
			if e.UserID == r.Earning.UserID && e.StakeID == r.Earning.StakeID && e.PaymentDate.Equal(r.Earning.PaymentDate) {
				return fmt.Errorf("referral earning for %s on %s exists: %w",
					st.ID, r.Earning.PaymentDate.Format(time.DateOnly), model.ErrConflict)
			}
		}
		if _, ok := s.users[r.Entry.UserID]; !ok {
			return fmt.Errorf("referrer %s: %w", r.Entry.UserID, model.ErrNotFound)
		}
	}

	s.payments[st.ID] = append(s.payments[st.ID], a.Payment)
	st.TotalEarned = a.NewTotalEarned
	st.PaymentsCount++
	st.NextProcessAt = a.NewNextProcessAt
	st.UpdatedAt = a.At
	if a.Complete {
		st.Status = model.StakeCompleted
	}
	if a.Credit != nil {
		s.appendEntry(*a.Credit)
	}
	if r := a.Referral; r != nil {
		s.referrals = append(s.referrals, r.Earning)
		s.appendEntry(r.Entry)
	}
	return nil
}

func (s *MemoryStore) TransitionStake(_ context.Context, t *StakeTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stakes[t.StakeID]
	if !ok {
		return fmt.Errorf("stake %s: %w", t.StakeID, model.ErrNotFound)
	}
	if st.Status.Terminal() {
		return fmt.Errorf("stake %s is %s: %w", st.ID, st.Status, model.ErrAlreadyTerminal)
	}
	if st.Status != t.From {
		return fmt.Errorf("stake %s is %s, expected %s: %w", st.ID, st.Status, t.From, model.ErrConflict)
	}
	if t.Refund != nil {
		if _, ok := s.users[t.Refund.UserID]; !ok {
			return fmt.Errorf("user %s: %w", t.Refund.UserID, model.ErrNotFound)
		}
		t.Refund.Amount = st.RefundOnCancel()
	}

	st.Status = t.To
	st.UpdatedAt = t.At
	if t.Rebase != nil {
		ApplyRebase(st, *t.Rebase)
	}
	if t.Refund != nil && t.Refund.Amount.IsPositive() {
		s.appendEntry(*t.Refund)
	}
	return nil
}

func (s *MemoryStore) HoldStake(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stakes[id]
	if !ok {
		return fmt.Errorf("stake %s: %w", id, model.ErrNotFound)
	}
	st.HoldReason = reason
	return nil
}

func (s *MemoryStore) ListPayments(_ context.Context, stakeID string) ([]model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Payment, len(s.payments[stakeID]))
	copy(out, s.payments[stakeID])
	return out, nil
}

// InjectPayment appends a payment row without touching the stake or the
// ledger. Test hook for inconsistency detection.
func (s *MemoryStore) InjectPayment(p model.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.StakeID] = append(s.payments[p.StakeID], p)
}

// --- Deposits ---

func (s *MemoryStore) CreateDeposit(_ context.Context, d *model.DepositRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[d.ID]; ok {
		return fmt.Errorf("deposit %s already exists: %w", d.ID, model.ErrConflict)
	}
	for _, existing := range s.deposits {
		if d.GatewayPaymentID != "" && existing.GatewayPaymentID == d.GatewayPaymentID {
			return fmt.Errorf("gateway payment %s already tracked: %w", d.GatewayPaymentID, model.ErrConflict)
		}
	}
	copy := *d
	s.deposits[d.ID] = &copy
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, id string) (*model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deposits[id]
	if !ok {
		return nil, fmt.Errorf("deposit %s: %w", id, model.ErrNotFound)
	}
	copy := *d
	return &copy, nil
}

func (s *MemoryStore) GetDepositByGatewayID(_ context.Context, gatewayPaymentID string) (*model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.deposits {
		if d.GatewayPaymentID == gatewayPaymentID {
			copy := *d
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("deposit for gateway payment %s: %w", gatewayPaymentID, model.ErrNotFound)
}

func (s *MemoryStore) ListDepositsByUser(_ context.Context, userID string) ([]model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DepositRequest
	for _, d := range s.deposits {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOpenDeposits(_ context.Context, limit int) ([]model.DepositRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.DepositRequest
	for _, d := range s.deposits {
		if !d.Status.Terminal() {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) TransitionDeposit(_ context.Context, t *model.DepositTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[t.DepositID]
	if !ok {
		return fmt.Errorf("deposit %s: %w", t.DepositID, model.ErrNotFound)
	}
	if !statusIn(d.Status, t.From) {
		return fmt.Errorf("deposit %s is %s: %w", d.ID, d.Status, model.ErrConflict)
	}
	if t.Credit != nil {
		if _, ok := s.users[t.Credit.UserID]; !ok {
			return fmt.Errorf("user %s: %w", t.Credit.UserID, model.ErrNotFound)
		}
	}

	d.Status = t.To
	if t.GatewayStatus != "" {
		d.GatewayStatus = t.GatewayStatus
	}
	d.UpdatedAt = t.At
	if t.Credit != nil {
		s.appendEntry(*t.Credit)
	}
	return nil
}

func (s *MemoryStore) MarkDepositCancelRequested(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deposits[id]
	if !ok {
		return fmt.Errorf("deposit %s: %w", id, model.ErrNotFound)
	}
	if d.CancelRequestedAt == nil {
		ts := at
		d.CancelRequestedAt = &ts
	}
	return nil
}

// --- Referral earnings ---

func (s *MemoryStore) ListReferralEarnings(_ context.Context, userID string) ([]model.ReferralEarning, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ReferralEarning
	for _, e := range s.referrals {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- helpers (callers hold s.mu) ---

// checkFunds tests debits against the ledger sum, not the materialized balance.
func (s *MemoryStore) checkFunds(e *model.LedgerEntry) error {
	if _, ok := s.users[e.UserID]; !ok {
		return fmt.Errorf("user %s: %w", e.UserID, model.ErrNotFound)
	}
	if !e.Amount.IsNegative() {
		return nil
	}
	if sum := s.sumLocked(e.UserID); sum.Add(e.Amount).IsNegative() {
		return fmt.Errorf("balance %s cannot cover %s: %w", sum, e.Amount.Neg(), model.ErrInsufficientBalance)
	}
	return nil
}

func (s *MemoryStore) stakesOfLocked(userID string) []model.Stake {
	var out []model.Stake
	for _, st := range s.stakes {
		if st.UserID == userID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) appendEntry(e model.LedgerEntry) {
	s.ledger = append(s.ledger, e)
	if u, ok := s.users[e.UserID]; ok {
		u.Balance = u.Balance.Add(e.Amount)
	}
}

func (s *MemoryStore) sumLocked(userID string) decimal.Decimal {
	sum := decimal.Zero
	for _, e := range s.ledger {
		if e.UserID == userID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum
}

func statusIn(s model.DepositStatus, set []model.DepositStatus) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
