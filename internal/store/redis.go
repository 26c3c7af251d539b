package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances and plans. Writes go to the primary store and
// invalidate the affected keys; reads check Redis first then fall back to
// the primary. Everything else passes straight through.
type CachedStore struct {
	Store
	rdb redis.Cmdable
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertPlan(ctx context.Context, p *model.Plan) error {
	if err := s.Store.UpsertPlan(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, planKey(p.ID))
	return nil
}

func (s *CachedStore) PostEntry(ctx context.Context, e *model.LedgerEntry) error {
	if err := s.Store.PostEntry(ctx, e); err != nil {
		return err
	}
	s.invalidateBalances(ctx, e.UserID)
	return nil
}

func (s *CachedStore) RepairBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := s.Store.RepairBalance(ctx, userID)
	if err != nil {
		return bal, err
	}
	s.invalidateBalances(ctx, userID)
	return bal, nil
}

func (s *CachedStore) CreateStake(ctx context.Context, st *model.Stake, debit *model.LedgerEntry, admit AdmitFunc) error {
	if err := s.Store.CreateStake(ctx, st, debit, admit); err != nil {
		return err
	}
	s.invalidateBalances(ctx, debit.UserID)
	return nil
}

func (s *CachedStore) ApplyAccrual(ctx context.Context, a *model.Accrual) error {
	if err := s.Store.ApplyAccrual(ctx, a); err != nil {
		return err
	}
	var users []string
	if a.Credit != nil {
		users = append(users, a.Credit.UserID)
	}
	if a.Referral != nil {
		users = append(users, a.Referral.Entry.UserID)
	}
	s.invalidateBalances(ctx, users...)
	return nil
}

func (s *CachedStore) TransitionStake(ctx context.Context, t *StakeTransition) error {
	if err := s.Store.TransitionStake(ctx, t); err != nil {
		return err
	}
	if t.Refund != nil {
		s.invalidateBalances(ctx, t.Refund.UserID)
	}
	return nil
}

func (s *CachedStore) TransitionDeposit(ctx context.Context, t *model.DepositTransition) error {
	if err := s.Store.TransitionDeposit(ctx, t); err != nil {
		return err
	}
	if t.Credit != nil {
		s.invalidateBalances(ctx, t.Credit.UserID)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if cached, err := s.rdb.Get(ctx, balanceKey(userID)).Result(); err == nil {
		if bal, err := decimal.NewFromString(cached); err == nil {
			return bal, nil
		}
	}

	// Cache miss: read from primary.
	bal, err := s.Store.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, balanceKey(userID), bal.String(), s.ttl)
	return bal, nil
}

func (s *CachedStore) GetPlan(ctx context.Context, id string) (*model.Plan, error) {
	data, err := s.rdb.Get(ctx, planKey(id)).Bytes()
	if err == nil {
		var p model.Plan
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.Store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, planKey(id), data, s.ttl)
	}
	return p, nil
}

// --- Cache helpers ---

func (s *CachedStore) invalidateBalances(ctx context.Context, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, balanceKey(id))
	}
	s.rdb.Del(ctx, keys...)
}

func balanceKey(uid string) string { return fmt.Sprintf("balance:%s", uid) }
func planKey(id string) string     { return fmt.Sprintf("plan:%s", id) }
