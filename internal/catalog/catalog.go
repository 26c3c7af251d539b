// Package catalog serves the staking plans and deposit currencies users can
// choose from.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	// ErrPlanInactive is returned for unknown or disabled plans.
	ErrPlanInactive = fmt.Errorf("catalog: plan not available: %w", model.ErrValidation)

	// ErrCurrencyInactive is returned for unknown or disabled currencies.
	ErrCurrencyInactive = fmt.Errorf("catalog: currency not available: %w", model.ErrValidation)
)

// Catalog looks up plans and currencies. Reads are always live; stakes
// snapshot the terms they need at creation.
type Catalog struct {
	store store.Store
}

// New creates a catalog backed by st.
func New(st store.Store) *Catalog {
	return &Catalog{store: st}
}

// Seed upserts the configured plans and currencies.
func (c *Catalog) Seed(ctx context.Context, plans []model.Plan, currencies []model.Currency) error {
	for i := range plans {
		if err := c.store.UpsertPlan(ctx, &plans[i]); err != nil {
			return fmt.Errorf("seed plan %s: %w", plans[i].ID, err)
		}
	}
	for i := range currencies {
		if err := c.store.UpsertCurrency(ctx, &currencies[i]); err != nil {
			return fmt.Errorf("seed currency %s: %w", currencies[i].ID, err)
		}
	}
	slog.Info("catalog seeded", "plans", len(plans), "currencies", len(currencies))
	return nil
}

// GetActivePlan returns the plan if it exists and is active.
func (c *Catalog) GetActivePlan(ctx context.Context, planID string) (*model.Plan, error) {
	p, err := c.store.GetPlan(ctx, planID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, planID)
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrPlanInactive, planID)
	}
	return p, nil
}

// ListPlans returns the active plans.
func (c *Catalog) ListPlans(ctx context.Context) ([]model.Plan, error) {
	all, err := c.store.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.Plan, 0, len(all))
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

// GetActiveCurrency returns the currency if it exists and is active.
func (c *Catalog) GetActiveCurrency(ctx context.Context, currencyID string) (*model.Currency, error) {
	cur, err := c.store.GetCurrency(ctx, currencyID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyInactive, currencyID)
	}
	if err != nil {
		return nil, err
	}
	if !cur.Active {
		return nil, fmt.Errorf("%w: %s", ErrCurrencyInactive, currencyID)
	}
	return cur, nil
}

// ListCurrencies returns the active currencies.
func (c *Catalog) ListCurrencies(ctx context.Context) ([]model.Currency, error) {
	all, err := c.store.ListCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.Currency, 0, len(all))
	for _, cur := range all {
		if cur.Active {
			active = append(active, cur)
		}
	}
	return active, nil
}
