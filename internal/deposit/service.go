// Package deposit turns processor payment confirmations into balance
// credits. A request is credited at most once: the credit and the move to
// CONFIRMED are one compare-and-set, so repeated polls, duplicate
// callbacks and racing workers all collapse to a single DEPOSIT entry.
package deposit

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
	"github.com/atmx/settlement-engine/internal/gateway"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive deposit amounts.
	ErrInvalidAmount = fmt.Errorf("deposit: invalid amount: %w", model.ErrValidation)

	// ErrBelowMinimum is returned when the amount is under the currency minimum.
	ErrBelowMinimum = fmt.Errorf("deposit: amount below currency minimum: %w", model.ErrValidation)

	// ErrCurrencyInactive is returned for unknown or disabled currencies.
	ErrCurrencyInactive = catalog.ErrCurrencyInactive
)

// openStatuses are the states a request can still leave.
var openStatuses = []model.DepositStatus{model.DepositPending, model.DepositPartiallyPaid}

// Service creates deposit requests and reconciles them with the processor.
type Service struct {
	store     store.Store
	catalog   *catalog.Catalog
	gateway   gateway.Gateway
	clock     clock.Clock
	notifier  events.Notifier
	expiry    time.Duration
	ipnSecret string
	batchSize int
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithNotifier publishes deposit status changes.
func WithNotifier(n events.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithExpiry sets the payment window used when the processor reports none.
func WithExpiry(d time.Duration) Option { return func(s *Service) { s.expiry = d } }

// WithIPNSecret sets the key IPN callbacks are signed with.
func WithIPNSecret(secret string) Option { return func(s *Service) { s.ipnSecret = secret } }

// WithBatchSize bounds how many open requests one poll pass reads.
func WithBatchSize(n int) Option { return func(s *Service) { s.batchSize = n } }

// NewService creates a deposit reconciliation service.
func NewService(st store.Store, cat *catalog.Catalog, gw gateway.Gateway, opts ...Option) *Service {
	s := &Service{
		store:     st,
		catalog:   cat,
		gateway:   gw,
		clock:     clock.System{},
		notifier:  events.Nop{},
		expiry:    60 * time.Minute,
		batchSize: 500,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateDepositRequest opens a processor payment for amountUSD and records
// a PENDING request for it.
func (s *Service) CreateDepositRequest(ctx context.Context, userID, currencyID string, amountUSD decimal.Decimal) (*model.DepositRequest, error) {
	if !amountUSD.IsPositive() {
		return nil, ErrInvalidAmount
	}
	cur, err := s.catalog.GetActiveCurrency(ctx, currencyID)
	if err != nil {
		return nil, err
	}
	if amountUSD.LessThan(cur.MinDepositUSD) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amountUSD, cur.MinDepositUSD)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	p, err := s.gateway.CreatePayment(ctx, amountUSD, cur.GatewayCode, id)
	if err != nil {
		if !errors.Is(err, model.ErrGatewayUnavailable) {
			err = fmt.Errorf("%v: %w", err, model.ErrGatewayUnavailable)
		}
		slog.Warn("gateway create payment failed", "user_id", userID, "currency", cur.ID, "err", err)
		return nil, err
	}

	now := s.now()
	expires := p.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(s.expiry)
	}
	d := &model.DepositRequest{
		ID:               id,
		UserID:           userID,
		CurrencyID:       cur.ID,
		AmountUSD:        amountUSD,
		PayAmount:        p.PayAmount,
		PayCurrency:      p.PayCurrency,
		Address:          p.Address,
		GatewayPaymentID: p.GatewayPaymentID,
		GatewayStatus:    string(p.Status),
		ExpiresAt:        expires.UTC().Truncate(time.Microsecond),
		Status:           model.DepositPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateDeposit(ctx, d); err != nil {
		return nil, err
	}

	s.publish(d, now)
	slog.Info("deposit request created",
		"deposit_id", d.ID,
		"user_id", userID,
		"amount_usd", amountUSD.String(),
		"gateway_payment_id", d.GatewayPaymentID,
		"expires_at", d.ExpiresAt,
	)
	return d, nil
}

// Reconcile polls the processor for a request and applies the outcome.
// Terminal requests are returned unchanged.
func (s *Service) Reconcile(ctx context.Context, depositID string) (*model.DepositRequest, error) {
	d, err := s.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, d)
}

// ReconcileByGatewayID is Reconcile keyed by the processor's payment id.
func (s *Service) ReconcileByGatewayID(ctx context.Context, gatewayPaymentID string) (*model.DepositRequest, error) {
	d, err := s.store.GetDepositByGatewayID(ctx, gatewayPaymentID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, d)
}

func (s *Service) reconcile(ctx context.Context, d *model.DepositRequest) (*model.DepositRequest, error) {
	if d.Status.Terminal() {
		return d, nil
	}

	status, gwErr := s.gateway.GetStatus(ctx, d.GatewayPaymentID)
	now := s.now()

	if d.Expired(now) {
		if gwErr == nil && status.FundsReceived() {
			metrics.LateConfirmations.Inc()
			slog.Warn("late confirmation rejected",
				"deposit_id", d.ID,
				"gateway_payment_id", d.GatewayPaymentID,
				"gateway_status", status,
				"expired_at", d.ExpiresAt,
			)
		}
		return s.apply(ctx, d, &model.DepositTransition{
			DepositID:     d.ID,
			From:          openStatuses,
			To:            model.DepositExpired,
			GatewayStatus: string(status),
			At:            now,
		})
	}

	if gwErr != nil {
		if !errors.Is(gwErr, model.ErrGatewayUnavailable) {
			gwErr = fmt.Errorf("%v: %w", gwErr, model.ErrGatewayUnavailable)
		}
		return d, gwErr
	}

	target, changes := status.DepositStatus()
	if !changes || target == d.Status {
		if string(status) == d.GatewayStatus {
			return d, nil
		}
		// Record the processor's progress without moving the local state.
		return s.apply(ctx, d, &model.DepositTransition{
			DepositID:     d.ID,
			From:          []model.DepositStatus{d.Status},
			To:            d.Status,
			GatewayStatus: string(status),
			At:            now,
		})
	}

	t := &model.DepositTransition{
		DepositID:     d.ID,
		From:          openStatuses,
		To:            target,
		GatewayStatus: string(status),
		At:            now,
	}
	if target == model.DepositConfirmed {
		memo := fmt.Sprintf("deposit %s %s", d.PayAmount, d.PayCurrency)
		credit := ledger.NewEntry(d.UserID, model.KindDeposit, d.AmountUSD, d.ID, memo, now)
		t.Credit = &credit
	}
	return s.apply(ctx, d, t)
}

// apply runs the compare-and-set. A lost race is not an error: the winner's
// state is returned.
func (s *Service) apply(ctx context.Context, d *model.DepositRequest, t *model.DepositTransition) (*model.DepositRequest, error) {
	err := s.store.TransitionDeposit(ctx, t)
	if errors.Is(err, model.ErrConflict) {
		slog.Debug("deposit transition lost race", "deposit_id", d.ID, "to", t.To)
		return s.store.GetDeposit(ctx, d.ID)
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.store.GetDeposit(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if t.To != d.Status {
		metrics.DepositTransitions.WithLabelValues(string(t.To)).Inc()
		s.publish(updated, t.At)
		slog.Info("deposit transitioned",
			"deposit_id", d.ID,
			"from", d.Status,
			"to", t.To,
			"gateway_status", t.GatewayStatus,
			"credited", t.Credit != nil,
		)
	}
	return updated, nil
}

// ReconcileResult summarizes one ReconcileOpen pass.
type ReconcileResult struct {
	Checked      int `json:"checked"`
	Transitioned int `json:"transitioned"`
	Errors       int `json:"errors"`
}

// ReconcileOpen reconciles every non-terminal request once.
func (s *Service) ReconcileOpen(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	open, err := s.store.ListOpenDeposits(ctx, s.batchSize)
	if err != nil {
		return res, fmt.Errorf("list open deposits: %w", err)
	}
	for i := range open {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		before := open[i].Status
		d, err := s.reconcile(ctx, &open[i])
		res.Checked++
		if err != nil {
			res.Errors++
			slog.Warn("deposit reconcile failed", "deposit_id", open[i].ID, "err", err)
			continue
		}
		if d.Status != before {
			res.Transitioned++
		}
	}
	return res, nil
}

// CancelDepositRequest records that the user abandoned the request. It is
// advisory: the status does not change and polling continues, so funds
// that still arrive in the window are credited.
func (s *Service) CancelDepositRequest(ctx context.Context, depositID, userID string) (*model.DepositRequest, error) {
	d, err := s.store.GetDeposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	if userID != "" && d.UserID != userID {
		return nil, fmt.Errorf("deposit %s: %w", depositID, model.ErrNotFound)
	}
	if d.Status.Terminal() {
		return d, fmt.Errorf("deposit %s is %s: %w", d.ID, d.Status, model.ErrAlreadyTerminal)
	}
	if err := s.store.MarkDepositCancelRequested(ctx, d.ID, s.now()); err != nil {
		return nil, err
	}
	slog.Info("deposit cancel requested", "deposit_id", d.ID, "user_id", d.UserID)
	return s.store.GetDeposit(ctx, d.ID)
}

// HandleCallback verifies an IPN callback and reconciles the payment it
// names. The callback's own status is not trusted; the processor is polled.
func (s *Service) HandleCallback(ctx context.Context, payload []byte, signature string) (*model.DepositRequest, error) {
	ipn, err := gateway.VerifyIPN(s.ipnSecret, payload, signature)
	if err != nil {
		slog.Warn("ipn rejected", "err", err)
		return nil, err
	}
	slog.Debug("ipn received", "gateway_payment_id", ipn.GatewayPaymentID(), "status", ipn.PaymentStatus)
	return s.ReconcileByGatewayID(ctx, ipn.GatewayPaymentID())
}

// GetDeposit returns a request by ID.
func (s *Service) GetDeposit(ctx context.Context, depositID string) (*model.DepositRequest, error) {
	return s.store.GetDeposit(ctx, depositID)
}

// ListDeposits returns a user's requests, newest first.
func (s *Service) ListDeposits(ctx context.Context, userID string) ([]model.DepositRequest, error) {
	return s.store.ListDepositsByUser(ctx, userID)
}

func (s *Service) publish(d *model.DepositRequest, at time.Time) {
	s.notifier.Publish(events.Event{
		Type:      events.DepositUpdated,
		UserID:    d.UserID,
		DepositID: d.ID,
		Status:    string(d.Status),
		Amount:    d.AmountUSD.String(),
		At:        at,
	})
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}
