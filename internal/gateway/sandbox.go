package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/clock"
	"github.com/atmx/settlement-engine/internal/model"
)

// Sandbox is an in-process processor for development and tests. Payments
// stay "waiting" until SetStatus moves them.
type Sandbox struct {
	mu          sync.Mutex
	clock       clock.Clock
	expiry      time.Duration
	seq         int
	statuses    map[string]Status
	unavailable bool
}

// NewSandbox creates a sandbox whose payments expire after expiry.
func NewSandbox(clk clock.Clock, expiry time.Duration) *Sandbox {
	if clk == nil {
		clk = clock.System{}
	}
	return &Sandbox{
		clock:    clk,
		expiry:   expiry,
		statuses: make(map[string]Status),
	}
}

func (s *Sandbox) CreatePayment(_ context.Context, amountUSD decimal.Decimal, payCurrency, orderID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return nil, fmt.Errorf("sandbox: create %s: %w", orderID, model.ErrGatewayUnavailable)
	}
	s.seq++
	id := fmt.Sprintf("sbx-%d", s.seq)
	s.statuses[id] = StatusWaiting

	p := &Payment{
		GatewayPaymentID: id,
		Address:          fmt.Sprintf("sandbox-%s-%06d", payCurrency, s.seq),
		PayAmount:        amountUSD,
		PayCurrency:      payCurrency,
		Status:           StatusWaiting,
	}
	if s.expiry > 0 {
		p.ExpiresAt = s.clock.Now().Add(s.expiry)
	}
	return p, nil
}

func (s *Sandbox) GetStatus(_ context.Context, gatewayPaymentID string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return "", fmt.Errorf("sandbox: status %s: %w", gatewayPaymentID, model.ErrGatewayUnavailable)
	}
	st, ok := s.statuses[gatewayPaymentID]
	if !ok {
		return "", fmt.Errorf("sandbox: unknown payment %s: %w", gatewayPaymentID, model.ErrGatewayUnavailable)
	}
	return st, nil
}

// SetStatus moves a sandbox payment to status.
func (s *Sandbox) SetStatus(gatewayPaymentID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[gatewayPaymentID] = status
}

// SetUnavailable makes every call fail with model.ErrGatewayUnavailable.
func (s *Sandbox) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}
