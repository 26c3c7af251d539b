// Package gateway talks to the third-party crypto payment processor.
// The processor owns blockchain confirmation; this package only creates
// payments and reads their status.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Status is the processor's payment state.
type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusConfirming    Status = "confirming"
	StatusConfirmed     Status = "confirmed"
	StatusSending       Status = "sending"
	StatusPartiallyPaid Status = "partially_paid"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
	StatusRefunded      Status = "refunded"
)

// DepositStatus maps a processor state onto the local deposit state.
// The second result is false when the state implies no local change.
func (s Status) DepositStatus() (model.DepositStatus, bool) {
	switch s {
	case StatusConfirmed, StatusFinished:
		return model.DepositConfirmed, true
	case StatusPartiallyPaid:
		return model.DepositPartiallyPaid, true
	case StatusFailed, StatusRefunded:
		return model.DepositFailed, true
	case StatusExpired:
		return model.DepositExpired, true
	default:
		// waiting, confirming, sending and anything unrecognised
		return model.DepositPending, false
	}
}

// FundsReceived reports whether the processor has seen money arrive.
func (s Status) FundsReceived() bool {
	switch s {
	case StatusConfirmed, StatusSending, StatusFinished, StatusPartiallyPaid:
		return true
	}
	return false
}

// Payment is a payment created at the processor.
type Payment struct {
	GatewayPaymentID string
	Address          string
	PayAmount        decimal.Decimal
	PayCurrency      string
	Status           Status
	ExpiresAt        time.Time // zero when the processor gives no expiry
}

// Gateway is the processor contract. Errors wrap model.ErrGatewayUnavailable.
type Gateway interface {
	CreatePayment(ctx context.Context, amountUSD decimal.Decimal, payCurrency, orderID string) (*Payment, error)
	GetStatus(ctx context.Context, gatewayPaymentID string) (Status, error)
}
