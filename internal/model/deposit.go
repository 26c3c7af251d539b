package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositStatus is the local state of a deposit request.
type DepositStatus string

const (
	DepositPending       DepositStatus = "PENDING"
	DepositConfirmed     DepositStatus = "CONFIRMED"
	DepositPartiallyPaid DepositStatus = "PARTIALLY_PAID"
	DepositFailed        DepositStatus = "FAILED"
	DepositExpired       DepositStatus = "EXPIRED"
)

// Terminal reports whether the request accepts no further mutation.
func (s DepositStatus) Terminal() bool {
	return s == DepositConfirmed || s == DepositFailed || s == DepositExpired
}

// DepositRequest is a pending crypto payment awaiting gateway confirmation.
type DepositRequest struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	CurrencyID        string          `json:"currency_id" db:"currency_id"`
	AmountUSD         decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	PayAmount         decimal.Decimal `json:"pay_amount" db:"pay_amount"`
	PayCurrency       string          `json:"pay_currency" db:"pay_currency"`
	Address           string          `json:"address" db:"address"`
	GatewayPaymentID  string          `json:"gateway_payment_id" db:"gateway_payment_id"`
	GatewayStatus     string          `json:"gateway_status,omitempty" db:"gateway_status"`
	ExpiresAt         time.Time       `json:"expires_at" db:"expires_at"`
	Status            DepositStatus   `json:"status" db:"status"`
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty" db:"cancel_requested_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the payment window has closed at now.
func (d *DepositRequest) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// DepositTransition is a compare-and-set on a deposit's status. The store
// applies it only when the current status is one of From.
type DepositTransition struct {
	DepositID     string
	From          []DepositStatus
	To            DepositStatus
	GatewayStatus string
	Credit        *LedgerEntry
	At            time.Time
}
