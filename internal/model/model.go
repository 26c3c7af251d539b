// Package model defines the core domain types shared across the settlement engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places money is rounded to.
const MoneyScale int32 = 8

var hundred = decimal.NewFromInt(100)

// Percent returns amount*rate/100 rounded to MoneyScale.
func Percent(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Div(hundred).Round(MoneyScale)
}

// EntryKind classifies a ledger entry.
type EntryKind string

const (
	KindDeposit         EntryKind = "DEPOSIT"
	KindStakeDebit      EntryKind = "STAKE_DEBIT"
	KindPayoutCredit    EntryKind = "PAYOUT_CREDIT"
	KindReferralCredit  EntryKind = "REFERRAL_CREDIT"
	KindWithdrawalDebit EntryKind = "WITHDRAWAL_DEBIT"
	KindAdjustment      EntryKind = "ADJUSTMENT"
)

// LedgerEntry is an immutable balance-affecting record.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Kind      EntryKind       `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	RelatedID string          `json:"related_id,omitempty" db:"related_id"`
	Memo      string          `json:"memo,omitempty" db:"memo"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// User carries the referral link and the balance materialized from the ledger.
type User struct {
	ID           string          `json:"id" db:"id"`
	ReferredByID string          `json:"referred_by_id,omitempty" db:"referred_by_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Plan holds the terms a stake is created against.
type Plan struct {
	ID           string          `json:"id" db:"id" yaml:"id"`
	Name         string          `json:"name" db:"name" yaml:"name"`
	DailyROI     decimal.Decimal `json:"daily_roi" db:"daily_roi" yaml:"daily_roi"`
	TotalROI     decimal.Decimal `json:"total_roi" db:"total_roi" yaml:"total_roi"`
	DurationDays int             `json:"duration_days" db:"duration_days" yaml:"duration_days"`
	MinAmount    decimal.Decimal `json:"min_amount" db:"min_amount" yaml:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount" db:"max_amount" yaml:"max_amount"` // zero → unbounded
	Active       bool            `json:"active" db:"active" yaml:"active"`
}

// EffectiveTotalROI returns TotalROI, or DailyROI*DurationDays when unset.
func (p Plan) EffectiveTotalROI() decimal.Decimal {
	if p.TotalROI.IsPositive() {
		return p.TotalROI
	}
	return p.DailyROI.Mul(decimal.NewFromInt(int64(p.DurationDays)))
}

// Currency describes a crypto asset accepted for deposits.
type Currency struct {
	ID            string          `json:"id" db:"id" yaml:"id"`
	Symbol        string          `json:"symbol" db:"symbol" yaml:"symbol"`
	Network       string          `json:"network" db:"network" yaml:"network"`
	GatewayCode   string          `json:"gateway_code" db:"gateway_code" yaml:"gateway_code"`
	MinDepositUSD decimal.Decimal `json:"min_deposit_usd" db:"min_deposit_usd" yaml:"min_deposit_usd"`
	Active        bool            `json:"active" db:"active" yaml:"active"`
}

// Payment is one daily accrual row. The number of rows for a stake is the
// authoritative count of days paid.
type Payment struct {
	ID        string          `json:"id" db:"id"`
	StakeID   string          `json:"stake_id" db:"stake_id"`
	UserID    string          `json:"user_id" db:"user_id"`
	DayIndex  int             `json:"day_index" db:"day_index"` // 1..DurationDays
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Date      time.Time       `json:"date" db:"date"` // scheduled payout date
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ReferralEarning is a commission credited to a referrer. Unique on
// (UserID, StakeID, PaymentDate).
type ReferralEarning struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"` // receiver
	FromUserID  string          `json:"from_user_id" db:"from_user_id"`
	StakeID     string          `json:"stake_id" db:"stake_id"`
	PaymentDate time.Time       `json:"payment_date" db:"payment_date"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Percentage  decimal.Decimal `json:"percentage" db:"percentage"`
	Type        string          `json:"type" db:"type"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// ReferralCredit pairs an earning row with the ledger entry that pays it.
type ReferralCredit struct {
	Earning ReferralEarning
	Entry   LedgerEntry
}

// Accrual is one atomic accrual step. The store applies it only if the
// stake still has ExpectedNextProcessAt and ExpectedPaymentsCount.
type Accrual struct {
	StakeID               string
	ExpectedNextProcessAt time.Time
	ExpectedPaymentsCount int

	Payment          Payment
	Credit           *LedgerEntry // nil when the day pays nothing
	NewTotalEarned   decimal.Decimal
	NewNextProcessAt time.Time
	Complete         bool
	Referral         *ReferralCredit
	At               time.Time
}
