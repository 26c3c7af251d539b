package model

import "errors"

// Error taxonomy shared by every engine component. Component errors wrap
// one of these so callers can branch with errors.Is.
var (
	// ErrValidation is a rejected input: bad amount, inactive plan or currency.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientBalance is returned when the ledger cannot cover a debit.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConflict is returned by a compare-and-set write that lost a race.
	ErrConflict = errors.New("concurrent modification")

	// ErrGatewayUnavailable is returned when the payment gateway cannot be reached.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrAlreadyTerminal is returned for work attempted on a terminal entity.
	// Callers treat it as a successful no-op.
	ErrAlreadyTerminal = errors.New("entity already terminal")

	// ErrInconsistent marks a ledger/state mismatch that needs manual repair.
	ErrInconsistent = errors.New("ledger inconsistency")

	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")
)
