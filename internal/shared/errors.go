package shared

import "errors"

// Stock core failure taxonomy. Every workflow wraps these so callers can use errors.Is.
var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock occurs when a decrease would overdraw a balance.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidReservation occurs when reserve/release leaves [0, on hand].
	ErrInvalidReservation = errors.New("invalid reservation")
	// ErrInvalidState occurs when a transition is attempted from the wrong status.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrComplianceBlocked occurs when a business precondition is unmet.
	ErrComplianceBlocked = errors.New("compliance blocked")
	// ErrOverReceipt occurs when received quantity exceeds ordered quantity.
	ErrOverReceipt = errors.New("over receipt")
	// ErrUnbalancedJournal occurs when debit and credit totals differ.
	ErrUnbalancedJournal = errors.New("unbalanced journal")
	// ErrAlreadyPosted occurs when a document was already posted to the journal.
	ErrAlreadyPosted = errors.New("journal already posted")
	// ErrDuplicateSequence signals a document number collision. It is retried internally.
	ErrDuplicateSequence = errors.New("duplicate sequence")
)
