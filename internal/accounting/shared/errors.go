package shared

import (
	"errors"
	"fmt"

	internalShared "github.com/medcore/stockcore/internal/shared"
)

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = fmt.Errorf("accounting: journal lines must balance: %w", internalShared.ErrUnbalancedJournal)
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = fmt.Errorf("accounting: journal requires at least two lines: %w", internalShared.ErrValidation)
	// ErrSourceAlreadyLinked indicates idempotency conflict.
	ErrSourceAlreadyLinked = errors.New("accounting: source already linked")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = fmt.Errorf("accounting: journal entry: %w", internalShared.ErrNotFound)
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = fmt.Errorf("accounting: account mapping: %w", internalShared.ErrNotFound)
)
