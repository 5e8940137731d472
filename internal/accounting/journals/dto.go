package journals

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/accounting/shared"
)

// PostingLineInput describes a journal line for posting request.
type PostingLineInput struct {
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	PostedBy     int64
	Lines        []PostingLineInput
}

// Totals returns the debit and credit sums rounded to cents.
func (in PostingInput) Totals() (decimal.Decimal, decimal.Decimal) {
	debit, credit := decimal.Zero, decimal.Zero
	for _, line := range in.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit.Round(2), credit.Round(2)
}

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if len(in.Lines) < 2 {
		return shared.ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("accounting: line %d missing account", idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("accounting: line %d negative amount", idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("accounting: line %d cannot be both debit and credit", idx)
		}
	}
	if debit, credit := in.Totals(); !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", shared.ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	if in.Date.IsZero() {
		return errors.New("accounting: date required")
	}
	if in.SourceModule == "" {
		return errors.New("accounting: source module required")
	}
	if in.SourceID == uuid.Nil {
		return errors.New("accounting: source id required")
	}
	return nil
}
