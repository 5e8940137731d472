package journals

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalEntry captures posting metadata.
type JournalEntry struct {
	ID           int64
	Number       int64
	Date         time.Time
	SourceModule string
	SourceID     uuid.UUID
	Memo         string
	PostedBy     int64
	PostedAt     time.Time
	CreatedAt    time.Time
	Lines        []JournalLine
}

// Reference is the opaque journal reference handed back to stock documents.
func (e JournalEntry) Reference() string {
	return fmt.Sprintf("JE-%06d", e.Number)
}

// JournalLine stores debit or credit amount for an account.
type JournalLine struct {
	ID        int64
	JournalID int64
	AccountID int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
}
