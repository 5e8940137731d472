package inventory

import (
	"context"
	"fmt"
	"time"
)

// Document number prefixes.
const (
	PrefixMovement   = "MOV"
	PrefixRequest    = "SR"
	PrefixTransfer   = "TRF"
	PrefixAdjustment = "ADJ"
	PrefixOpname     = "OPN"
	PrefixPurchase   = "PO"
)

// Sequencer allocates the next value of a (prefix, day) counter. Implementations
// must serialise allocation per scope.
type Sequencer interface {
	NextSequence(ctx context.Context, prefix string, day time.Time) (int, error)
}

// FormatNumber renders PREFIX-YYYYMMDD-NNNN.
func FormatNumber(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}

// NextNumber allocates and formats the next document number for prefix on day.
func NextNumber(ctx context.Context, seq Sequencer, prefix string, day time.Time) (string, error) {
	n, err := seq.NextSequence(ctx, prefix, day)
	if err != nil {
		return "", fmt.Errorf("inventory: next %s sequence: %w", prefix, err)
	}
	return FormatNumber(prefix, day, n), nil
}
