package adjustment

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PostedEvent describes an approved adjustment for journal posting.
type PostedEvent struct {
	ID         int64
	Number     string
	ItemID     int64
	Kind       Kind
	Quantity   decimal.Decimal
	UnitPrice  decimal.Decimal
	Amount     decimal.Decimal
	ApprovedAt time.Time
	ActorID    int64
}

// IntegrationHandler posts approved adjustments to the general ledger and
// returns the journal reference.
type IntegrationHandler interface {
	HandleAdjustmentPosted(ctx context.Context, evt PostedEvent) (string, error)
}
