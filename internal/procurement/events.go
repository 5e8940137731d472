package procurement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReceivedLine is the valued receipt of one item.
type ReceivedLine struct {
	ItemID    int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// PostedEvent captures details required to post received goods to the general ledger.
type PostedEvent struct {
	ID         int64
	Number     string
	SupplierID int64
	ReceivedAt time.Time
	ActorID    int64
	Lines      []ReceivedLine
}

// IntegrationHandler posts received purchases to the general ledger and
// returns the journal reference.
type IntegrationHandler interface {
	HandlePurchasePosted(ctx context.Context, evt PostedEvent) (string, error)
}
