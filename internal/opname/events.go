package opname

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// VarianceLine carries the valued variance of one item.
type VarianceLine struct {
	ItemID   int64
	Variance decimal.Decimal
	UnitCost decimal.Decimal
}

// PostedEvent describes an approved opname for journal posting.
type PostedEvent struct {
	ID           int64
	Number       string
	DepartmentID int64
	ApprovedAt   time.Time
	ActorID      int64
	Lines        []VarianceLine
}

// IntegrationHandler posts approved opname variances to the general ledger and
// returns the journal reference.
type IntegrationHandler interface {
	HandleOpnamePosted(ctx context.Context, evt PostedEvent) (string, error)
}
