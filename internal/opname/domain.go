package opname

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// Status captures the physical count lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
)

// Action names a transition.
type Action string

const (
	ActionCount   Action = "count"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

var transitions = shared.StateMachine[Status, Action]{
	StatusDraft: {
		ActionCount:  StatusDraft,
		ActionSubmit: StatusSubmitted,
	},
	StatusSubmitted: {
		ActionApprove: StatusApproved,
		ActionReject:  StatusRejected,
	},
}

// Opname is a monthly physical count of one department.
type Opname struct {
	ID           int64
	Number       string
	DepartmentID int64
	Period       shared.Month
	Status       Status
	Note         string
	CreatedBy    int64
	ApprovedBy   int64
	ApprovedAt   *time.Time
	RejectReason string
	// JournalPosted guards the one-time variance posting.
	JournalPosted bool
	JournalRef    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Lines         []Line
}

// Line compares the counted quantity with the system snapshot taken at creation.
type Line struct {
	ID              int64
	OpnameID        int64
	ItemID          int64
	SystemQuantity  decimal.Decimal
	CountedQuantity decimal.Decimal
	// UnitCost is the department average cost at snapshot time.
	UnitCost decimal.Decimal
	Note     string
}

// Variance returns counted minus system.
func (l Line) Variance() decimal.Decimal {
	return l.CountedQuantity.Sub(l.SystemQuantity)
}

func (o Opname) guard(action Action) (Status, error) {
	next, ok := transitions.Next(o.Status, action)
	if !ok {
		return "", fmt.Errorf("opname %s: cannot %s from %s: %w", o.Number, action, o.Status, shared.ErrInvalidState)
	}
	return next, nil
}

// ErrOpnameNotFound indicates a missing opname.
var ErrOpnameNotFound = fmt.Errorf("opname: %w", shared.ErrNotFound)
