package adjustment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// Kind is the direction of a central correction.
type Kind string

const (
	KindShortage Kind = "shortage"
	KindOverage  Kind = "overage"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindShortage || k == KindOverage
}

// Status captures the adjustment lifecycle.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
)

// Action names a transition.
type Action string

const (
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
)

var transitions = shared.StateMachine[Status, Action]{
	StatusDraft: {
		ActionEdit:    StatusDraft,
		ActionDelete:  StatusDraft,
		ActionApprove: StatusApproved,
	},
}

// Adjustment corrects one item at the central warehouse.
type Adjustment struct {
	ID       int64
	Number   string
	ItemID   int64
	Kind     Kind
	Quantity decimal.Decimal
	// UnitPrice values an overage; zero falls back to the item cost. Shortages
	// record the average cost taken out.
	UnitPrice     decimal.Decimal
	Status        Status
	Note          string
	CreatedBy     int64
	ApprovedBy    int64
	ApprovedAt    *time.Time
	JournalPosted bool
	JournalRef    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Amount is the value moved by the adjustment.
func (a Adjustment) Amount() decimal.Decimal {
	return a.Quantity.Mul(a.UnitPrice).Round(2)
}

func (a Adjustment) guard(action Action) (Status, error) {
	next, ok := transitions.Next(a.Status, action)
	if !ok {
		return "", fmt.Errorf("adjustment %s: cannot %s from %s: %w", a.Number, action, a.Status, shared.ErrInvalidState)
	}
	return next, nil
}

// ErrAdjustmentNotFound indicates a missing adjustment.
var ErrAdjustmentNotFound = fmt.Errorf("adjustment: %w", shared.ErrNotFound)
