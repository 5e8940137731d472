package transfer

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// Status captures the transfer lifecycle.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
	StatusReceived Status = "received"
)

// Action names a transition.
type Action string

const (
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionReceive Action = "receive"
)

var transitions = shared.StateMachine[Status, Action]{
	StatusDraft: {
		ActionEdit:    StatusDraft,
		ActionDelete:  StatusDraft,
		ActionApprove: StatusApproved,
	},
	StatusApproved: {
		ActionReceive: StatusReceived,
	},
}

// Transfer moves one item between two departments. Between approval and
// receipt the quantity is in transit and counted in neither balance.
type Transfer struct {
	ID               int64
	Number           string
	FromDepartmentID int64
	ToDepartmentID   int64
	ItemID           int64
	Quantity         decimal.Decimal
	// UnitCost is the source average cost captured at approval.
	UnitCost   decimal.Decimal
	Status     Status
	Note       string
	CreatedBy  int64
	ApprovedBy int64
	ApprovedAt *time.Time
	ReceivedBy int64
	ReceivedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (t Transfer) guard(action Action) (Status, error) {
	next, ok := transitions.Next(t.Status, action)
	if !ok {
		return "", fmt.Errorf("transfer %s: cannot %s from %s: %w", t.Number, action, t.Status, shared.ErrInvalidState)
	}
	return next, nil
}

// ErrTransferNotFound indicates a missing transfer.
var ErrTransferNotFound = fmt.Errorf("transfer: %w", shared.ErrNotFound)
