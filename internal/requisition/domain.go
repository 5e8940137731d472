package requisition

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// Status captures the stock request lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Action names a transition.
type Action string

const (
	ActionEdit     Action = "edit"
	ActionSubmit   Action = "submit"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

var transitions = shared.StateMachine[Status, Action]{
	StatusDraft: {
		ActionEdit:   StatusDraft,
		ActionSubmit: StatusSubmitted,
		ActionCancel: StatusCancelled,
	},
	StatusSubmitted: {
		ActionApprove: StatusApproved,
		ActionReject:  StatusRejected,
		ActionCancel:  StatusCancelled,
	},
	StatusApproved: {
		ActionComplete: StatusCompleted,
		ActionCancel:   StatusCancelled,
	},
}

// Priority ranks urgency of a request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Request is a department's requisition against the central warehouse.
type Request struct {
	ID           int64
	Number       string
	DepartmentID int64
	RequestedBy  int64
	Priority     Priority
	Status       Status
	Note         string
	ApprovalNote string
	// Reserved is set when approval earmarked central stock.
	Reserved    bool
	ApprovedBy  int64
	ApprovedAt  *time.Time
	CompletedBy int64
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []Line
}

// Line is one requested item.
type Line struct {
	ID                int64
	RequestID         int64
	ItemID            int64
	QuantityRequested decimal.Decimal
	QuantityApproved  decimal.Decimal
	QuantityIssued    decimal.Decimal
	UnitCost          decimal.Decimal
	Note              string
}

func errTransition(r Request, action Action) error {
	return fmt.Errorf("requisition %s: cannot %s from %s: %w", r.Number, action, r.Status, shared.ErrInvalidState)
}

func (r Request) guard(action Action) (Status, error) {
	next, ok := transitions.Next(r.Status, action)
	if !ok {
		return "", errTransition(r, action)
	}
	return next, nil
}

// ErrRequestNotFound indicates a missing request.
var ErrRequestNotFound = fmt.Errorf("requisition: %w", shared.ErrNotFound)
