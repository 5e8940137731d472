package procurement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// Status captures the purchase order lifecycle.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusOrdered   Status = "ordered"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Action names a transition.
type Action string

const (
	ActionEdit    Action = "edit"
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionOrder   Action = "order"
	ActionReceive Action = "receive"
	ActionCancel  Action = "cancel"
)

// Receiving lands on partial; the service promotes to completed once every line is full.
var transitions = shared.StateMachine[Status, Action]{
	StatusDraft: {
		ActionEdit:   StatusDraft,
		ActionSubmit: StatusPending,
		ActionCancel: StatusCancelled,
	},
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionCancel:  StatusCancelled,
	},
	StatusApproved: {
		ActionOrder: StatusOrdered,
	},
	StatusOrdered: {
		ActionReceive: StatusPartial,
	},
	StatusPartial: {
		ActionReceive: StatusPartial,
	},
}

// PaymentStatus summarises settlement of a purchase.
type PaymentStatus string

const (
	PaymentUnpaid  PaymentStatus = "unpaid"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// Purchase is a purchase order against one supplier delivered to the central warehouse.
type Purchase struct {
	ID            int64
	Number        string
	SupplierID    int64
	Status        Status
	Note          string
	CreatedBy     int64
	ApprovedBy    int64
	ApprovedAt    *time.Time
	OrderedAt     *time.Time
	PaidAmount    decimal.Decimal
	PaymentStatus PaymentStatus
	// JournalPosted guards the one-time receipt posting.
	JournalPosted bool
	JournalRef    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Items         []Item
}

// Item is a purchase line.
type Item struct {
	ID               int64
	PurchaseID       int64
	ItemID           int64
	QuantityOrdered  decimal.Decimal
	QuantityReceived decimal.Decimal
	UnitPrice        decimal.Decimal
}

// Outstanding returns the quantity still expected.
func (i Item) Outstanding() decimal.Decimal {
	return i.QuantityOrdered.Sub(i.QuantityReceived)
}

// Total is the ordered value of the purchase.
func (p Purchase) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Items {
		total = total.Add(it.QuantityOrdered.Mul(it.UnitPrice))
	}
	return total.Round(2)
}

// ReceivedValue is the value of goods received so far.
func (p Purchase) ReceivedValue() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Items {
		total = total.Add(it.QuantityReceived.Mul(it.UnitPrice))
	}
	return total.Round(2)
}

// FullyReceived reports whether every line reached its ordered quantity.
func (p Purchase) FullyReceived() bool {
	for _, it := range p.Items {
		if it.Outstanding().IsPositive() {
			return false
		}
	}
	return len(p.Items) > 0
}

func (p Purchase) item(purchaseItemID int64) (int, bool) {
	for i, it := range p.Items {
		if it.ID == purchaseItemID {
			return i, true
		}
	}
	return 0, false
}

func (p Purchase) guard(action Action) (Status, error) {
	next, ok := transitions.Next(p.Status, action)
	if !ok {
		return "", fmt.Errorf("purchase %s: cannot %s from %s: %w", p.Number, action, p.Status, shared.ErrInvalidState)
	}
	return next, nil
}

// Receipt records one delivery against a purchase line.
type Receipt struct {
	ID             int64
	PurchaseID     int64
	PurchaseItemID int64
	ItemID         int64
	Quantity       decimal.Decimal
	UnitPrice      decimal.Decimal
	BatchNumber    string
	ExpiryDate     *time.Time
	MovementNumber string
	ReceivedBy     int64
	ReceivedAt     time.Time
}

// Payment settles part of a purchase. Payments carry no stock effect.
type Payment struct {
	ID         int64
	PurchaseID int64
	Amount     decimal.Decimal
	Method     string
	Reference  string
	PaidAt     time.Time
	CreatedBy  int64
}

var (
	// ErrPurchaseNotFound indicates a missing purchase.
	ErrPurchaseNotFound = fmt.Errorf("purchase: %w", shared.ErrNotFound)
	// ErrPurchaseItemNotFound indicates a line outside the purchase.
	ErrPurchaseItemNotFound = fmt.Errorf("purchase item: %w", shared.ErrNotFound)
)
