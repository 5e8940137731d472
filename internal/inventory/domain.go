package inventory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// LocationKind discriminates the central warehouse from departments.
type LocationKind string

const (
	// LocationCentral is the hospital's top-level warehouse.
	LocationCentral LocationKind = "CENTRAL"
	// LocationDepartment is a department stock room.
	LocationDepartment LocationKind = "DEPARTMENT"
)

// Location identifies where a balance lives.
type Location struct {
	Kind         LocationKind
	DepartmentID int64
}

// Central returns the central warehouse location.
func Central() Location {
	return Location{Kind: LocationCentral}
}

// Department returns a department location.
func Department(id int64) Location {
	return Location{Kind: LocationDepartment, DepartmentID: id}
}

// IsCentral reports whether l is the central warehouse.
func (l Location) IsCentral() bool {
	return l.Kind == LocationCentral
}

// Validate checks the location is well formed.
func (l Location) Validate() error {
	switch l.Kind {
	case LocationCentral:
		if l.DepartmentID != 0 {
			return fmt.Errorf("%w: central location cannot carry a department", shared.ErrValidation)
		}
		return nil
	case LocationDepartment:
		if l.DepartmentID <= 0 {
			return fmt.Errorf("%w: department id required", shared.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown location kind %q", shared.ErrValidation, l.Kind)
	}
}

// String renders "central" or "department:<id>".
func (l Location) String() string {
	if l.IsCentral() {
		return "central"
	}
	return "department:" + strconv.FormatInt(l.DepartmentID, 10)
}

// ParseLocation parses the String form.
func ParseLocation(s string) (Location, error) {
	if s == "central" {
		return Central(), nil
	}
	raw, ok := strings.CutPrefix(s, "department:")
	if !ok {
		return Location{}, fmt.Errorf("%w: location %q", shared.ErrValidation, s)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return Location{}, fmt.Errorf("%w: location %q", shared.ErrValidation, s)
	}
	return Department(id), nil
}

// MovementType enumerates every stock-affecting event.
type MovementType string

const (
	MovementStockIn         MovementType = "stock_in"
	MovementStockOut        MovementType = "stock_out"
	MovementTransferIn      MovementType = "transfer_in"
	MovementTransferOut     MovementType = "transfer_out"
	MovementAdjustmentPlus  MovementType = "adjustment_plus"
	MovementAdjustmentMinus MovementType = "adjustment_minus"
	MovementReturn          MovementType = "return"
	MovementDisposal        MovementType = "disposal"
	// Reservations are journaled but never change quantity on hand.
	MovementReserve MovementType = "reserve"
	MovementRelease MovementType = "release"
)

// MovementTypes lists every known movement type.
var MovementTypes = []MovementType{
	MovementStockIn, MovementStockOut,
	MovementTransferIn, MovementTransferOut,
	MovementAdjustmentPlus, MovementAdjustmentMinus,
	MovementReturn, MovementDisposal,
	MovementReserve, MovementRelease,
}

// Sign returns +1 for inbound, -1 for outbound and 0 for reservation records.
func (t MovementType) Sign() int {
	switch t {
	case MovementStockIn, MovementTransferIn, MovementAdjustmentPlus, MovementReturn:
		return 1
	case MovementStockOut, MovementTransferOut, MovementAdjustmentMinus, MovementDisposal:
		return -1
	case MovementReserve, MovementRelease:
		return 0
	}
	return 0
}

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementStockIn, MovementStockOut, MovementTransferIn, MovementTransferOut,
		MovementAdjustmentPlus, MovementAdjustmentMinus, MovementReturn, MovementDisposal,
		MovementReserve, MovementRelease:
		return true
	}
	return false
}

// MovementStatus tracks approval of a movement record.
type MovementStatus string

const (
	MovementPending  MovementStatus = "pending"
	MovementApproved MovementStatus = "approved"
	MovementRejected MovementStatus = "rejected"
)

// Reference ties a movement back to the document that caused it.
type Reference struct {
	Module string
	ID     int64
	Number string
}

// Balance is the ledger row for one (item, location).
type Balance struct {
	ItemID           int64
	Location         Location
	QuantityOnHand   decimal.Decimal
	ReservedQuantity decimal.Decimal
	LastUnitCost     decimal.Decimal
	AverageUnitCost  decimal.Decimal
	TotalValue       decimal.Decimal
	UpdatedAt        time.Time
}

// Available returns on hand minus reserved.
func (b Balance) Available() decimal.Decimal {
	return b.QuantityOnHand.Sub(b.ReservedQuantity)
}

// Movement is an immutable journal record of a stock event.
type Movement struct {
	ID           int64
	Number       string
	ItemID       int64
	Location     Location
	Type         MovementType
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	TotalCost    decimal.Decimal
	MovementDate time.Time
	Status       MovementStatus
	CreatedBy    int64
	ApprovedBy   int64
	ApprovedAt   *time.Time
	Ref          Reference
	Note         string
	CreatedAt    time.Time
}

// SignedQuantity returns the quantity with the movement type's sign applied.
func (m Movement) SignedQuantity() decimal.Decimal {
	switch m.Type.Sign() {
	case 1:
		return m.Quantity
	case -1:
		return m.Quantity.Neg()
	}
	return decimal.Zero
}

// Posting is the outcome of a ledger primitive: the journal record and the
// balance after mutation.
type Posting struct {
	Movement Movement
	Balance  Balance
}

// IncreaseInput describes an inbound movement.
type IncreaseInput struct {
	ItemID   int64
	Location Location
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
	// Type defaults to stock_in and must carry a positive sign.
	Type    MovementType
	Date    time.Time
	ActorID int64
	Ref     Reference
	Note    string
}

// DecreaseInput describes an outbound movement.
type DecreaseInput struct {
	ItemID   int64
	Location Location
	Qty      decimal.Decimal
	// Type defaults to stock_out and must carry a negative sign.
	Type    MovementType
	Date    time.Time
	ActorID int64
	Ref     Reference
	Note    string
}

// ReservationInput describes a reserve or release call.
type ReservationInput struct {
	ItemID   int64
	Location Location
	Qty      decimal.Decimal
	ActorID  int64
	Ref      Reference
	Note     string
}

// RecordInput appends a journal record without touching balances. Callers
// outside the ledger primitives must keep balances in step themselves.
type RecordInput struct {
	ItemID   int64
	Location Location
	Type     MovementType
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
	Date     time.Time
	ActorID  int64
	Ref      Reference
	Note     string
	Status   MovementStatus
}

// BalanceKey identifies a balance row.
type BalanceKey struct {
	ItemID   int64
	Location Location
}

// MovementFilter filters journal reads.
type MovementFilter struct {
	ItemID   int64
	Location Location
	From     time.Time
	To       time.Time
	Limit    int
}

// StockCardEntry describes a stock card line with running balance.
type StockCardEntry struct {
	Number       string
	Type         MovementType
	MovementDate time.Time
	QtyIn        decimal.Decimal
	QtyOut       decimal.Decimal
	BalanceQty   decimal.Decimal
	UnitCost     decimal.Decimal
	Ref          Reference
	Note         string
}

// Drift reports a mismatch between the journal replay and a live balance.
type Drift struct {
	Key          BalanceKey
	LiveQuantity decimal.Decimal
	JournalTotal decimal.Decimal
	Repaired     bool
}

// ErrInvalidQuantity indicates a non-positive quantity.
var ErrInvalidQuantity = fmt.Errorf("inventory: quantity must be positive: %w", shared.ErrValidation)

// ErrInvalidUnitCost indicates a negative unit cost.
var ErrInvalidUnitCost = fmt.Errorf("inventory: unit cost must be >= 0: %w", shared.ErrValidation)

// ErrBalanceNotFound indicates missing balance row.
var ErrBalanceNotFound = fmt.Errorf("inventory balance: %w", shared.ErrNotFound)

// ErrSequenceExhausted is returned when number allocation kept colliding.
var ErrSequenceExhausted = errors.New("inventory: could not allocate a unique number")
