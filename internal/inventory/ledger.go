package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/shared"
)

// costScale is the number of decimals kept for unit costs and values.
const costScale = 6

// TxRepository exposes transactional operations used by the ledger. Every
// method runs inside the caller's transaction.
type TxRepository interface {
	Sequencer
	// LockBalance returns the row locked for update, creating an empty one when absent.
	LockBalance(ctx context.Context, itemID int64, loc Location) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error
	// InsertMovement returns shared.ErrDuplicateSequence on a number collision.
	InsertMovement(ctx context.Context, m Movement) (Movement, error)
	// SumMovements replays approved movements for the key within the transaction.
	SumMovements(ctx context.Context, itemID int64, loc Location) (decimal.Decimal, error)
}

// MetricsPort receives ledger instrumentation.
type MetricsPort interface {
	MovementPosted(t MovementType)
	MovementRejected(reason string)
}

// Ledger exposes the atomic stock primitives bound to one transaction. Balance
// mutation and the journal append either both commit or both roll back with it.
type Ledger struct {
	tx      TxRepository
	now     func() time.Time
	loc     *time.Location
	metrics MetricsPort
}

// Tx exposes the bound repository, e.g. for number allocation.
func (l *Ledger) Tx() TxRepository {
	return l.tx
}

// Increase adds qty at unitCost and recomputes the moving average.
func (l *Ledger) Increase(ctx context.Context, in IncreaseInput) (Posting, error) {
	if in.Type == "" {
		in.Type = MovementStockIn
	}
	if err := validateKey(in.ItemID, in.Location); err != nil {
		return Posting{}, err
	}
	if in.Type.Sign() != 1 {
		return Posting{}, fmt.Errorf("%w: %s is not an inbound movement", shared.ErrValidation, in.Type)
	}
	if !in.Qty.IsPositive() {
		return Posting{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return Posting{}, ErrInvalidUnitCost
	}
	bal, err := l.tx.LockBalance(ctx, in.ItemID, in.Location)
	if err != nil {
		return Posting{}, err
	}
	bal.AverageUnitCost = WeightedAverage(bal.QuantityOnHand, bal.AverageUnitCost, in.Qty, in.UnitCost)
	bal.QuantityOnHand = bal.QuantityOnHand.Add(in.Qty)
	bal.LastUnitCost = in.UnitCost
	bal.TotalValue = valueOf(bal.QuantityOnHand, bal.AverageUnitCost)

	mv, err := l.append(ctx, RecordInput{
		ItemID:   in.ItemID,
		Location: in.Location,
		Type:     in.Type,
		Qty:      in.Qty,
		UnitCost: in.UnitCost,
		Date:     in.Date,
		ActorID:  in.ActorID,
		Ref:      in.Ref,
		Note:     in.Note,
		Status:   MovementApproved,
	})
	if err != nil {
		return Posting{}, err
	}
	if err := l.tx.SaveBalance(ctx, bal); err != nil {
		return Posting{}, err
	}
	l.posted(in.Type)
	return Posting{Movement: mv, Balance: bal}, nil
}

// Decrease removes qty at the current average cost. It never lets available
// quantity go below zero.
func (l *Ledger) Decrease(ctx context.Context, in DecreaseInput) (Posting, error) {
	if in.Type == "" {
		in.Type = MovementStockOut
	}
	if err := validateKey(in.ItemID, in.Location); err != nil {
		return Posting{}, err
	}
	if in.Type.Sign() != -1 {
		return Posting{}, fmt.Errorf("%w: %s is not an outbound movement", shared.ErrValidation, in.Type)
	}
	if !in.Qty.IsPositive() {
		return Posting{}, ErrInvalidQuantity
	}
	bal, err := l.tx.LockBalance(ctx, in.ItemID, in.Location)
	if err != nil {
		return Posting{}, err
	}
	if in.Qty.GreaterThan(bal.Available()) {
		l.rejected("insufficient_stock")
		return Posting{}, fmt.Errorf("%w: item %d at %s has %s available, %s requested",
			shared.ErrInsufficientStock, in.ItemID, in.Location, bal.Available(), in.Qty)
	}
	bal.QuantityOnHand = bal.QuantityOnHand.Sub(in.Qty)
	bal.TotalValue = valueOf(bal.QuantityOnHand, bal.AverageUnitCost)

	mv, err := l.append(ctx, RecordInput{
		ItemID:   in.ItemID,
		Location: in.Location,
		Type:     in.Type,
		Qty:      in.Qty,
		UnitCost: bal.AverageUnitCost,
		Date:     in.Date,
		ActorID:  in.ActorID,
		Ref:      in.Ref,
		Note:     in.Note,
		Status:   MovementApproved,
	})
	if err != nil {
		return Posting{}, err
	}
	if err := l.tx.SaveBalance(ctx, bal); err != nil {
		return Posting{}, err
	}
	l.posted(in.Type)
	return Posting{Movement: mv, Balance: bal}, nil
}

// Reserve earmarks qty so it is no longer available. Reserved stays within [0, on hand].
func (l *Ledger) Reserve(ctx context.Context, in ReservationInput) (Posting, error) {
	return l.reservation(ctx, in, MovementReserve)
}

// Release returns previously reserved qty to available stock.
func (l *Ledger) Release(ctx context.Context, in ReservationInput) (Posting, error) {
	return l.reservation(ctx, in, MovementRelease)
}

func (l *Ledger) reservation(ctx context.Context, in ReservationInput, typ MovementType) (Posting, error) {
	if err := validateKey(in.ItemID, in.Location); err != nil {
		return Posting{}, err
	}
	if !in.Qty.IsPositive() {
		return Posting{}, ErrInvalidQuantity
	}
	bal, err := l.tx.LockBalance(ctx, in.ItemID, in.Location)
	if err != nil {
		return Posting{}, err
	}
	reserved := bal.ReservedQuantity.Add(in.Qty)
	if typ == MovementRelease {
		reserved = bal.ReservedQuantity.Sub(in.Qty)
	}
	if reserved.IsNegative() || reserved.GreaterThan(bal.QuantityOnHand) {
		l.rejected("invalid_reservation")
		return Posting{}, fmt.Errorf("%w: item %d at %s reserved %s of %s on hand, %s %s",
			shared.ErrInvalidReservation, in.ItemID, in.Location, bal.ReservedQuantity, bal.QuantityOnHand, typ, in.Qty)
	}
	bal.ReservedQuantity = reserved

	mv, err := l.append(ctx, RecordInput{
		ItemID:   in.ItemID,
		Location: in.Location,
		Type:     typ,
		Qty:      in.Qty,
		UnitCost: bal.AverageUnitCost,
		ActorID:  in.ActorID,
		Ref:      in.Ref,
		Note:     in.Note,
		Status:   MovementApproved,
	})
	if err != nil {
		return Posting{}, err
	}
	if err := l.tx.SaveBalance(ctx, bal); err != nil {
		return Posting{}, err
	}
	l.posted(typ)
	return Posting{Movement: mv, Balance: bal}, nil
}

// Record appends a journal record without touching balances.
func (l *Ledger) Record(ctx context.Context, in RecordInput) (Movement, error) {
	if err := validateKey(in.ItemID, in.Location); err != nil {
		return Movement{}, err
	}
	if !in.Type.Valid() {
		return Movement{}, fmt.Errorf("%w: unknown movement type %q", shared.ErrValidation, in.Type)
	}
	if !in.Qty.IsPositive() {
		return Movement{}, ErrInvalidQuantity
	}
	if in.UnitCost.IsNegative() {
		return Movement{}, ErrInvalidUnitCost
	}
	if in.Status == "" {
		in.Status = MovementApproved
	}
	return l.append(ctx, in)
}

// Balance returns the locked balance row for the key.
func (l *Ledger) Balance(ctx context.Context, itemID int64, loc Location) (Balance, error) {
	if err := validateKey(itemID, loc); err != nil {
		return Balance{}, err
	}
	return l.tx.LockBalance(ctx, itemID, loc)
}

// NextNumber allocates a document number inside the bound transaction.
func (l *Ledger) NextNumber(ctx context.Context, prefix string, at time.Time) (string, error) {
	if at.IsZero() {
		at = l.now()
	}
	return NextNumber(ctx, l.tx, prefix, at.In(l.loc))
}

func (l *Ledger) append(ctx context.Context, in RecordInput) (Movement, error) {
	now := l.now()
	date := in.Date
	if date.IsZero() {
		date = now
	}
	number, err := l.NextNumber(ctx, PrefixMovement, date)
	if err != nil {
		return Movement{}, err
	}
	mv := Movement{
		Number:       number,
		ItemID:       in.ItemID,
		Location:     in.Location,
		Type:         in.Type,
		Quantity:     in.Qty,
		UnitCost:     in.UnitCost,
		TotalCost:    valueOf(in.Qty, in.UnitCost),
		MovementDate: date,
		Status:       in.Status,
		CreatedBy:    in.ActorID,
		Ref:          in.Ref,
		Note:         in.Note,
		CreatedAt:    now,
	}
	if in.Status == MovementApproved {
		mv.ApprovedBy = in.ActorID
		mv.ApprovedAt = &now
	}
	return l.tx.InsertMovement(ctx, mv)
}

func (l *Ledger) posted(t MovementType) {
	if l.metrics != nil {
		l.metrics.MovementPosted(t)
	}
}

func (l *Ledger) rejected(reason string) {
	if l.metrics != nil {
		l.metrics.MovementRejected(reason)
	}
}

// WeightedAverage computes the moving average after receiving inQty at inCost.
func WeightedAverage(oldQty, oldAvg, inQty, inCost decimal.Decimal) decimal.Decimal {
	if !oldQty.IsPositive() {
		return inCost
	}
	total := oldQty.Add(inQty)
	if !total.IsPositive() {
		return inCost
	}
	return oldQty.Mul(oldAvg).Add(inQty.Mul(inCost)).DivRound(total, costScale)
}

func valueOf(qty, cost decimal.Decimal) decimal.Decimal {
	return qty.Mul(cost).Round(costScale)
}

func validateKey(itemID int64, loc Location) error {
	if itemID <= 0 {
		return fmt.Errorf("%w: item id required", shared.ErrValidation)
	}
	return loc.Validate()
}
