package opname

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/shared"
)

const module = "stock_opname"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error
	Get(ctx context.Context, id int64) (Opname, error)
	List(ctx context.Context, filter ListFilter) ([]Opname, error)
	HasApproved(ctx context.Context, departmentID int64, period shared.Month) (bool, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, o Opname) (Opname, error)
	GetForUpdate(ctx context.Context, id int64) (Opname, error)
	// HasApprovedOther reports an approved opname for the department month other than excludeID.
	HasApprovedOther(ctx context.Context, departmentID int64, period shared.Month, excludeID int64) (bool, error)
	UpdateHeader(ctx context.Context, o Opname) error
	UpdateCounts(ctx context.Context, lines []Line) error
}

// ItemCoster resolves the fallback unit cost of an item.
type ItemCoster interface {
	CostingFallback(ctx context.Context, itemID int64) (decimal.Decimal, error)
}

// ListFilter narrows List.
type ListFilter struct {
	DepartmentID int64
	Status       Status
	Limit        int
}

// Service orchestrates stock opname flows.
type Service struct {
	repo        RepositoryPort
	inventory   *inventory.Service
	items       ItemCoster
	integration IntegrationHandler
	approvals   shared.ApprovalPort
	audit       shared.AuditPort
	events      shared.Publisher
	logger      *slog.Logger
}

// NewService constructs opname service.
func NewService(repo RepositoryPort, inv *inventory.Service, items ItemCoster, integration IntegrationHandler, approvals shared.ApprovalPort, audit shared.AuditPort, events shared.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		inventory:   inv,
		items:       items,
		integration: integration,
		approvals:   approvals,
		audit:       audit,
		events:      events,
		logger:      logger,
	}
}

// CreateInput describes a new count sheet.
type CreateInput struct {
	DepartmentID int64
	// Period defaults to the current month.
	Period shared.Month
	// ItemIDs defaults to every item stocked at the department.
	ItemIDs []int64
	ActorID int64
	Note    string
}

func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository, *inventory.Ledger) error) error {
	return s.inventory.Retry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository, stock inventory.TxRepository) error {
			return fn(ctx, tx, s.inventory.Ledger(stock))
		})
	})
}

// HasApprovedOpname reports whether the department has an approved opname for month.
func (s *Service) HasApprovedOpname(ctx context.Context, departmentID int64, month shared.Month) (bool, error) {
	return s.repo.HasApproved(ctx, departmentID, month)
}

func blockedFor(departmentID int64, period shared.Month) error {
	return fmt.Errorf("%w: department %d already has an approved opname for %s", shared.ErrComplianceBlocked, departmentID, period.Key())
}

// Create snapshots system quantities into a draft count sheet. Counted
// quantities start equal to the snapshot.
func (s *Service) Create(ctx context.Context, in CreateInput) (Opname, error) {
	if in.DepartmentID <= 0 {
		return Opname{}, fmt.Errorf("%w: department required", shared.ErrValidation)
	}
	if in.ActorID <= 0 {
		return Opname{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	if in.Period == (shared.Month{}) {
		in.Period = shared.MonthOf(s.inventory.Now(), s.inventory.Location())
	}
	taken, err := s.repo.HasApproved(ctx, in.DepartmentID, in.Period)
	if err != nil {
		return Opname{}, err
	}
	if taken {
		return Opname{}, blockedFor(in.DepartmentID, in.Period)
	}
	loc := inventory.Department(in.DepartmentID)
	itemIDs := in.ItemIDs
	if len(itemIDs) == 0 {
		keys, err := s.inventory.BalanceKeysAt(ctx, loc)
		if err != nil {
			return Opname{}, err
		}
		for _, k := range keys {
			itemIDs = append(itemIDs, k.ItemID)
		}
	}
	seen := make(map[int64]struct{}, len(itemIDs))
	lines := make([]Line, 0, len(itemIDs))
	for _, itemID := range itemIDs {
		if _, dup := seen[itemID]; dup {
			return Opname{}, fmt.Errorf("%w: item %d listed twice", shared.ErrValidation, itemID)
		}
		seen[itemID] = struct{}{}
		bal, err := s.inventory.Balance(ctx, itemID, loc)
		if err != nil {
			return Opname{}, err
		}
		lines = append(lines, Line{
			ItemID:          itemID,
			SystemQuantity:  bal.QuantityOnHand.Copy(),
			CountedQuantity: bal.QuantityOnHand.Copy(),
			UnitCost:        bal.AverageUnitCost.Copy(),
		})
	}
	var created Opname
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		number, err := ledger.NextNumber(ctx, inventory.PrefixOpname, s.inventory.Now())
		if err != nil {
			return err
		}
		created, err = tx.Insert(ctx, Opname{
			Number:       number,
			DepartmentID: in.DepartmentID,
			Period:       in.Period,
			Status:       StatusDraft,
			Note:         in.Note,
			CreatedBy:    in.ActorID,
			Lines:        lines,
		})
		return err
	})
	if err != nil {
		return Opname{}, err
	}
	s.recordAudit(ctx, in.ActorID, "opname:create", created)
	return created, nil
}

// UpdateCounts records counted quantities keyed by line id while in draft.
func (s *Service) UpdateCounts(ctx context.Context, id, actorID int64, counts map[int64]decimal.Decimal) (Opname, error) {
	return s.transition(ctx, id, actorID, ActionCount, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger, o *Opname) error {
		byID := make(map[int64]int, len(o.Lines))
		for i, l := range o.Lines {
			byID[l.ID] = i
		}
		for lineID, counted := range counts {
			idx, ok := byID[lineID]
			if !ok {
				return fmt.Errorf("%w: line %d does not belong to %s", shared.ErrValidation, lineID, o.Number)
			}
			if counted.IsNegative() {
				return fmt.Errorf("%w: line %d counted quantity cannot be negative", shared.ErrValidation, lineID)
			}
			o.Lines[idx].CountedQuantity = counted
		}
		return tx.UpdateCounts(ctx, o.Lines)
	})
}

// Submit locks the count sheet.
func (s *Service) Submit(ctx context.Context, id, actorID int64) (Opname, error) {
	o, err := s.transition(ctx, id, actorID, ActionSubmit, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger, o *Opname) error {
		if len(o.Lines) == 0 {
			return fmt.Errorf("opname %s: submit requires at least one line: %w", o.Number, shared.ErrInvalidState)
		}
		taken, err := tx.HasApprovedOther(ctx, o.DepartmentID, o.Period, o.ID)
		if err != nil {
			return err
		}
		if taken {
			return blockedFor(o.DepartmentID, o.Period)
		}
		return nil
	})
	if err != nil {
		return Opname{}, err
	}
	s.recordApproval(ctx, o, actorID, shared.ApprovalSubmit, "")
	return o, nil
}

// Approve converts every non-zero variance into an adjustment movement at the department.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Opname, error) {
	o, err := s.transition(ctx, id, actorID, ActionApprove, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger, o *Opname) error {
		taken, err := tx.HasApprovedOther(ctx, o.DepartmentID, o.Period, o.ID)
		if err != nil {
			return err
		}
		if taken {
			return blockedFor(o.DepartmentID, o.Period)
		}
		loc := inventory.Department(o.DepartmentID)
		for i := range o.Lines {
			line := &o.Lines[i]
			variance := line.Variance()
			switch variance.Sign() {
			case 1:
				cost, err := s.varianceCost(ctx, *line)
				if err != nil {
					return err
				}
				line.UnitCost = cost
				if _, err := ledger.Increase(ctx, inventory.IncreaseInput{
					ItemID:   line.ItemID,
					Location: loc,
					Qty:      variance,
					UnitCost: cost,
					Type:     inventory.MovementAdjustmentPlus,
					ActorID:  actorID,
					Ref:      o.ref(),
					Note:     "opname overage",
				}); err != nil {
					return fmt.Errorf("opname %s: item %d: %w", o.Number, line.ItemID, err)
				}
			case -1:
				out, err := ledger.Decrease(ctx, inventory.DecreaseInput{
					ItemID:   line.ItemID,
					Location: loc,
					Qty:      variance.Neg(),
					Type:     inventory.MovementAdjustmentMinus,
					ActorID:  actorID,
					Ref:      o.ref(),
					Note:     "opname shortage",
				})
				if err != nil {
					return fmt.Errorf("opname %s: item %d: %w", o.Number, line.ItemID, err)
				}
				line.UnitCost = out.Movement.UnitCost
			}
		}
		now := s.inventory.Now()
		o.ApprovedBy = actorID
		o.ApprovedAt = &now
		return tx.UpdateCounts(ctx, o.Lines)
	})
	if err != nil {
		return Opname{}, err
	}
	s.recordApproval(ctx, o, actorID, shared.ApprovalApprove, "")
	shared.Notify(ctx, s.events, s.logger, shared.Event{
		Name:     "opname.approved",
		Entity:   module,
		EntityID: o.ID,
		Number:   o.Number,
		ActorID:  actorID,
		Data:     map[string]any{"department_id": o.DepartmentID, "period": o.Period.Key()},
	})
	return o, nil
}

// Reject closes a submitted count without touching stock.
func (s *Service) Reject(ctx context.Context, id, actorID int64, reason string) (Opname, error) {
	o, err := s.transition(ctx, id, actorID, ActionReject, func(_ context.Context, _ TxRepository, _ *inventory.Ledger, o *Opname) error {
		o.RejectReason = reason
		return nil
	})
	if err != nil {
		return Opname{}, err
	}
	s.recordApproval(ctx, o, actorID, shared.ApprovalReject, reason)
	return o, nil
}

// PostToJournal posts the valued variances once. A second call fails with
// shared.ErrAlreadyPosted.
func (s *Service) PostToJournal(ctx context.Context, id, actorID int64) (Opname, error) {
	if s.integration == nil {
		return Opname{}, fmt.Errorf("opname: journal integration not configured")
	}
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Opname{}, err
	}
	if o.Status != StatusApproved {
		return Opname{}, fmt.Errorf("opname %s: post to journal requires approval: %w", o.Number, shared.ErrInvalidState)
	}
	if o.JournalPosted {
		return Opname{}, fmt.Errorf("opname %s: %w", o.Number, shared.ErrAlreadyPosted)
	}
	evt := PostedEvent{ID: o.ID, Number: o.Number, DepartmentID: o.DepartmentID, ActorID: actorID}
	if o.ApprovedAt != nil {
		evt.ApprovedAt = *o.ApprovedAt
	}
	for _, l := range o.Lines {
		if l.Variance().IsZero() {
			continue
		}
		evt.Lines = append(evt.Lines, VarianceLine{ItemID: l.ItemID, Variance: l.Variance(), UnitCost: l.UnitCost})
	}
	ref, err := s.integration.HandleOpnamePosted(ctx, evt)
	if err != nil {
		return Opname{}, fmt.Errorf("opname %s: %w", o.Number, err)
	}
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.JournalPosted {
			return fmt.Errorf("opname %s: %w", o.Number, shared.ErrAlreadyPosted)
		}
		current.JournalPosted = true
		current.JournalRef = ref
		o = current
		return tx.UpdateHeader(ctx, current)
	})
	if err != nil {
		return Opname{}, err
	}
	s.recordAudit(ctx, actorID, "opname:post_journal", o)
	return o, nil
}

// Get returns an opname with lines.
func (s *Service) Get(ctx context.Context, id int64) (Opname, error) {
	return s.repo.Get(ctx, id)
}

// List returns opname headers matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Opname, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) varianceCost(ctx context.Context, line Line) (decimal.Decimal, error) {
	if line.UnitCost.IsPositive() || s.items == nil {
		return line.UnitCost, nil
	}
	return s.items.CostingFallback(ctx, line.ItemID)
}

type mutateFunc func(context.Context, TxRepository, *inventory.Ledger, *Opname) error

func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, mutate mutateFunc) (Opname, error) {
	if actorID <= 0 {
		return Opname{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	var out Opname
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		o, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := o.guard(action)
		if err != nil {
			return err
		}
		if err := mutate(ctx, tx, ledger, &o); err != nil {
			return err
		}
		o.Status = next
		if err := tx.UpdateHeader(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return Opname{}, err
	}
	s.logger.Info("stock opname transition",
		slog.Int64("id", out.ID),
		slog.String("number", out.Number),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)))
	s.recordAudit(ctx, actorID, "opname:"+string(action), out)
	return out, nil
}

func (o Opname) ref() inventory.Reference {
	return inventory.Reference{Module: module, ID: o.ID, Number: o.Number}
}

func (s *Service) recordApproval(ctx context.Context, o Opname, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   shared.ApprovalRef(module, o.ID),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	}); err != nil {
		s.logger.Warn("record approval", slog.String("number", o.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, o Opname) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   module,
		EntityID: strconv.FormatInt(o.ID, 10),
		Meta: map[string]any{
			"number":        o.Number,
			"status":        string(o.Status),
			"department_id": o.DepartmentID,
			"period":        o.Period.Key(),
		},
	})
}
