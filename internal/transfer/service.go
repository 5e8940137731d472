package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/shared"
)

const module = "stock_transfer"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error
	Get(ctx context.Context, id int64) (Transfer, error)
	List(ctx context.Context, filter ListFilter) ([]Transfer, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, t Transfer) (Transfer, error)
	GetForUpdate(ctx context.Context, id int64) (Transfer, error)
	Update(ctx context.Context, t Transfer) error
	Delete(ctx context.Context, id int64) error
}

// ComplianceChecker reports whether a department closed the given month with an approved opname.
type ComplianceChecker interface {
	HasApprovedOpname(ctx context.Context, departmentID int64, month shared.Month) (bool, error)
}

// ListFilter narrows List.
type ListFilter struct {
	DepartmentID int64
	Status       Status
	Limit        int
}

// ServiceConfig groups optional service settings.
type ServiceConfig struct {
	// ComplianceRequired enforces the previous-month opname gate on approval.
	ComplianceRequired bool
	Logger             *slog.Logger
}

// Service orchestrates department to department transfers.
type Service struct {
	repo       RepositoryPort
	inventory  *inventory.Service
	compliance ComplianceChecker
	approvals  shared.ApprovalPort
	audit      shared.AuditPort
	events     shared.Publisher
	required   bool
	logger     *slog.Logger
}

// NewService constructs transfer service.
func NewService(repo RepositoryPort, inv *inventory.Service, compliance ComplianceChecker, approvals shared.ApprovalPort, audit shared.AuditPort, events shared.Publisher, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		inventory:  inv,
		compliance: compliance,
		approvals:  approvals,
		audit:      audit,
		events:     events,
		required:   cfg.ComplianceRequired,
		logger:     logger,
	}
}

// Input describes a transfer draft.
type Input struct {
	FromDepartmentID int64
	ToDepartmentID   int64
	ItemID           int64
	Quantity         decimal.Decimal
	Note             string
	ActorID          int64
}

func (in Input) validate() error {
	if in.FromDepartmentID <= 0 || in.ToDepartmentID <= 0 {
		return fmt.Errorf("%w: both departments required", shared.ErrValidation)
	}
	if in.FromDepartmentID == in.ToDepartmentID {
		return fmt.Errorf("%w: source and destination must differ", shared.ErrValidation)
	}
	if in.ItemID <= 0 {
		return fmt.Errorf("%w: item required", shared.ErrValidation)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	if in.ActorID <= 0 {
		return fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository, *inventory.Ledger) error) error {
	return s.inventory.Retry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository, stock inventory.TxRepository) error {
			return fn(ctx, tx, s.inventory.Ledger(stock))
		})
	})
}

// Create stores a draft transfer.
func (s *Service) Create(ctx context.Context, in Input) (Transfer, error) {
	if err := in.validate(); err != nil {
		return Transfer{}, err
	}
	var created Transfer
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		number, err := ledger.NextNumber(ctx, inventory.PrefixTransfer, s.inventory.Now())
		if err != nil {
			return err
		}
		created, err = tx.Insert(ctx, Transfer{
			Number:           number,
			FromDepartmentID: in.FromDepartmentID,
			ToDepartmentID:   in.ToDepartmentID,
			ItemID:           in.ItemID,
			Quantity:         in.Quantity,
			UnitCost:         decimal.Zero,
			Status:           StatusDraft,
			Note:             in.Note,
			CreatedBy:        in.ActorID,
		})
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordAudit(ctx, in.ActorID, "transfer:create", created)
	return created, nil
}

// Update edits a draft transfer.
func (s *Service) Update(ctx context.Context, id int64, in Input) (Transfer, error) {
	if err := in.validate(); err != nil {
		return Transfer{}, err
	}
	return s.transition(ctx, id, in.ActorID, ActionEdit, func(_ context.Context, _ TxRepository, _ *inventory.Ledger, t *Transfer) error {
		t.FromDepartmentID = in.FromDepartmentID
		t.ToDepartmentID = in.ToDepartmentID
		t.ItemID = in.ItemID
		t.Quantity = in.Quantity
		t.Note = in.Note
		return nil
	})
}

// Delete removes a draft transfer.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	var deleted Transfer
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		t, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := t.guard(ActionDelete); err != nil {
			return err
		}
		deleted = t
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "transfer:delete", deleted)
	return nil
}

// Approve checks opname compliance and deducts the source department.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Transfer, error) {
	t, err := s.transition(ctx, id, actorID, ActionApprove, func(ctx context.Context, _ TxRepository, ledger *inventory.Ledger, t *Transfer) error {
		if err := s.checkCompliance(ctx, t.FromDepartmentID); err != nil {
			return fmt.Errorf("transfer %s: %w", t.Number, err)
		}
		out, err := ledger.Decrease(ctx, inventory.DecreaseInput{
			ItemID:   t.ItemID,
			Location: inventory.Department(t.FromDepartmentID),
			Qty:      t.Quantity,
			Type:     inventory.MovementTransferOut,
			ActorID:  actorID,
			Ref:      t.ref(),
			Note:     "transfer to department " + strconv.FormatInt(t.ToDepartmentID, 10),
		})
		if err != nil {
			return fmt.Errorf("transfer %s: %w", t.Number, err)
		}
		now := s.inventory.Now()
		t.UnitCost = out.Movement.UnitCost
		t.ApprovedBy = actorID
		t.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordApproval(ctx, t, actorID, shared.ApprovalApprove)
	s.notify(ctx, "transfer.approved", t, actorID)
	return t, nil
}

// Receive credits the destination at the cost captured on approval.
func (s *Service) Receive(ctx context.Context, id, actorID int64) (Transfer, error) {
	t, err := s.transition(ctx, id, actorID, ActionReceive, func(ctx context.Context, _ TxRepository, ledger *inventory.Ledger, t *Transfer) error {
		if _, err := ledger.Increase(ctx, inventory.IncreaseInput{
			ItemID:   t.ItemID,
			Location: inventory.Department(t.ToDepartmentID),
			Qty:      t.Quantity,
			UnitCost: t.UnitCost,
			Type:     inventory.MovementTransferIn,
			ActorID:  actorID,
			Ref:      t.ref(),
			Note:     "transfer from department " + strconv.FormatInt(t.FromDepartmentID, 10),
		}); err != nil {
			return fmt.Errorf("transfer %s: %w", t.Number, err)
		}
		now := s.inventory.Now()
		t.ReceivedBy = actorID
		t.ReceivedAt = &now
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordApproval(ctx, t, actorID, shared.ApprovalComplete)
	s.notify(ctx, "transfer.received", t, actorID)
	return t, nil
}

// InTransit lists approved transfers not yet received, optionally for one department.
func (s *Service) InTransit(ctx context.Context, departmentID int64) ([]Transfer, error) {
	return s.repo.List(ctx, ListFilter{DepartmentID: departmentID, Status: StatusApproved})
}

// Get returns a transfer.
func (s *Service) Get(ctx context.Context, id int64) (Transfer, error) {
	return s.repo.Get(ctx, id)
}

// List returns transfers matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Transfer, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) checkCompliance(ctx context.Context, departmentID int64) error {
	if !s.required {
		return nil
	}
	if s.compliance == nil {
		return fmt.Errorf("%w: opname compliance source not configured", shared.ErrComplianceBlocked)
	}
	prev := shared.MonthOf(s.inventory.Now(), s.inventory.Location()).Previous()
	ok, err := s.compliance.HasApprovedOpname(ctx, departmentID, prev)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: department %d has no approved opname for %s", shared.ErrComplianceBlocked, departmentID, prev.Key())
	}
	return nil
}

type mutateFunc func(context.Context, TxRepository, *inventory.Ledger, *Transfer) error

func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, mutate mutateFunc) (Transfer, error) {
	if actorID <= 0 {
		return Transfer{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	var out Transfer
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		t, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := t.guard(action)
		if err != nil {
			return err
		}
		if err := mutate(ctx, tx, ledger, &t); err != nil {
			return err
		}
		t.Status = next
		if err := tx.Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return Transfer{}, err
	}
	s.logger.Info("stock transfer transition",
		slog.Int64("id", out.ID),
		slog.String("number", out.Number),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)))
	s.recordAudit(ctx, actorID, "transfer:"+string(action), out)
	return out, nil
}

func (t Transfer) ref() inventory.Reference {
	return inventory.Reference{Module: module, ID: t.ID, Number: t.Number}
}

func (s *Service) notify(ctx context.Context, name string, t Transfer, actorID int64) {
	shared.Notify(ctx, s.events, s.logger, shared.Event{
		Name:     name,
		Entity:   module,
		EntityID: t.ID,
		Number:   t.Number,
		ActorID:  actorID,
		Data: map[string]any{
			"from_department_id": t.FromDepartmentID,
			"to_department_id":   t.ToDepartmentID,
			"item_id":            t.ItemID,
			"qty":                t.Quantity.String(),
			"unit_cost":          t.UnitCost.String(),
		},
	})
}

func (s *Service) recordApproval(ctx context.Context, t Transfer, actorID int64, action shared.ApprovalAction) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   shared.ApprovalRef(module, t.ID),
		ActorID: actorID,
		Action:  action,
		Note:    "transfer " + t.Number,
	}); err != nil {
		s.logger.Warn("record approval", slog.String("number", t.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, t Transfer) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   module,
		EntityID: strconv.FormatInt(t.ID, 10),
		Meta: map[string]any{
			"number": t.Number,
			"status": string(t.Status),
			"qty":    t.Quantity.String(),
		},
	})
}
