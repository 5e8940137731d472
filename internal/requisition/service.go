package requisition

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/shared"
)

const module = "stock_request"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	// WithTx hands out the workflow and ledger repositories bound to one transaction.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error
	Get(ctx context.Context, id int64) (Request, error)
	List(ctx context.Context, filter ListFilter) ([]Request, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, req Request) (Request, error)
	GetForUpdate(ctx context.Context, id int64) (Request, error)
	UpdateHeader(ctx context.Context, req Request) error
	ReplaceLines(ctx context.Context, requestID int64, lines []Line) ([]Line, error)
	UpdateLines(ctx context.Context, lines []Line) error
}

// ListFilter narrows List.
type ListFilter struct {
	DepartmentID int64
	Status       Status
	Limit        int
}

// ServiceConfig groups optional service settings.
type ServiceConfig struct {
	// ReserveOnApprove earmarks approved quantities at the central warehouse.
	ReserveOnApprove bool
	Logger           *slog.Logger
}

// Service orchestrates stock request flows.
type Service struct {
	repo      RepositoryPort
	inventory *inventory.Service
	approvals shared.ApprovalPort
	audit     shared.AuditPort
	events    shared.Publisher
	reserve   bool
	logger    *slog.Logger
}

// NewService constructs requisition service.
func NewService(repo RepositoryPort, inv *inventory.Service, approvals shared.ApprovalPort, audit shared.AuditPort, events shared.Publisher, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		inventory: inv,
		approvals: approvals,
		audit:     audit,
		events:    events,
		reserve:   cfg.ReserveOnApprove,
		logger:    logger,
	}
}

// LineInput describes a requested line.
type LineInput struct {
	ItemID   int64
	Quantity decimal.Decimal
	Note     string
}

// CreateInput describes a new request.
type CreateInput struct {
	DepartmentID int64
	ActorID      int64
	Priority     Priority
	Note         string
	Lines        []LineInput
}

// ApproveInput carries approved quantities keyed by line id. Lines left out
// are approved in full.
type ApproveInput struct {
	RequestID int64
	ActorID   int64
	Approvals map[int64]decimal.Decimal
	Notes     string
}

// CompleteInput carries issued quantities keyed by line id. Lines left out
// issue their approved quantity.
type CompleteInput struct {
	RequestID int64
	ActorID   int64
	Issued    map[int64]decimal.Decimal
}

func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository, *inventory.Ledger) error) error {
	return s.inventory.Retry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository, stock inventory.TxRepository) error {
			return fn(ctx, tx, s.inventory.Ledger(stock))
		})
	})
}

func buildLines(inputs []LineInput) ([]Line, error) {
	seen := make(map[int64]struct{}, len(inputs))
	lines := make([]Line, 0, len(inputs))
	for idx, in := range inputs {
		if in.ItemID <= 0 {
			return nil, fmt.Errorf("%w: line %d missing item", shared.ErrValidation, idx+1)
		}
		if !in.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", shared.ErrValidation, idx+1)
		}
		if _, dup := seen[in.ItemID]; dup {
			return nil, fmt.Errorf("%w: item %d requested twice", shared.ErrValidation, in.ItemID)
		}
		seen[in.ItemID] = struct{}{}
		lines = append(lines, Line{
			ItemID:            in.ItemID,
			QuantityRequested: in.Quantity,
			QuantityApproved:  decimal.Zero,
			QuantityIssued:    decimal.Zero,
			UnitCost:          decimal.Zero,
			Note:              in.Note,
		})
	}
	return lines, nil
}

// Create stores a draft request.
func (s *Service) Create(ctx context.Context, in CreateInput) (Request, error) {
	if in.DepartmentID <= 0 {
		return Request{}, fmt.Errorf("%w: department required", shared.ErrValidation)
	}
	if in.ActorID <= 0 {
		return Request{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}
	if !in.Priority.valid() {
		return Request{}, fmt.Errorf("%w: unknown priority %q", shared.ErrValidation, in.Priority)
	}
	lines, err := buildLines(in.Lines)
	if err != nil {
		return Request{}, err
	}
	var created Request
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		number, err := ledger.NextNumber(ctx, inventory.PrefixRequest, s.inventory.Now())
		if err != nil {
			return err
		}
		created, err = tx.Insert(ctx, Request{
			Number:       number,
			DepartmentID: in.DepartmentID,
			RequestedBy:  in.ActorID,
			Priority:     in.Priority,
			Status:       StatusDraft,
			Note:         in.Note,
			Lines:        lines,
		})
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.recordAudit(ctx, in.ActorID, "requisition:create", created, nil)
	return created, nil
}

// UpdateLines replaces the lines of a draft request.
func (s *Service) UpdateLines(ctx context.Context, id, actorID int64, inputs []LineInput) (Request, error) {
	lines, err := buildLines(inputs)
	if err != nil {
		return Request{}, err
	}
	var updated Request
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := req.guard(ActionEdit); err != nil {
			return err
		}
		req.Lines, err = tx.ReplaceLines(ctx, id, lines)
		if err != nil {
			return err
		}
		updated = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.recordAudit(ctx, actorID, "requisition:update_lines", updated, map[string]any{"lines": len(updated.Lines)})
	return updated, nil
}

// Submit locks a draft that carries at least one line.
func (s *Service) Submit(ctx context.Context, id, actorID int64) (Request, error) {
	req, err := s.transition(ctx, id, actorID, ActionSubmit, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger, req *Request) error {
		if len(req.Lines) == 0 {
			return fmt.Errorf("requisition %s: submit requires at least one line: %w", req.Number, shared.ErrInvalidState)
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.recordApproval(ctx, req, actorID, shared.ApprovalSubmit, req.Note)
	return req, nil
}

// Approve writes approved quantities without moving stock.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (Request, error) {
	req, err := s.transition(ctx, in.RequestID, in.ActorID, ActionApprove, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger, req *Request) error {
		known := make(map[int64]struct{}, len(req.Lines))
		for i := range req.Lines {
			line := &req.Lines[i]
			known[line.ID] = struct{}{}
			qty, ok := in.Approvals[line.ID]
			if !ok {
				qty = line.QuantityRequested
			}
			if qty.IsNegative() || qty.GreaterThan(line.QuantityRequested) {
				return fmt.Errorf("%w: line %d approved %s outside [0, %s]", shared.ErrValidation, line.ID, qty, line.QuantityRequested)
			}
			line.QuantityApproved = qty
		}
		for lineID := range in.Approvals {
			if _, ok := known[lineID]; !ok {
				return fmt.Errorf("%w: line %d does not belong to %s", shared.ErrValidation, lineID, req.Number)
			}
		}
		if s.reserve {
			for _, line := range req.Lines {
				if !line.QuantityApproved.IsPositive() {
					continue
				}
				if _, err := ledger.Reserve(ctx, inventory.ReservationInput{
					ItemID:   line.ItemID,
					Location: inventory.Central(),
					Qty:      line.QuantityApproved,
					ActorID:  in.ActorID,
					Ref:      req.ref(),
					Note:     "reserved for " + req.Number,
				}); err != nil {
					return fmt.Errorf("requisition %s: reserve item %d: %w", req.Number, line.ItemID, err)
				}
			}
			req.Reserved = true
		}
		now := s.inventory.Now()
		req.ApprovedBy = in.ActorID
		req.ApprovedAt = &now
		req.ApprovalNote = in.Notes
		return tx.UpdateLines(ctx, req.Lines)
	})
	if err != nil {
		return Request{}, err
	}
	s.recordApproval(ctx, req, in.ActorID, shared.ApprovalApprove, in.Notes)
	return req, nil
}

// Reject closes a submitted request.
func (s *Service) Reject(ctx context.Context, id, actorID int64, reason string) (Request, error) {
	req, err := s.transition(ctx, id, actorID, ActionReject, func(_ context.Context, _ TxRepository, _ *inventory.Ledger, req *Request) error {
		req.ApprovalNote = reason
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.recordApproval(ctx, req, actorID, shared.ApprovalReject, reason)
	return req, nil
}

// Cancel closes a request before completion, releasing any reservation.
func (s *Service) Cancel(ctx context.Context, id, actorID int64, reason string) (Request, error) {
	req, err := s.transition(ctx, id, actorID, ActionCancel, func(ctx context.Context, _ TxRepository, ledger *inventory.Ledger, req *Request) error {
		if req.Reserved {
			if err := s.releaseReservations(ctx, ledger, *req, actorID); err != nil {
				return err
			}
			req.Reserved = false
		}
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.recordApproval(ctx, req, actorID, shared.ApprovalCancel, reason)
	return req, nil
}

// Complete issues stock from central to the department for every line, all or nothing.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (Request, error) {
	req, err := s.transition(ctx, in.RequestID, in.ActorID, ActionComplete, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger, req *Request) error {
		issued := make(map[int64]decimal.Decimal, len(req.Lines))
		for _, line := range req.Lines {
			qty, ok := in.Issued[line.ID]
			if !ok {
				qty = line.QuantityApproved
			}
			if qty.IsNegative() || qty.GreaterThan(line.QuantityApproved) {
				return fmt.Errorf("%w: line %d issued %s outside [0, %s]", shared.ErrValidation, line.ID, qty, line.QuantityApproved)
			}
			issued[line.ID] = qty
		}
		for lineID := range in.Issued {
			if _, ok := issued[lineID]; !ok {
				return fmt.Errorf("%w: line %d does not belong to %s", shared.ErrValidation, lineID, req.Number)
			}
		}
		if req.Reserved {
			if err := s.releaseReservations(ctx, ledger, *req, in.ActorID); err != nil {
				return err
			}
			req.Reserved = false
		}
		department := inventory.Department(req.DepartmentID)
		for i := range req.Lines {
			line := &req.Lines[i]
			qty := issued[line.ID]
			line.QuantityIssued = qty
			if !qty.IsPositive() {
				continue
			}
			out, err := ledger.Decrease(ctx, inventory.DecreaseInput{
				ItemID:   line.ItemID,
				Location: inventory.Central(),
				Qty:      qty,
				Type:     inventory.MovementTransferOut,
				ActorID:  in.ActorID,
				Ref:      req.ref(),
				Note:     "issued to department " + strconv.FormatInt(req.DepartmentID, 10),
			})
			if err != nil {
				return fmt.Errorf("requisition %s: issue item %d: %w", req.Number, line.ItemID, err)
			}
			line.UnitCost = out.Movement.UnitCost
			if _, err := ledger.Increase(ctx, inventory.IncreaseInput{
				ItemID:   line.ItemID,
				Location: department,
				Qty:      qty,
				UnitCost: line.UnitCost,
				Type:     inventory.MovementTransferIn,
				ActorID:  in.ActorID,
				Ref:      req.ref(),
				Note:     "received from central",
			}); err != nil {
				return fmt.Errorf("requisition %s: receive item %d: %w", req.Number, line.ItemID, err)
			}
		}
		now := s.inventory.Now()
		req.CompletedBy = in.ActorID
		req.CompletedAt = &now
		return tx.UpdateLines(ctx, req.Lines)
	})
	if err != nil {
		return Request{}, err
	}
	s.recordApproval(ctx, req, in.ActorID, shared.ApprovalComplete, "")
	lines := make([]map[string]any, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, map[string]any{"item_id": line.ItemID, "qty": line.QuantityIssued.String(), "unit_cost": line.UnitCost.String()})
	}
	shared.Notify(ctx, s.events, s.logger, shared.Event{
		Name:     "stock_request.completed",
		Entity:   module,
		EntityID: req.ID,
		Number:   req.Number,
		ActorID:  in.ActorID,
		Data:     map[string]any{"department_id": req.DepartmentID, "lines": lines},
	})
	return req, nil
}

// Get returns a request with lines.
func (s *Service) Get(ctx context.Context, id int64) (Request, error) {
	return s.repo.Get(ctx, id)
}

// List returns request headers matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Request, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) releaseReservations(ctx context.Context, ledger *inventory.Ledger, req Request, actorID int64) error {
	for _, line := range req.Lines {
		if !line.QuantityApproved.IsPositive() {
			continue
		}
		if _, err := ledger.Release(ctx, inventory.ReservationInput{
			ItemID:   line.ItemID,
			Location: inventory.Central(),
			Qty:      line.QuantityApproved,
			ActorID:  actorID,
			Ref:      req.ref(),
			Note:     "released from " + req.Number,
		}); err != nil {
			return fmt.Errorf("requisition %s: release item %d: %w", req.Number, line.ItemID, err)
		}
	}
	return nil
}

type mutateFunc func(context.Context, TxRepository, *inventory.Ledger, *Request) error

// transition locks the request, checks the state machine, runs mutate and
// persists the new status in the same transaction.
func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, mutate mutateFunc) (Request, error) {
	if actorID <= 0 {
		return Request{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	var out Request
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		req, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := req.guard(action)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(ctx, tx, ledger, &req); err != nil {
				return err
			}
		}
		req.Status = next
		if err := tx.UpdateHeader(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.logger.Info("stock request transition",
		slog.Int64("id", out.ID),
		slog.String("number", out.Number),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)))
	s.recordAudit(ctx, actorID, "requisition:"+string(action), out, nil)
	return out, nil
}

func (r Request) ref() inventory.Reference {
	return inventory.Reference{Module: module, ID: r.ID, Number: r.Number}
}

func (s *Service) recordApproval(ctx context.Context, req Request, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   shared.ApprovalRef(module, req.ID),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	}); err != nil {
		s.logger.Warn("record approval", slog.String("number", req.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, req Request, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = req.Number
	meta["status"] = string(req.Status)
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   module,
		EntityID: strconv.FormatInt(req.ID, 10),
		Meta:     meta,
	})
}
