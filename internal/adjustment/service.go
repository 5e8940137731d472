package adjustment

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/shared"
)

const module = "stock_adjustment"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error
	Get(ctx context.Context, id int64) (Adjustment, error)
	List(ctx context.Context, filter ListFilter) ([]Adjustment, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, a Adjustment) (Adjustment, error)
	GetForUpdate(ctx context.Context, id int64) (Adjustment, error)
	Update(ctx context.Context, a Adjustment) error
	Delete(ctx context.Context, id int64) error
}

// ItemCoster resolves the fallback unit cost of an item.
type ItemCoster interface {
	CostingFallback(ctx context.Context, itemID int64) (decimal.Decimal, error)
}

// ListFilter narrows List.
type ListFilter struct {
	ItemID int64
	Status Status
	Limit  int
}

// Service orchestrates central stock adjustments.
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

// NewService constructs adjustment service.
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

// Input describes an adjustment draft.
type Input struct {
	ItemID    int64
	Kind      Kind
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
	Note      string
	ActorID   int64
}

func (in Input) validate() error {
	if in.ItemID <= 0 {
		return fmt.Errorf("%w: item required", shared.ErrValidation)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown adjustment kind %q", shared.ErrValidation, in.Kind)
	}
	if !in.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	}
	if in.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit price cannot be negative", shared.ErrValidation)
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

// Create stores a draft adjustment.
func (s *Service) Create(ctx context.Context, in Input) (Adjustment, error) {
	if err := in.validate(); err != nil {
		return Adjustment{}, err
	}
	var created Adjustment
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		number, err := ledger.NextNumber(ctx, inventory.PrefixAdjustment, s.inventory.Now())
		if err != nil {
			return err
		}
		created, err = tx.Insert(ctx, Adjustment{
			Number:    number,
			ItemID:    in.ItemID,
			Kind:      in.Kind,
			Quantity:  in.Quantity,
			UnitPrice: in.UnitPrice,
			Status:    StatusDraft,
			Note:      in.Note,
			CreatedBy: in.ActorID,
		})
		return err
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordAudit(ctx, in.ActorID, "adjustment:create", created)
	return created, nil
}

// Update edits a draft adjustment.
func (s *Service) Update(ctx context.Context, id int64, in Input) (Adjustment, error) {
	if err := in.validate(); err != nil {
		return Adjustment{}, err
	}
	return s.transition(ctx, id, in.ActorID, ActionEdit, func(_ context.Context, _ *inventory.Ledger, a *Adjustment) error {
		a.ItemID = in.ItemID
		a.Kind = in.Kind
		a.Quantity = in.Quantity
		a.UnitPrice = in.UnitPrice
		a.Note = in.Note
		return nil
	})
}

// Delete removes a draft adjustment.
func (s *Service) Delete(ctx context.Context, id, actorID int64) error {
	var deleted Adjustment
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		a, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if _, err := a.guard(ActionDelete); err != nil {
			return err
		}
		deleted = a
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "adjustment:delete", deleted)
	return nil
}

// Approve applies the correction to central stock. Journal posting is a separate step.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Adjustment, error) {
	a, err := s.transition(ctx, id, actorID, ActionApprove, func(ctx context.Context, ledger *inventory.Ledger, a *Adjustment) error {
		switch a.Kind {
		case KindShortage:
			out, err := ledger.Decrease(ctx, inventory.DecreaseInput{
				ItemID:   a.ItemID,
				Location: inventory.Central(),
				Qty:      a.Quantity,
				Type:     inventory.MovementAdjustmentMinus,
				ActorID:  actorID,
				Ref:      a.ref(),
				Note:     a.Note,
			})
			if err != nil {
				return fmt.Errorf("adjustment %s: %w", a.Number, err)
			}
			a.UnitPrice = out.Movement.UnitCost
		case KindOverage:
			if !a.UnitPrice.IsPositive() && s.items != nil {
				cost, err := s.items.CostingFallback(ctx, a.ItemID)
				if err != nil {
					return fmt.Errorf("adjustment %s: %w", a.Number, err)
				}
				a.UnitPrice = cost
			}
			if _, err := ledger.Increase(ctx, inventory.IncreaseInput{
				ItemID:   a.ItemID,
				Location: inventory.Central(),
				Qty:      a.Quantity,
				UnitCost: a.UnitPrice,
				Type:     inventory.MovementAdjustmentPlus,
				ActorID:  actorID,
				Ref:      a.ref(),
				Note:     a.Note,
			}); err != nil {
				return fmt.Errorf("adjustment %s: %w", a.Number, err)
			}
		}
		now := s.inventory.Now()
		a.ApprovedBy = actorID
		a.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, a, actorID, shared.ApprovalApprove)
	shared.Notify(ctx, s.events, s.logger, shared.Event{
		Name:     "adjustment.approved",
		Entity:   module,
		EntityID: a.ID,
		Number:   a.Number,
		ActorID:  actorID,
		Data: map[string]any{
			"item_id":  a.ItemID,
			"kind":     string(a.Kind),
			"quantity": a.Quantity.String(),
		},
	})
	return a, nil
}

// PostToJournal posts an approved adjustment once. A second call fails with
// shared.ErrAlreadyPosted and never reaches the general ledger.
func (s *Service) PostToJournal(ctx context.Context, id, actorID int64) (Adjustment, error) {
	if s.integration == nil {
		return Adjustment{}, fmt.Errorf("adjustment: journal integration not configured")
	}
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return Adjustment{}, err
	}
	if a.Status != StatusApproved {
		return Adjustment{}, fmt.Errorf("adjustment %s: post to journal requires approval: %w", a.Number, shared.ErrInvalidState)
	}
	if a.JournalPosted {
		return Adjustment{}, fmt.Errorf("adjustment %s: %w", a.Number, shared.ErrAlreadyPosted)
	}
	evt := PostedEvent{
		ID:        a.ID,
		Number:    a.Number,
		ItemID:    a.ItemID,
		Kind:      a.Kind,
		Quantity:  a.Quantity,
		UnitPrice: a.UnitPrice,
		Amount:    a.Amount(),
		ActorID:   actorID,
	}
	if a.ApprovedAt != nil {
		evt.ApprovedAt = *a.ApprovedAt
	}
	ref, err := s.integration.HandleAdjustmentPosted(ctx, evt)
	if err != nil {
		return Adjustment{}, fmt.Errorf("adjustment %s: %w", a.Number, err)
	}
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.JournalPosted {
			return fmt.Errorf("adjustment %s: %w", a.Number, shared.ErrAlreadyPosted)
		}
		current.JournalPosted = true
		current.JournalRef = ref
		a = current
		return tx.Update(ctx, current)
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordAudit(ctx, actorID, "adjustment:post_journal", a)
	return a, nil
}

// Get returns an adjustment.
func (s *Service) Get(ctx context.Context, id int64) (Adjustment, error) {
	return s.repo.Get(ctx, id)
}

// List returns adjustments matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Adjustment, error) {
	return s.repo.List(ctx, filter)
}

type mutateFunc func(context.Context, *inventory.Ledger, *Adjustment) error

func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, mutate mutateFunc) (Adjustment, error) {
	if actorID <= 0 {
		return Adjustment{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	var out Adjustment
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		a, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := a.guard(action)
		if err != nil {
			return err
		}
		if err := mutate(ctx, ledger, &a); err != nil {
			return err
		}
		a.Status = next
		if err := tx.Update(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.logger.Info("stock adjustment transition",
		slog.Int64("id", out.ID),
		slog.String("number", out.Number),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)))
	s.recordAudit(ctx, actorID, "adjustment:"+string(action), out)
	return out, nil
}

func (a Adjustment) ref() inventory.Reference {
	return inventory.Reference{Module: module, ID: a.ID, Number: a.Number}
}

func (s *Service) recordApproval(ctx context.Context, a Adjustment, actorID int64, action shared.ApprovalAction) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   shared.ApprovalRef(module, a.ID),
		ActorID: actorID,
		Action:  action,
	}); err != nil {
		s.logger.Warn("record approval", slog.String("number", a.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, a Adjustment) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   module,
		EntityID: strconv.FormatInt(a.ID, 10),
		Meta: map[string]any{
			"number":   a.Number,
			"status":   string(a.Status),
			"kind":     string(a.Kind),
			"item_id":  a.ItemID,
			"quantity": a.Quantity.String(),
		},
	})
}
