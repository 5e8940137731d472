package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/shared"
)

const module = "purchase"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error
	Get(ctx context.Context, id int64) (Purchase, error)
	List(ctx context.Context, filter ListFilter) ([]Purchase, error)
	ListReceipts(ctx context.Context, purchaseID int64) ([]Receipt, error)
	ListPayments(ctx context.Context, purchaseID int64) ([]Payment, error)
}

// TxRepository exposes transactional operations used by Service.
type TxRepository interface {
	Insert(ctx context.Context, p Purchase) (Purchase, error)
	GetForUpdate(ctx context.Context, id int64) (Purchase, error)
	UpdateHeader(ctx context.Context, p Purchase) error
	ReplaceItems(ctx context.Context, purchaseID int64, items []Item) ([]Item, error)
	UpdateItem(ctx context.Context, item Item) error
	InsertReceipt(ctx context.Context, r Receipt) (Receipt, error)
	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	// SetLastPurchaseCost stamps the item master inside the receipt transaction.
	SetLastPurchaseCost(ctx context.Context, itemID int64, cost decimal.Decimal) error
}

// IdempotencyPort guards client retries of a receipt.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ListFilter narrows List.
type ListFilter struct {
	SupplierID int64
	Status     Status
	Limit      int
}

// Service orchestrates purchase receiving into the central warehouse.
type Service struct {
	repo        RepositoryPort
	inventory   *inventory.Service
	integration IntegrationHandler
	approvals   shared.ApprovalPort
	audit       shared.AuditPort
	events      shared.Publisher
	idempotency IdempotencyPort
	logger      *slog.Logger
}

// Deps groups the collaborators of Service. Everything except Repo and Inventory is optional.
type Deps struct {
	Repo        RepositoryPort
	Inventory   *inventory.Service
	Integration IntegrationHandler
	Approvals   shared.ApprovalPort
	Audit       shared.AuditPort
	Events      shared.Publisher
	Idempotency IdempotencyPort
	Logger      *slog.Logger
}

// NewService constructs procurement service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        deps.Repo,
		inventory:   deps.Inventory,
		integration: deps.Integration,
		approvals:   deps.Approvals,
		audit:       deps.Audit,
		events:      deps.Events,
		idempotency: deps.Idempotency,
		logger:      logger,
	}
}

// ItemInput describes a purchase line.
type ItemInput struct {
	ItemID    int64
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// CreateInput describes a new purchase order.
type CreateInput struct {
	SupplierID int64
	Note       string
	ActorID    int64
	Items      []ItemInput
}

func buildItems(in []ItemInput) ([]Item, error) {
	seen := make(map[int64]struct{}, len(in))
	items := make([]Item, 0, len(in))
	for i, it := range in {
		if it.ItemID <= 0 {
			return nil, fmt.Errorf("%w: line %d item required", shared.ErrValidation, i+1)
		}
		if _, dup := seen[it.ItemID]; dup {
			return nil, fmt.Errorf("%w: item %d listed twice", shared.ErrValidation, it.ItemID)
		}
		seen[it.ItemID] = struct{}{}
		if !it.Quantity.IsPositive() {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", shared.ErrValidation, i+1)
		}
		if it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: line %d unit price cannot be negative", shared.ErrValidation, i+1)
		}
		items = append(items, Item{
			ItemID:           it.ItemID,
			QuantityOrdered:  it.Quantity,
			QuantityReceived: decimal.Zero,
			UnitPrice:        it.UnitPrice,
		})
	}
	return items, nil
}

func (s *Service) inTx(ctx context.Context, fn func(context.Context, TxRepository, *inventory.Ledger) error) error {
	return s.inventory.Retry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository, stock inventory.TxRepository) error {
			return fn(ctx, tx, s.inventory.Ledger(stock))
		})
	})
}

// Create stores a draft purchase order.
func (s *Service) Create(ctx context.Context, in CreateInput) (Purchase, error) {
	if in.SupplierID <= 0 {
		return Purchase{}, fmt.Errorf("%w: supplier required", shared.ErrValidation)
	}
	if in.ActorID <= 0 {
		return Purchase{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	items, err := buildItems(in.Items)
	if err != nil {
		return Purchase{}, err
	}
	var created Purchase
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		number, err := ledger.NextNumber(ctx, inventory.PrefixPurchase, s.inventory.Now())
		if err != nil {
			return err
		}
		created, err = tx.Insert(ctx, Purchase{
			Number:        number,
			SupplierID:    in.SupplierID,
			Status:        StatusDraft,
			Note:          in.Note,
			CreatedBy:     in.ActorID,
			PaidAmount:    decimal.Zero,
			PaymentStatus: PaymentUnpaid,
			Items:         items,
		})
		return err
	})
	if err != nil {
		return Purchase{}, err
	}
	s.recordAudit(ctx, in.ActorID, "purchase:create", created)
	return created, nil
}

// UpdateItems replaces the lines of a draft purchase.
func (s *Service) UpdateItems(ctx context.Context, id, actorID int64, in []ItemInput) (Purchase, error) {
	items, err := buildItems(in)
	if err != nil {
		return Purchase{}, err
	}
	return s.transition(ctx, id, actorID, ActionEdit, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger, p *Purchase) error {
		saved, err := tx.ReplaceItems(ctx, p.ID, items)
		if err != nil {
			return err
		}
		p.Items = saved
		return nil
	})
}

// Submit sends a draft purchase for approval.
func (s *Service) Submit(ctx context.Context, id, actorID int64) (Purchase, error) {
	p, err := s.transition(ctx, id, actorID, ActionSubmit, func(_ context.Context, _ TxRepository, _ *inventory.Ledger, p *Purchase) error {
		if len(p.Items) == 0 {
			return fmt.Errorf("purchase %s: submit requires at least one item: %w", p.Number, shared.ErrInvalidState)
		}
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}
	s.recordApproval(ctx, p, actorID, shared.ApprovalSubmit, "")
	return p, nil
}

// Approve approves a pending purchase.
func (s *Service) Approve(ctx context.Context, id, actorID int64) (Purchase, error) {
	p, err := s.transition(ctx, id, actorID, ActionApprove, func(_ context.Context, _ TxRepository, _ *inventory.Ledger, p *Purchase) error {
		now := s.inventory.Now()
		p.ApprovedBy = actorID
		p.ApprovedAt = &now
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}
	s.recordApproval(ctx, p, actorID, shared.ApprovalApprove, "")
	return p, nil
}

// MarkOrdered records that the order went out to the supplier.
func (s *Service) MarkOrdered(ctx context.Context, id, actorID int64) (Purchase, error) {
	return s.transition(ctx, id, actorID, ActionOrder, func(_ context.Context, _ TxRepository, _ *inventory.Ledger, p *Purchase) error {
		now := s.inventory.Now()
		p.OrderedAt = &now
		return nil
	})
}

// Cancel aborts a draft or pending purchase.
func (s *Service) Cancel(ctx context.Context, id, actorID int64, reason string) (Purchase, error) {
	p, err := s.transition(ctx, id, actorID, ActionCancel, nil)
	if err != nil {
		return Purchase{}, err
	}
	s.recordApproval(ctx, p, actorID, shared.ApprovalCancel, reason)
	return p, nil
}

// ReceiveInput describes one delivery against a purchase line.
type ReceiveInput struct {
	PurchaseID     int64
	PurchaseItemID int64
	Quantity       decimal.Decimal
	BatchNumber    string
	ExpiryDate     *time.Time
	ActorID        int64
	// IdempotencyKey makes a client retry of the same delivery fail with
	// shared.ErrIdempotencyConflict instead of receiving twice.
	IdempotencyKey string
}

// ReceiveItem books a delivery into central stock at the line's unit price.
// Cumulative receipts never exceed the ordered quantity.
func (s *Service) ReceiveItem(ctx context.Context, in ReceiveInput) (Receipt, error) {
	if !in.Quantity.IsPositive() {
		return Receipt{}, fmt.Errorf("%w: received quantity must be positive", shared.ErrValidation)
	}
	claimed := false
	if in.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, in.IdempotencyKey, "procurement.receipt"); err != nil {
			return Receipt{}, err
		}
		claimed = true
	}
	var receipt Receipt
	p, err := s.transition(ctx, in.PurchaseID, in.ActorID, ActionReceive, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger, p *Purchase) error {
		idx, ok := p.item(in.PurchaseItemID)
		if !ok {
			return fmt.Errorf("purchase %s: line %d: %w", p.Number, in.PurchaseItemID, ErrPurchaseItemNotFound)
		}
		line := &p.Items[idx]
		if in.Quantity.GreaterThan(line.Outstanding()) {
			return fmt.Errorf("%w: purchase %s item %d has %s outstanding, %s received",
				shared.ErrOverReceipt, p.Number, line.ItemID, line.Outstanding(), in.Quantity)
		}
		note := "purchase receipt"
		if in.BatchNumber != "" {
			note += " batch " + in.BatchNumber
		}
		posting, err := ledger.Increase(ctx, inventory.IncreaseInput{
			ItemID:   line.ItemID,
			Location: inventory.Central(),
			Qty:      in.Quantity,
			UnitCost: line.UnitPrice,
			Type:     inventory.MovementStockIn,
			ActorID:  in.ActorID,
			Ref:      p.ref(),
			Note:     note,
		})
		if err != nil {
			return fmt.Errorf("purchase %s: %w", p.Number, err)
		}
		line.QuantityReceived = line.QuantityReceived.Add(in.Quantity)
		if err := tx.UpdateItem(ctx, *line); err != nil {
			return err
		}
		if line.UnitPrice.IsPositive() {
			if err := tx.SetLastPurchaseCost(ctx, line.ItemID, line.UnitPrice); err != nil {
				return err
			}
		}
		receipt, err = tx.InsertReceipt(ctx, Receipt{
			PurchaseID:     p.ID,
			PurchaseItemID: line.ID,
			ItemID:         line.ItemID,
			Quantity:       in.Quantity,
			UnitPrice:      line.UnitPrice,
			BatchNumber:    in.BatchNumber,
			ExpiryDate:     in.ExpiryDate,
			MovementNumber: posting.Movement.Number,
			ReceivedBy:     in.ActorID,
			ReceivedAt:     posting.Movement.MovementDate,
		})
		return err
	})
	if err != nil {
		if claimed {
			if derr := s.idempotency.Delete(ctx, in.IdempotencyKey); derr != nil {
				s.logger.Warn("release idempotency key", slog.String("key", in.IdempotencyKey), slog.Any("error", derr))
			}
		}
		return Receipt{}, err
	}
	if p.Status == StatusCompleted {
		s.recordApproval(ctx, p, in.ActorID, shared.ApprovalComplete, "")
	}
	shared.Notify(ctx, s.events, s.logger, shared.Event{
		Name:     "purchase.item_received",
		Entity:   module,
		EntityID: p.ID,
		Number:   p.Number,
		ActorID:  in.ActorID,
		Data: map[string]any{
			"item_id":  receipt.ItemID,
			"quantity": receipt.Quantity.String(),
			"status":   string(p.Status),
		},
	})
	return receipt, nil
}

// PostToJournal posts the value received so far once. A second call fails with
// shared.ErrAlreadyPosted.
func (s *Service) PostToJournal(ctx context.Context, id, actorID int64) (Purchase, error) {
	if s.integration == nil {
		return Purchase{}, errors.New("purchase: journal integration not configured")
	}
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Purchase{}, err
	}
	if p.Status != StatusPartial && p.Status != StatusCompleted {
		return Purchase{}, fmt.Errorf("purchase %s: post to journal requires a receipt: %w", p.Number, shared.ErrInvalidState)
	}
	if p.JournalPosted {
		return Purchase{}, fmt.Errorf("purchase %s: %w", p.Number, shared.ErrAlreadyPosted)
	}
	evt := PostedEvent{ID: p.ID, Number: p.Number, SupplierID: p.SupplierID, ReceivedAt: s.inventory.Now(), ActorID: actorID}
	for _, it := range p.Items {
		if !it.QuantityReceived.IsPositive() {
			continue
		}
		evt.Lines = append(evt.Lines, ReceivedLine{ItemID: it.ItemID, Quantity: it.QuantityReceived, UnitPrice: it.UnitPrice})
	}
	ref, err := s.integration.HandlePurchasePosted(ctx, evt)
	if err != nil {
		return Purchase{}, fmt.Errorf("purchase %s: %w", p.Number, err)
	}
	err = s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.JournalPosted {
			return fmt.Errorf("purchase %s: %w", p.Number, shared.ErrAlreadyPosted)
		}
		current.JournalPosted = true
		current.JournalRef = ref
		p = current
		return tx.UpdateHeader(ctx, current)
	})
	if err != nil {
		return Purchase{}, err
	}
	s.recordAudit(ctx, actorID, "purchase:post_journal", p)
	return p, nil
}

// PaymentInput describes a supplier payment.
type PaymentInput struct {
	PurchaseID int64
	Amount     decimal.Decimal
	Method     string
	Reference  string
	PaidAt     time.Time
	ActorID    int64
}

// RecordPayment registers a payment and refreshes the payment status. Payments
// never exceed the purchase total.
func (s *Service) RecordPayment(ctx context.Context, in PaymentInput) (Payment, error) {
	if !in.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: payment amount must be positive", shared.ErrValidation)
	}
	if in.ActorID <= 0 {
		return Payment{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	if in.PaidAt.IsZero() {
		in.PaidAt = s.inventory.Now()
	}
	var (
		payment Payment
		updated Purchase
	)
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, _ *inventory.Ledger) error {
		p, err := tx.GetForUpdate(ctx, in.PurchaseID)
		if err != nil {
			return err
		}
		switch p.Status {
		case StatusDraft, StatusPending, StatusCancelled:
			return fmt.Errorf("purchase %s: cannot pay while %s: %w", p.Number, p.Status, shared.ErrInvalidState)
		}
		paid := p.PaidAmount.Add(in.Amount)
		if paid.GreaterThan(p.Total()) {
			return fmt.Errorf("%w: purchase %s payment %s exceeds outstanding %s",
				shared.ErrValidation, p.Number, in.Amount, p.Total().Sub(p.PaidAmount))
		}
		payment, err = tx.InsertPayment(ctx, Payment{
			PurchaseID: p.ID,
			Amount:     in.Amount,
			Method:     in.Method,
			Reference:  in.Reference,
			PaidAt:     in.PaidAt,
			CreatedBy:  in.ActorID,
		})
		if err != nil {
			return err
		}
		p.PaidAmount = paid
		p.PaymentStatus = paymentStatus(paid, p.Total())
		updated = p
		return tx.UpdateHeader(ctx, p)
	})
	if err != nil {
		return Payment{}, err
	}
	s.recordAudit(ctx, in.ActorID, "purchase:payment", updated)
	return payment, nil
}

func paymentStatus(paid, total decimal.Decimal) PaymentStatus {
	switch {
	case !paid.IsPositive():
		return PaymentUnpaid
	case paid.GreaterThanOrEqual(total):
		return PaymentPaid
	default:
		return PaymentPartial
	}
}

// Get returns a purchase with lines.
func (s *Service) Get(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.Get(ctx, id)
}

// List returns purchase headers matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Purchase, error) {
	return s.repo.List(ctx, filter)
}

// Receipts lists deliveries booked against a purchase.
func (s *Service) Receipts(ctx context.Context, id int64) ([]Receipt, error) {
	return s.repo.ListReceipts(ctx, id)
}

// Payments lists payments registered against a purchase.
func (s *Service) Payments(ctx context.Context, id int64) ([]Payment, error) {
	return s.repo.ListPayments(ctx, id)
}

type mutateFunc func(context.Context, TxRepository, *inventory.Ledger, *Purchase) error

func (s *Service) transition(ctx context.Context, id, actorID int64, action Action, mutate mutateFunc) (Purchase, error) {
	if actorID <= 0 {
		return Purchase{}, fmt.Errorf("%w: actor required", shared.ErrValidation)
	}
	var out Purchase
	err := s.inTx(ctx, func(ctx context.Context, tx TxRepository, ledger *inventory.Ledger) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next, err := p.guard(action)
		if err != nil {
			return err
		}
		if mutate != nil {
			if err := mutate(ctx, tx, ledger, &p); err != nil {
				return err
			}
		}
		if action == ActionReceive && p.FullyReceived() {
			next = StatusCompleted
		}
		p.Status = next
		if err := tx.UpdateHeader(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}
	s.logger.Info("purchase transition",
		slog.Int64("id", out.ID),
		slog.String("number", out.Number),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)))
	s.recordAudit(ctx, actorID, "purchase:"+string(action), out)
	return out, nil
}

func (p Purchase) ref() inventory.Reference {
	return inventory.Reference{Module: module, ID: p.ID, Number: p.Number}
}

func (s *Service) recordApproval(ctx context.Context, p Purchase, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	if err := s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  module,
		RefID:   shared.ApprovalRef(module, p.ID),
		ActorID: actorID,
		Action:  action,
		Note:    note,
	}); err != nil {
		s.logger.Warn("record approval", slog.String("number", p.Number), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, p Purchase) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   module,
		EntityID: strconv.FormatInt(p.ID, 10),
		Meta: map[string]any{
			"number":         p.Number,
			"status":         string(p.Status),
			"supplier_id":    p.SupplierID,
			"payment_status": string(p.PaymentStatus),
		},
	})
}
