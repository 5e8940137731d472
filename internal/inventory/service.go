package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, itemID int64, loc Location) (Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	ListBalanceKeys(ctx context.Context) ([]BalanceKey, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Retry    db.RetryPolicy
	Location *time.Location
	Now      func() time.Time
	Metrics  MetricsPort
	Logger   *slog.Logger
	// ReconcileWorkers bounds concurrent key scans during Reconcile.
	ReconcileWorkers int
}

// Service coordinates stock ledger operations.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	retry   db.RetryPolicy
	loc     *time.Location
	now     func() time.Time
	metrics MetricsPort
	logger  *slog.Logger
	workers int
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	s := &Service{
		repo:    repo,
		audit:   audit,
		retry:   cfg.Retry,
		loc:     cfg.Location,
		now:     cfg.Now,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		workers: cfg.ReconcileWorkers,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.workers <= 0 {
		s.workers = 4
	}
	return s
}

// Location returns the time zone used for numbering and monthly rules.
func (s *Service) Location() *time.Location {
	return s.loc
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time {
	return s.now()
}

// Ledger binds the stock primitives to a transaction opened by the caller.
func (s *Service) Ledger(tx TxRepository) *Ledger {
	return &Ledger{tx: tx, now: s.now, loc: s.loc, metrics: s.metrics}
}

// IsRetryable reports whether err is a number-allocation collision.
func IsRetryable(err error) bool {
	return errors.Is(err, shared.ErrDuplicateSequence)
}

// Retry reruns fn on number collisions. Collisions never reach the caller:
// exhaustion is reported as ErrSequenceExhausted.
func (s *Service) Retry(ctx context.Context, fn func(context.Context) error) error {
	err := db.Retry(ctx, s.retry, IsRetryable, func(attempt int, err error) {
		s.logger.Warn("retrying after sequence collision", slog.Int("attempt", attempt), slog.Any("error", err))
	}, fn)
	if IsRetryable(err) {
		return ErrSequenceExhausted
	}
	return err
}

// Run executes fn with a ledger in a fresh transaction, retrying collisions.
func (s *Service) Run(ctx context.Context, fn func(context.Context, *Ledger) error) error {
	return s.Retry(ctx, func(ctx context.Context) error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return fn(ctx, s.Ledger(tx))
		})
	})
}

// Increase posts an inbound movement in its own transaction.
func (s *Service) Increase(ctx context.Context, in IncreaseInput) (Posting, error) {
	var out Posting
	err := s.Run(ctx, func(ctx context.Context, l *Ledger) error {
		var err error
		out, err = l.Increase(ctx, in)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, out.Movement)
	return out, nil
}

// Decrease posts an outbound movement in its own transaction.
func (s *Service) Decrease(ctx context.Context, in DecreaseInput) (Posting, error) {
	var out Posting
	err := s.Run(ctx, func(ctx context.Context, l *Ledger) error {
		var err error
		out, err = l.Decrease(ctx, in)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, out.Movement)
	return out, nil
}

// Reserve earmarks stock in its own transaction.
func (s *Service) Reserve(ctx context.Context, in ReservationInput) (Posting, error) {
	var out Posting
	err := s.Run(ctx, func(ctx context.Context, l *Ledger) error {
		var err error
		out, err = l.Reserve(ctx, in)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, out.Movement)
	return out, nil
}

// Release frees reserved stock in its own transaction.
func (s *Service) Release(ctx context.Context, in ReservationInput) (Posting, error) {
	var out Posting
	err := s.Run(ctx, func(ctx context.Context, l *Ledger) error {
		var err error
		out, err = l.Release(ctx, in)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, out.Movement)
	return out, nil
}

// Record appends a journal record in its own transaction.
func (s *Service) Record(ctx context.Context, in RecordInput) (Movement, error) {
	var out Movement
	err := s.Run(ctx, func(ctx context.Context, l *Ledger) error {
		var err error
		out, err = l.Record(ctx, in)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.recordAudit(ctx, out)
	return out, nil
}

// Balance returns the live balance; a missing row reads as an empty balance.
func (s *Service) Balance(ctx context.Context, itemID int64, loc Location) (Balance, error) {
	if err := validateKey(itemID, loc); err != nil {
		return Balance{}, err
	}
	bal, err := s.repo.GetBalance(ctx, itemID, loc)
	if errors.Is(err, ErrBalanceNotFound) {
		return Balance{ItemID: itemID, Location: loc}, nil
	}
	return bal, err
}

// BalanceKeysAt lists the items holding a balance row at loc.
func (s *Service) BalanceKeysAt(ctx context.Context, loc Location) ([]BalanceKey, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	keys, err := s.repo.ListBalanceKeys(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if k.Location == loc {
			out = append(out, k)
		}
	}
	return out, nil
}

// StockCard lists movements for a key with a running balance.
func (s *Service) StockCard(ctx context.Context, filter MovementFilter) ([]StockCardEntry, error) {
	if err := validateKey(filter.ItemID, filter.Location); err != nil {
		return nil, err
	}
	opening := decimal.Zero
	if !filter.From.IsZero() {
		before, err := s.repo.ListMovements(ctx, MovementFilter{ItemID: filter.ItemID, Location: filter.Location, To: filter.From.Add(-time.Nanosecond)})
		if err != nil {
			return nil, err
		}
		opening = sumApproved(before)
	}
	movements, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, err
	}
	running := opening
	cards := make([]StockCardEntry, 0, len(movements))
	for _, mv := range movements {
		if mv.Status != MovementApproved {
			continue
		}
		signed := mv.SignedQuantity()
		running = running.Add(signed)
		entry := StockCardEntry{
			Number:       mv.Number,
			Type:         mv.Type,
			MovementDate: mv.MovementDate,
			QtyIn:        decimal.Zero,
			QtyOut:       decimal.Zero,
			BalanceQty:   running,
			UnitCost:     mv.UnitCost,
			Ref:          mv.Ref,
			Note:         mv.Note,
		}
		if signed.IsPositive() {
			entry.QtyIn = signed
		} else if signed.IsNegative() {
			entry.QtyOut = signed.Neg()
		}
		cards = append(cards, entry)
	}
	return cards, nil
}

// ReconstructBalance replays every approved movement for the key in
// movement date then creation order. It reads without locking the live row.
func (s *Service) ReconstructBalance(ctx context.Context, itemID int64, loc Location) (decimal.Decimal, error) {
	if err := validateKey(itemID, loc); err != nil {
		return decimal.Zero, err
	}
	movements, err := s.repo.ListMovements(ctx, MovementFilter{ItemID: itemID, Location: loc})
	if err != nil {
		return decimal.Zero, err
	}
	return sumApproved(movements), nil
}

// ReconcileOptions controls a reconciliation scan.
type ReconcileOptions struct {
	// Keys restricts the scan; empty means every balance row.
	Keys []BalanceKey
	// Repair rewrites drifting quantity_on_hand from the journal.
	Repair  bool
	ActorID int64
}

// Reconcile compares every balance with its journal replay and reports drift.
func (s *Service) Reconcile(ctx context.Context, opts ReconcileOptions) ([]Drift, error) {
	keys := opts.Keys
	if len(keys) == 0 {
		var err error
		keys, err = s.repo.ListBalanceKeys(ctx)
		if err != nil {
			return nil, err
		}
	}
	results := make([]*Drift, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, key := range keys {
		g.Go(func() error {
			drift, err := s.checkKey(gctx, key)
			if err != nil {
				return fmt.Errorf("inventory: reconcile item %d at %s: %w", key.ItemID, key.Location, err)
			}
			results[i] = drift
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var drifts []Drift
	for _, d := range results {
		if d == nil {
			continue
		}
		if opts.Repair {
			repaired, err := s.RepairBalance(ctx, d.Key, opts.ActorID)
			if err != nil {
				return drifts, err
			}
			d = &repaired
		}
		drifts = append(drifts, *d)
	}
	return drifts, nil
}

func (s *Service) checkKey(ctx context.Context, key BalanceKey) (*Drift, error) {
	bal, err := s.Balance(ctx, key.ItemID, key.Location)
	if err != nil {
		return nil, err
	}
	total, err := s.ReconstructBalance(ctx, key.ItemID, key.Location)
	if err != nil {
		return nil, err
	}
	if total.Equal(bal.QuantityOnHand) {
		return nil, nil
	}
	return &Drift{Key: key, LiveQuantity: bal.QuantityOnHand, JournalTotal: total}, nil
}

// RepairBalance re-derives quantity_on_hand from the journal under the row lock.
func (s *Service) RepairBalance(ctx context.Context, key BalanceKey, actorID int64) (Drift, error) {
	drift := Drift{Key: key}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bal, err := tx.LockBalance(ctx, key.ItemID, key.Location)
		if err != nil {
			return err
		}
		total, err := tx.SumMovements(ctx, key.ItemID, key.Location)
		if err != nil {
			return err
		}
		drift.LiveQuantity = bal.QuantityOnHand
		drift.JournalTotal = total
		if total.Equal(bal.QuantityOnHand) {
			return nil
		}
		if total.IsNegative() {
			return fmt.Errorf("%w: journal replays to negative quantity %s", shared.ErrInsufficientStock, total)
		}
		bal.QuantityOnHand = total
		if bal.ReservedQuantity.GreaterThan(total) {
			bal.ReservedQuantity = total
		}
		bal.TotalValue = valueOf(bal.QuantityOnHand, bal.AverageUnitCost)
		drift.Repaired = true
		return tx.SaveBalance(ctx, bal)
	})
	if err != nil {
		return Drift{}, err
	}
	if drift.Repaired {
		s.logger.Warn("balance repaired from journal",
			slog.Int64("item_id", key.ItemID),
			slog.String("location", key.Location.String()),
			slog.String("live", drift.LiveQuantity.String()),
			slog.String("journal", drift.JournalTotal.String()))
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				ActorID:  actorID,
				Action:   "inventory:repair",
				Entity:   "stock_balance",
				EntityID: fmt.Sprintf("%d:%s", key.ItemID, key.Location),
				Meta: map[string]any{
					"live":    drift.LiveQuantity.String(),
					"journal": drift.JournalTotal.String(),
				},
			})
		}
	}
	return drift, nil
}

func (s *Service) recordAudit(ctx context.Context, mv Movement) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  mv.CreatedBy,
		Action:   fmt.Sprintf("inventory:%s", mv.Type),
		Entity:   "movement_record",
		EntityID: mv.Number,
		Meta: map[string]any{
			"item_id":  mv.ItemID,
			"location": mv.Location.String(),
			"qty":      mv.Quantity.String(),
			"note":     mv.Note,
		},
	})
}

func sumApproved(movements []Movement) decimal.Decimal {
	total := decimal.Zero
	for _, mv := range movements {
		if mv.Status != MovementApproved {
			continue
		}
		total = total.Add(mv.SignedQuantity())
	}
	return total
}
