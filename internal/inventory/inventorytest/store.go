// Package inventorytest provides an in-memory ledger store for tests.
package inventorytest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/shared"
)

// Store implements inventory.RepositoryPort in memory. Transactions are
// serialised and roll back on error.
type Store struct {
	mu         sync.Mutex
	balances   map[inventory.BalanceKey]inventory.Balance
	movements  []inventory.Movement
	sequences  map[string]int
	nextID     int64
	collisions int
	failInsert error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		balances:  make(map[inventory.BalanceKey]inventory.Balance),
		sequences: make(map[string]int),
	}
}

type snapshot struct {
	balances  map[inventory.BalanceKey]inventory.Balance
	movements []inventory.Movement
	sequences map[string]int
	nextID    int64
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		balances:  maps.Clone(s.balances),
		movements: slices.Clone(s.movements),
		sequences: maps.Clone(s.sequences),
		nextID:    s.nextID,
	}
}

func (s *Store) restore(snap snapshot) {
	s.balances = snap.balances
	s.movements = snap.movements
	s.sequences = snap.sequences
	s.nextID = snap.nextID
}

// WithTx runs fn atomically.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return s.Atomic(func(tx inventory.TxRepository) error {
		return fn(ctx, tx)
	})
}

// Atomic runs fn holding the store lock and rolls back every change when fn fails.
func (s *Store) Atomic(fn func(inventory.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(&txStore{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// InjectCollisions makes the next n movement inserts fail with a sequence collision.
func (s *Store) InjectCollisions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collisions = n
}

// FailInserts makes every movement insert fail with err until reset with nil.
func (s *Store) FailInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = err
}

// SetBalance overwrites a balance row, bypassing the journal.
func (s *Store) SetBalance(bal inventory.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[inventory.BalanceKey{ItemID: bal.ItemID, Location: bal.Location}] = bal
}

// Movements returns a copy of the journal.
func (s *Store) Movements() []inventory.Movement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.movements)
}

// GetBalance implements inventory.RepositoryPort.
func (s *Store) GetBalance(_ context.Context, itemID int64, loc inventory.Location) (inventory.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[inventory.BalanceKey{ItemID: itemID, Location: loc}]
	if !ok {
		return inventory.Balance{}, inventory.ErrBalanceNotFound
	}
	return bal, nil
}

// ListBalanceKeys implements inventory.RepositoryPort.
func (s *Store) ListBalanceKeys(context.Context) ([]inventory.BalanceKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := slices.Collect(maps.Keys(s.balances))
	slices.SortFunc(keys, func(a, b inventory.BalanceKey) int {
		if a.ItemID != b.ItemID {
			return int(a.ItemID - b.ItemID)
		}
		return int(a.Location.DepartmentID - b.Location.DepartmentID)
	})
	return keys, nil
}

// ListMovements implements inventory.RepositoryPort.
func (s *Store) ListMovements(_ context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []inventory.Movement
	for _, mv := range s.movements {
		if mv.ItemID != filter.ItemID || mv.Location != filter.Location {
			continue
		}
		if !filter.From.IsZero() && mv.MovementDate.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && mv.MovementDate.After(filter.To) {
			continue
		}
		out = append(out, mv)
	}
	slices.SortStableFunc(out, func(a, b inventory.Movement) int {
		if c := a.MovementDate.Compare(b.MovementDate); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type txStore struct {
	s *Store
}

func (t *txStore) NextSequence(_ context.Context, prefix string, day time.Time) (int, error) {
	key := prefix + "/" + day.Format("20060102")
	t.s.sequences[key]++
	return t.s.sequences[key], nil
}

func (t *txStore) LockBalance(_ context.Context, itemID int64, loc inventory.Location) (inventory.Balance, error) {
	key := inventory.BalanceKey{ItemID: itemID, Location: loc}
	bal, ok := t.s.balances[key]
	if !ok {
		bal = inventory.Balance{
			ItemID:           itemID,
			Location:         loc,
			QuantityOnHand:   decimal.Zero,
			ReservedQuantity: decimal.Zero,
			LastUnitCost:     decimal.Zero,
			AverageUnitCost:  decimal.Zero,
			TotalValue:       decimal.Zero,
		}
		t.s.balances[key] = bal
	}
	return bal, nil
}

func (t *txStore) SaveBalance(_ context.Context, bal inventory.Balance) error {
	key := inventory.BalanceKey{ItemID: bal.ItemID, Location: bal.Location}
	if _, ok := t.s.balances[key]; !ok {
		return inventory.ErrBalanceNotFound
	}
	bal.UpdatedAt = time.Now()
	t.s.balances[key] = bal
	return nil
}

func (t *txStore) InsertMovement(_ context.Context, mv inventory.Movement) (inventory.Movement, error) {
	if t.s.failInsert != nil {
		return inventory.Movement{}, t.s.failInsert
	}
	if t.s.collisions > 0 {
		t.s.collisions--
		return inventory.Movement{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, mv.Number)
	}
	for _, existing := range t.s.movements {
		if existing.Number == mv.Number {
			return inventory.Movement{}, fmt.Errorf("%w: %s", shared.ErrDuplicateSequence, mv.Number)
		}
	}
	t.s.nextID++
	mv.ID = t.s.nextID
	t.s.movements = append(t.s.movements, mv)
	return mv, nil
}

func (t *txStore) SumMovements(_ context.Context, itemID int64, loc inventory.Location) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, mv := range t.s.movements {
		if mv.ItemID != itemID || mv.Location != loc || mv.Status != inventory.MovementApproved {
			continue
		}
		total = total.Add(mv.SignedQuantity())
	}
	return total, nil
}
