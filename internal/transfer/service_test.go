package transfer

import (
	"context"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medcore/stockcore/internal/inventory"
	"github.com/medcore/stockcore/internal/inventory/inventorytest"
	"github.com/medcore/stockcore/internal/platform/db"
	"github.com/medcore/stockcore/internal/shared"
)

type memoryRepo struct {
	store     *inventorytest.Store
	mu        sync.Mutex
	transfers map[int64]Transfer
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return r.store.Atomic(func(stock inventory.TxRepository) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		saved, nextID := maps.Clone(r.transfers), r.nextID
		if err := fn(ctx, &memoryTx{repo: r}, stock); err != nil {
			r.transfers, r.nextID = saved, nextID
			return err
		}
		return nil
	})
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return t, nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transfer
	for _, t := range r.transfers {
		if filter.DepartmentID != 0 && t.FromDepartmentID != filter.DepartmentID && t.ToDepartmentID != filter.DepartmentID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (tx *memoryTx) Insert(_ context.Context, t Transfer) (Transfer, error) {
	tx.repo.nextID++
	t.ID = tx.repo.nextID
	tx.repo.transfers[t.ID] = t
	return t, nil
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id int64) (Transfer, error) {
	t, ok := tx.repo.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return t, nil
}

func (tx *memoryTx) Update(_ context.Context, t Transfer) error {
	if _, ok := tx.repo.transfers[t.ID]; !ok {
		return ErrTransferNotFound
	}
	tx.repo.transfers[t.ID] = t
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, id int64) error {
	delete(tx.repo.transfers, id)
	return nil
}

type stubCompliance struct {
	approved map[int64]shared.Month
}

func (c stubCompliance) HasApprovedOpname(_ context.Context, departmentID int64, month shared.Month) (bool, error) {
	m, ok := c.approved[departmentID]
	return ok && m == month, nil
}

var testDay = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, compliance ComplianceChecker) (*Service, *inventory.Service) {
	t.Helper()
	store := inventorytest.NewStore()
	inv := inventory.NewService(store, nil, inventory.ServiceConfig{
		Retry: db.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond},
		Now:   func() time.Time { return testDay },
	})
	repo := &memoryRepo{store: store, transfers: make(map[int64]Transfer)}
	svc := NewService(repo, inv, compliance, nil, nil, nil, ServiceConfig{ComplianceRequired: true})
	return svc, inv
}

func seed(t *testing.T, inv *inventory.Service, dept int64, qty, cost int64) {
	t.Helper()
	_, err := inv.Increase(context.Background(), inventory.IncreaseInput{
		ItemID:   1,
		Location: inventory.Department(dept),
		Qty:      decimal.NewFromInt(qty),
		UnitCost: decimal.NewFromInt(cost),
	})
	require.NoError(t, err)
}

func onHand(t *testing.T, inv *inventory.Service, dept int64) decimal.Decimal {
	t.Helper()
	bal, err := inv.Balance(context.Background(), 1, inventory.Department(dept))
	require.NoError(t, err)
	return bal.QuantityOnHand
}

func february() shared.Month {
	return shared.Month{Year: 2024, Month: time.February}
}

func TestTransferConservesQuantity(t *testing.T) {
	ctx := context.Background()
	svc, inv := newTestService(t, stubCompliance{approved: map[int64]shared.Month{3: february()}})
	seed(t, inv, 3, 30, 50)

	tr, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(10), ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, "TRF-20240315-0001", tr.Number)

	tr, err = svc.Approve(ctx, tr.ID, 9)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, tr.Status)
	require.True(t, tr.UnitCost.Equal(decimal.NewFromInt(50)))
	require.True(t, onHand(t, inv, 3).Equal(decimal.NewFromInt(20)))
	require.True(t, onHand(t, inv, 4).IsZero())

	inTransit, err := svc.InTransit(ctx, 4)
	require.NoError(t, err)
	require.Len(t, inTransit, 1)

	seed(t, inv, 3, 10, 80)

	tr, err = svc.Receive(ctx, tr.ID, 10)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, tr.Status)
	dest, err := inv.Balance(ctx, 1, inventory.Department(4))
	require.NoError(t, err)
	require.True(t, dest.QuantityOnHand.Equal(decimal.NewFromInt(10)))
	require.True(t, dest.AverageUnitCost.Equal(decimal.NewFromInt(50)))

	inTransit, err = svc.InTransit(ctx, 4)
	require.NoError(t, err)
	require.Empty(t, inTransit)

	_, err = svc.Receive(ctx, tr.ID, 10)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestApproveRequiresPreviousMonthOpname(t *testing.T) {
	ctx := context.Background()
	svc, inv := newTestService(t, stubCompliance{approved: map[int64]shared.Month{3: {Year: 2024, Month: time.March}}})
	seed(t, inv, 3, 30, 50)

	tr, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(10), ActorID: 9})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, tr.ID, 9)
	require.ErrorIs(t, err, shared.ErrComplianceBlocked)
	require.True(t, onHand(t, inv, 3).Equal(decimal.NewFromInt(30)))

	stored, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
}

func TestApproveBlocksOnInsufficientStock(t *testing.T) {
	ctx := context.Background()
	svc, inv := newTestService(t, stubCompliance{approved: map[int64]shared.Month{3: february()}})
	seed(t, inv, 3, 5, 50)

	tr, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(10), ActorID: 9})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, tr.ID, 9)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	stored, err := svc.Get(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
}

func TestEditAndDeleteOnlyWhileDraft(t *testing.T) {
	ctx := context.Background()
	svc, inv := newTestService(t, stubCompliance{approved: map[int64]shared.Month{3: february()}})
	seed(t, inv, 3, 30, 50)

	_, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 3, ItemID: 1, Quantity: decimal.NewFromInt(1), ActorID: 9})
	require.ErrorIs(t, err, shared.ErrValidation)

	tr, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(1), ActorID: 9})
	require.NoError(t, err)
	tr, err = svc.Update(ctx, tr.ID, Input{FromDepartmentID: 3, ToDepartmentID: 5, ItemID: 1, Quantity: decimal.NewFromInt(2), ActorID: 9})
	require.NoError(t, err)
	require.Equal(t, int64(5), tr.ToDepartmentID)

	_, err = svc.Approve(ctx, tr.ID, 9)
	require.NoError(t, err)
	_, err = svc.Update(ctx, tr.ID, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(2), ActorID: 9})
	require.ErrorIs(t, err, shared.ErrInvalidState)
	require.ErrorIs(t, svc.Delete(ctx, tr.ID, 9), shared.ErrInvalidState)

	draft, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(1), ActorID: 9})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, draft.ID, 9))
	_, err = svc.Get(ctx, draft.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestComplianceGateCanBeDisabled(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	inv := inventory.NewService(store, nil, inventory.ServiceConfig{Now: func() time.Time { return testDay }})
	repo := &memoryRepo{store: store, transfers: make(map[int64]Transfer)}
	svc := NewService(repo, inv, nil, nil, nil, nil, ServiceConfig{})
	seed(t, inv, 3, 5, 50)

	tr, err := svc.Create(ctx, Input{FromDepartmentID: 3, ToDepartmentID: 4, ItemID: 1, Quantity: decimal.NewFromInt(5), ActorID: 9})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, tr.ID, 9)
	require.NoError(t, err)
}
