package requisition

import (
	"context"
	"maps"
	"slices"
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
	store    *inventorytest.Store
	mu       sync.Mutex
	requests map[int64]Request
	nextID   int64
	nextLine int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo(store *inventorytest.Store) *memoryRepo {
	return &memoryRepo{store: store, requests: make(map[int64]Request)}
}

func cloneRequest(req Request) Request {
	req.Lines = slices.Clone(req.Lines)
	return req
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return r.store.Atomic(func(stock inventory.TxRepository) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		saved := maps.Clone(r.requests)
		nextID, nextLine := r.nextID, r.nextLine
		if err := fn(ctx, &memoryTx{repo: r}, stock); err != nil {
			r.requests, r.nextID, r.nextLine = saved, nextID, nextLine
			return err
		}
		return nil
	})
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Request
	for _, req := range r.requests {
		if filter.DepartmentID != 0 && req.DepartmentID != filter.DepartmentID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	return out, nil
}

func (tx *memoryTx) Insert(_ context.Context, req Request) (Request, error) {
	tx.repo.nextID++
	req.ID = tx.repo.nextID
	req.Lines = tx.assignLines(req.ID, req.Lines)
	tx.repo.requests[req.ID] = cloneRequest(req)
	return req, nil
}

func (tx *memoryTx) assignLines(requestID int64, lines []Line) []Line {
	out := slices.Clone(lines)
	for i := range out {
		tx.repo.nextLine++
		out[i].ID = tx.repo.nextLine
		out[i].RequestID = requestID
	}
	return out
}

func (tx *memoryTx) GetForUpdate(_ context.Context, id int64) (Request, error) {
	req, ok := tx.repo.requests[id]
	if !ok {
		return Request{}, ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

func (tx *memoryTx) UpdateHeader(_ context.Context, req Request) error {
	current, ok := tx.repo.requests[req.ID]
	if !ok {
		return ErrRequestNotFound
	}
	req.Lines = current.Lines
	tx.repo.requests[req.ID] = req
	return nil
}

func (tx *memoryTx) ReplaceLines(_ context.Context, requestID int64, lines []Line) ([]Line, error) {
	req := tx.repo.requests[requestID]
	req.Lines = tx.assignLines(requestID, lines)
	tx.repo.requests[requestID] = req
	return slices.Clone(req.Lines), nil
}

func (tx *memoryTx) UpdateLines(_ context.Context, lines []Line) error {
	for _, l := range lines {
		req := tx.repo.requests[l.RequestID]
		req.Lines = slices.Clone(req.Lines)
		for i := range req.Lines {
			if req.Lines[i].ID == l.ID {
				req.Lines[i] = l
			}
		}
		tx.repo.requests[l.RequestID] = req
	}
	return nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *capturePublisher) Publish(_ context.Context, evt shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

var testDay = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store  *inventorytest.Store
	inv    *inventory.Service
	svc    *Service
	events *capturePublisher
}

func newFixture(t *testing.T, cfg ServiceConfig) fixture {
	t.Helper()
	store := inventorytest.NewStore()
	inv := inventory.NewService(store, nil, inventory.ServiceConfig{
		Retry: db.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond},
		Now:   func() time.Time { return testDay },
	})
	events := &capturePublisher{}
	svc := NewService(newMemoryRepo(store), inv, nil, nil, events, cfg)
	return fixture{store: store, inv: inv, svc: svc, events: events}
}

func (f fixture) seedCentral(t *testing.T, itemID int64, qty, cost string) {
	t.Helper()
	_, err := f.inv.Increase(context.Background(), inventory.IncreaseInput{
		ItemID:   itemID,
		Location: inventory.Central(),
		Qty:      decimal.RequireFromString(qty),
		UnitCost: decimal.RequireFromString(cost),
	})
	require.NoError(t, err)
}

func (f fixture) onHand(t *testing.T, itemID int64, loc inventory.Location) decimal.Decimal {
	t.Helper()
	bal, err := f.inv.Balance(context.Background(), itemID, loc)
	require.NoError(t, err)
	return bal.QuantityOnHand
}

func qty(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestRequestCompletesAtCentralAverageCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	f.seedCentral(t, 1, "100", "50")

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(30)}}})
	require.NoError(t, err)
	require.Equal(t, "SR-20240315-0001", req.Number)
	require.Equal(t, StatusDraft, req.Status)

	req, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, req.Status)

	req, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, req.Status)
	require.True(t, req.Lines[0].QuantityApproved.Equal(qty(30)))
	require.True(t, f.onHand(t, 1, inventory.Central()).Equal(qty(100)))

	req, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, req.Status)
	require.True(t, req.Lines[0].QuantityIssued.Equal(qty(30)))
	require.True(t, req.Lines[0].UnitCost.Equal(qty(50)))

	require.True(t, f.onHand(t, 1, inventory.Central()).Equal(qty(70)))
	dept, err := f.inv.Balance(ctx, 1, inventory.Department(7))
	require.NoError(t, err)
	require.True(t, dept.QuantityOnHand.Equal(qty(30)))
	require.True(t, dept.AverageUnitCost.Equal(qty(50)))

	require.Len(t, f.events.events, 1)
	require.Equal(t, "stock_request.completed", f.events.events[0].Name)
}

func TestSubmitRequiresLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestApproveRejectsQuantityAboveRequested(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(30)}}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)

	lineID := req.Lines[0].ID
	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12, Approvals: map[int64]decimal.Decimal{lineID: qty(31)}})
	require.ErrorIs(t, err, shared.ErrValidation)

	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, stored.Status)

	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12, Approvals: map[int64]decimal.Decimal{999: qty(1)}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReducedApprovalIssuesApprovedQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	f.seedCentral(t, 1, "100", "50")

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(30)}}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12, Approvals: map[int64]decimal.Decimal{req.Lines[0].ID: qty(20)}})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ActorID: 12, Issued: map[int64]decimal.Decimal{req.Lines[0].ID: qty(25)}})
	require.ErrorIs(t, err, shared.ErrValidation)

	done, err := f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)
	require.True(t, done.Lines[0].QuantityIssued.Equal(qty(20)))
	require.True(t, f.onHand(t, 1, inventory.Central()).Equal(qty(80)))
}

func TestCompleteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})
	f.seedCentral(t, 1, "100", "50")
	f.seedCentral(t, 2, "5", "10")
	journalBefore := len(f.store.Movements())

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{
		{ItemID: 1, Quantity: qty(30)},
		{ItemID: 2, Quantity: qty(6)},
	}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ActorID: 12})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	require.True(t, f.onHand(t, 1, inventory.Central()).Equal(qty(100)))
	require.True(t, f.onHand(t, 1, inventory.Department(7)).IsZero())
	require.Len(t, f.store.Movements(), journalBefore)
	stored, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.True(t, stored.Lines[0].QuantityIssued.IsZero())
	require.Empty(t, f.events.events)
}

func TestInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(1)}}})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12})
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.Reject(ctx, req.ID, 12, "no")
	require.ErrorIs(t, err, shared.ErrInvalidState)
	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ActorID: 12})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)
	_, err = f.svc.UpdateLines(ctx, req.ID, 11, []LineInput{{ItemID: 1, Quantity: qty(2)}})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	rejected, err := f.svc.Reject(ctx, req.ID, 12, "not needed")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	_, err = f.svc.Cancel(ctx, req.ID, 11, "")
	require.ErrorIs(t, err, shared.ErrInvalidState)

	_, err = f.svc.Submit(ctx, 404, 11)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestUpdateLinesInDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{})

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(1)}}})
	require.NoError(t, err)

	updated, err := f.svc.UpdateLines(ctx, req.ID, 11, []LineInput{{ItemID: 2, Quantity: qty(4)}, {ItemID: 3, Quantity: qty(5)}})
	require.NoError(t, err)
	require.Len(t, updated.Lines, 2)
	require.Equal(t, int64(2), updated.Lines[0].ItemID)

	_, err = f.svc.UpdateLines(ctx, req.ID, 11, []LineInput{{ItemID: 2, Quantity: qty(4)}, {ItemID: 2, Quantity: qty(1)}})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.UpdateLines(ctx, req.ID, 11, []LineInput{{ItemID: 2, Quantity: qty(0)}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestReserveOnApproveHoldsCentralStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{ReserveOnApprove: true})
	f.seedCentral(t, 1, "40", "5")

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(30)}}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)
	approved, err := f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)
	require.True(t, approved.Reserved)

	bal, err := f.inv.Balance(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, bal.Available().Equal(qty(10)))

	cancelled, err := f.svc.Cancel(ctx, req.ID, 11, "department closed")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.False(t, cancelled.Reserved)

	bal, err = f.inv.Balance(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, bal.ReservedQuantity.IsZero())
	require.True(t, bal.QuantityOnHand.Equal(qty(40)))

	total, err := f.inv.ReconstructBalance(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, total.Equal(qty(40)))
}

func TestReservedRequestCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ServiceConfig{ReserveOnApprove: true})
	f.seedCentral(t, 1, "40", "5")

	req, err := f.svc.Create(ctx, CreateInput{DepartmentID: 7, ActorID: 11, Lines: []LineInput{{ItemID: 1, Quantity: qty(30)}}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, req.ID, 11)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, ApproveInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, CompleteInput{RequestID: req.ID, ActorID: 12})
	require.NoError(t, err)
	bal, err := f.inv.Balance(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, bal.QuantityOnHand.Equal(qty(10)))
	require.True(t, bal.ReservedQuantity.IsZero())
}
