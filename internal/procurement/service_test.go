package procurement

import (
	"context"
	"fmt"
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

type memoryProcRepo struct {
	store     *inventorytest.Store
	mu        sync.Mutex
	purchases map[int64]Purchase
	receipts  []Receipt
	payments  []Payment
	lastCost  map[int64]decimal.Decimal
	nextID    int64
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo(store *inventorytest.Store) *memoryProcRepo {
	return &memoryProcRepo{
		store:     store,
		purchases: make(map[int64]Purchase),
		lastCost:  make(map[int64]decimal.Decimal),
	}
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository, inventory.TxRepository) error) error {
	return r.store.Atomic(func(stock inventory.TxRepository) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		purchases, costs, nextID := maps.Clone(r.purchases), maps.Clone(r.lastCost), r.nextID
		receipts, payments := slices.Clone(r.receipts), slices.Clone(r.payments)
		if err := fn(ctx, &memoryProcTx{repo: r}, stock); err != nil {
			r.purchases, r.lastCost, r.nextID = purchases, costs, nextID
			r.receipts, r.payments = receipts, payments
			return err
		}
		return nil
	})
}

func (r *memoryProcRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func clonePurchase(p Purchase) Purchase {
	p.Items = slices.Clone(p.Items)
	return p
}

func (r *memoryProcRepo) Get(_ context.Context, id int64) (Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.purchases[id]
	if !ok {
		return Purchase{}, ErrPurchaseNotFound
	}
	return clonePurchase(p), nil
}

func (r *memoryProcRepo) List(_ context.Context, filter ListFilter) ([]Purchase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Purchase
	for _, p := range r.purchases {
		if filter.SupplierID != 0 && p.SupplierID != filter.SupplierID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, clonePurchase(p))
	}
	return out, nil
}

func (r *memoryProcRepo) ListReceipts(_ context.Context, purchaseID int64) ([]Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Receipt
	for _, rc := range r.receipts {
		if rc.PurchaseID == purchaseID {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (r *memoryProcRepo) ListPayments(_ context.Context, purchaseID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments {
		if p.PurchaseID == purchaseID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (tx *memoryProcTx) Insert(_ context.Context, p Purchase) (Purchase, error) {
	p.ID = tx.repo.id()
	p.Items = slices.Clone(p.Items)
	for i := range p.Items {
		p.Items[i].ID = tx.repo.id()
		p.Items[i].PurchaseID = p.ID
	}
	tx.repo.purchases[p.ID] = p
	return clonePurchase(p), nil
}

func (tx *memoryProcTx) GetForUpdate(_ context.Context, id int64) (Purchase, error) {
	p, ok := tx.repo.purchases[id]
	if !ok {
		return Purchase{}, ErrPurchaseNotFound
	}
	return clonePurchase(p), nil
}

func (tx *memoryProcTx) UpdateHeader(_ context.Context, p Purchase) error {
	current, ok := tx.repo.purchases[p.ID]
	if !ok {
		return ErrPurchaseNotFound
	}
	p.Items = current.Items
	tx.repo.purchases[p.ID] = p
	return nil
}

func (tx *memoryProcTx) ReplaceItems(_ context.Context, purchaseID int64, items []Item) ([]Item, error) {
	p := tx.repo.purchases[purchaseID]
	p.Items = slices.Clone(items)
	for i := range p.Items {
		p.Items[i].ID = tx.repo.id()
		p.Items[i].PurchaseID = purchaseID
	}
	tx.repo.purchases[purchaseID] = p
	return slices.Clone(p.Items), nil
}

func (tx *memoryProcTx) UpdateItem(_ context.Context, it Item) error {
	p := tx.repo.purchases[it.PurchaseID]
	p.Items = slices.Clone(p.Items)
	for i := range p.Items {
		if p.Items[i].ID == it.ID {
			p.Items[i] = it
			tx.repo.purchases[p.ID] = p
			return nil
		}
	}
	return ErrPurchaseItemNotFound
}

func (tx *memoryProcTx) InsertReceipt(_ context.Context, rc Receipt) (Receipt, error) {
	rc.ID = tx.repo.id()
	tx.repo.receipts = append(tx.repo.receipts, rc)
	return rc, nil
}

func (tx *memoryProcTx) InsertPayment(_ context.Context, p Payment) (Payment, error) {
	p.ID = tx.repo.id()
	tx.repo.payments = append(tx.repo.payments, p)
	return p, nil
}

func (tx *memoryProcTx) SetLastPurchaseCost(_ context.Context, itemID int64, cost decimal.Decimal) error {
	tx.repo.lastCost[itemID] = cost
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type stubJournal struct {
	calls int
	err   error
	last  PostedEvent
}

func (j *stubJournal) HandlePurchasePosted(_ context.Context, evt PostedEvent) (string, error) {
	j.calls++
	j.last = evt
	if j.err != nil {
		return "", j.err
	}
	return "JE-PO-1", nil
}

var testDay = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	inv     *inventory.Service
	repo    *memoryProcRepo
	idem    *memoryIdempotency
	journal *stubJournal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := inventorytest.NewStore()
	inv := inventory.NewService(store, nil, inventory.ServiceConfig{
		Retry: db.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond},
		Now:   func() time.Time { return testDay },
	})
	repo := newMemoryProcRepo(store)
	idem := &memoryIdempotency{keys: make(map[string]string)}
	journal := &stubJournal{}
	svc := NewService(Deps{Repo: repo, Inventory: inv, Integration: journal, Idempotency: idem})
	_, err := inv.Increase(context.Background(), inventory.IncreaseInput{
		ItemID:   1,
		Location: inventory.Central(),
		Qty:      decimal.NewFromInt(100),
		UnitCost: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	return fixture{svc: svc, inv: inv, repo: repo, idem: idem, journal: journal}
}

// ordered walks a purchase of the given lines to ordered.
func (f fixture) ordered(t *testing.T, items ...ItemInput) Purchase {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Create(ctx, CreateInput{SupplierID: 3, ActorID: 7, Items: items})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, p.ID, 7)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, p.ID, 9)
	require.NoError(t, err)
	p, err = f.svc.MarkOrdered(ctx, p.ID, 7)
	require.NoError(t, err)
	return p
}

func line(itemID, qty, price int64) ItemInput {
	return ItemInput{ItemID: itemID, Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromInt(price)}
}

func (f fixture) receive(p Purchase, idx int, qty int64) (Receipt, error) {
	return f.svc.ReceiveItem(context.Background(), ReceiveInput{
		PurchaseID:     p.ID,
		PurchaseItemID: p.Items[idx].ID,
		Quantity:       decimal.NewFromInt(qty),
		BatchNumber:    "B-01",
		ActorID:        8,
	})
}

func (f fixture) central(t *testing.T, itemID int64) inventory.Balance {
	t.Helper()
	bal, err := f.inv.Balance(context.Background(), itemID, inventory.Central())
	require.NoError(t, err)
	return bal
}

func TestReceiptUpdatesWeightedAverage(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 20, 60))
	require.Equal(t, "PO-20240315-0001", p.Number)

	rc, err := f.receive(p, 0, 20)
	require.NoError(t, err)
	require.Equal(t, "MOV-20240315-0002", rc.MovementNumber)

	bal := f.central(t, 1)
	require.True(t, bal.QuantityOnHand.Equal(decimal.NewFromInt(120)))
	require.Equal(t, "51.67", bal.AverageUnitCost.Round(2).String())
	require.True(t, f.repo.lastCost[1].Equal(decimal.NewFromInt(60)))

	got, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
}

func TestPartialReceiptsThenCompleted(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60), line(2, 5, 20))
	ctx := context.Background()

	_, err := f.receive(p, 0, 4)
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, got.Status)
	require.True(t, got.Items[0].QuantityReceived.Equal(decimal.NewFromInt(4)))

	_, err = f.receive(p, 0, 6)
	require.NoError(t, err)
	_, err = f.receive(p, 1, 5)
	require.NoError(t, err)
	got, err = f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	receipts, err := f.svc.Receipts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 3)

	_, err = f.receive(p, 1, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestOverReceiptRejected(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60))

	_, err := f.receive(p, 0, 8)
	require.NoError(t, err)
	_, err = f.receive(p, 0, 3)
	require.ErrorIs(t, err, shared.ErrOverReceipt)
	require.True(t, f.central(t, 1).QuantityOnHand.Equal(decimal.NewFromInt(108)))
}

func TestReceiveRequiresOrdered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Create(ctx, CreateInput{SupplierID: 3, ActorID: 7, Items: []ItemInput{line(1, 10, 60)}})
	require.NoError(t, err)
	_, err = f.receive(p, 0, 1)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReceiveUnknownLine(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60))
	_, err := f.svc.ReceiveItem(context.Background(), ReceiveInput{
		PurchaseID:     p.ID,
		PurchaseItemID: 999,
		Quantity:       decimal.NewFromInt(1),
		ActorID:        8,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestIdempotentReceipt(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60))
	in := ReceiveInput{
		PurchaseID:     p.ID,
		PurchaseItemID: p.Items[0].ID,
		Quantity:       decimal.NewFromInt(2),
		ActorID:        8,
		IdempotencyKey: "delivery-42",
	}

	_, err := f.svc.ReceiveItem(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.ReceiveItem(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.True(t, f.central(t, 1).QuantityOnHand.Equal(decimal.NewFromInt(102)))
}

func TestFailedReceiptReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60))
	in := ReceiveInput{
		PurchaseID:     p.ID,
		PurchaseItemID: p.Items[0].ID,
		Quantity:       decimal.NewFromInt(11),
		ActorID:        8,
		IdempotencyKey: "delivery-43",
	}
	_, err := f.svc.ReceiveItem(context.Background(), in)
	require.ErrorIs(t, err, shared.ErrOverReceipt)
	require.NotContains(t, f.idem.keys, "delivery-43")

	in.Quantity = decimal.NewFromInt(10)
	_, err = f.svc.ReceiveItem(context.Background(), in)
	require.NoError(t, err)
}

func TestLifecycleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Create(ctx, CreateInput{SupplierID: 3, ActorID: 7, Items: []ItemInput{line(1, 10, 60)}})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, p.ID, 9)
	require.ErrorIs(t, err, shared.ErrInvalidState)

	p, err = f.svc.UpdateItems(ctx, p.ID, 7, []ItemInput{line(1, 12, 55)})
	require.NoError(t, err)
	require.Equal(t, "660", p.Total().String())

	_, err = f.svc.Submit(ctx, p.ID, 7)
	require.NoError(t, err)
	_, err = f.svc.UpdateItems(ctx, p.ID, 7, []ItemInput{line(1, 1, 1)})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	p, err = f.svc.Cancel(ctx, p.ID, 7, "supplier out of stock")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, p.Status)
	_, err = f.svc.Approve(ctx, p.ID, 9)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]CreateInput{
		"supplier":  {ActorID: 7, Items: []ItemInput{line(1, 1, 1)}},
		"duplicate": {SupplierID: 3, ActorID: 7, Items: []ItemInput{line(1, 1, 1), line(1, 2, 1)}},
		"quantity":  {SupplierID: 3, ActorID: 7, Items: []ItemInput{line(1, 0, 1)}},
		"price":     {SupplierID: 3, ActorID: 7, Items: []ItemInput{line(1, 1, -1)}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), in)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestPostToJournalOnce(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60), line(2, 5, 20))
	_, err := f.receive(p, 0, 10)
	require.NoError(t, err)
	ctx := context.Background()

	posted, err := f.svc.PostToJournal(ctx, p.ID, 9)
	require.NoError(t, err)
	require.True(t, posted.JournalPosted)
	require.Equal(t, "JE-PO-1", posted.JournalRef)
	require.Len(t, f.journal.last.Lines, 1)

	_, err = f.svc.PostToJournal(ctx, p.ID, 9)
	require.ErrorIs(t, err, shared.ErrAlreadyPosted)
	require.Equal(t, 1, f.journal.calls)
}

func TestPostToJournalUnbalancedKeepsFlag(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60))
	_, err := f.receive(p, 0, 10)
	require.NoError(t, err)
	f.journal.err = fmt.Errorf("%w: debit 600 credit 0", shared.ErrUnbalancedJournal)

	_, err = f.svc.PostToJournal(context.Background(), p.ID, 9)
	require.ErrorIs(t, err, shared.ErrUnbalancedJournal)
	got, err := f.svc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	require.False(t, got.JournalPosted)
}

func TestPaymentsTrackStatus(t *testing.T) {
	f := newFixture(t)
	p := f.ordered(t, line(1, 10, 60))
	ctx := context.Background()

	_, err := f.svc.RecordPayment(ctx, PaymentInput{PurchaseID: p.ID, Amount: decimal.NewFromInt(200), Method: "transfer", ActorID: 7})
	require.NoError(t, err)
	got, err := f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentPartial, got.PaymentStatus)

	_, err = f.svc.RecordPayment(ctx, PaymentInput{PurchaseID: p.ID, Amount: decimal.NewFromInt(500), Method: "transfer", ActorID: 7})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.RecordPayment(ctx, PaymentInput{PurchaseID: p.ID, Amount: decimal.NewFromInt(400), Method: "cash", ActorID: 7})
	require.NoError(t, err)
	got, err = f.svc.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, PaymentPaid, got.PaymentStatus)
	require.True(t, got.PaidAmount.Equal(decimal.NewFromInt(600)))

	payments, err := f.svc.Payments(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.True(t, f.central(t, 1).QuantityOnHand.Equal(decimal.NewFromInt(100)))
}

func TestPaymentRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.Create(ctx, CreateInput{SupplierID: 3, ActorID: 7, Items: []ItemInput{line(1, 10, 60)}})
	require.NoError(t, err)
	_, err = f.svc.RecordPayment(ctx, PaymentInput{PurchaseID: p.ID, Amount: decimal.NewFromInt(1), Method: "cash", ActorID: 7})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}
