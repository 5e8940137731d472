package inventory_test

import (
	"context"
	"errors"
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

var testDay = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func newService(store *inventorytest.Store) *inventory.Service {
	return inventory.NewService(store, nil, inventory.ServiceConfig{
		Retry: db.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Now:   func() time.Time { return testDay },
	})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestAverageMovingCost(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())

	first, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("10"), UnitCost: dec("100"), ActorID: 7})
	require.NoError(t, err)
	require.True(t, first.Balance.AverageUnitCost.Equal(dec("100")))

	second, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("10"), UnitCost: dec("200"), ActorID: 7})
	require.NoError(t, err)
	require.True(t, second.Balance.AverageUnitCost.Equal(dec("150")))
	require.True(t, second.Balance.QuantityOnHand.Equal(dec("20")))
	require.True(t, second.Balance.TotalValue.Equal(dec("3000")))
	require.True(t, second.Balance.LastUnitCost.Equal(dec("200")))
}

func TestPurchaseReceiptAverage(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("100"), UnitCost: dec("50")})
	require.NoError(t, err)
	post, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("20"), UnitCost: dec("60")})
	require.NoError(t, err)
	require.True(t, post.Balance.QuantityOnHand.Equal(dec("120")))
	require.Equal(t, "51.67", post.Balance.AverageUnitCost.Round(2).StringFixed(2))
}

func TestNegativeStockGuard(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	svc := newService(store)

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Department(3), Qty: dec("5"), UnitCost: dec("10")})
	require.NoError(t, err)

	_, err = svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 1, Location: inventory.Department(3), Qty: dec("6")})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	bal, err := svc.Balance(ctx, 1, inventory.Department(3))
	require.NoError(t, err)
	require.True(t, bal.QuantityOnHand.Equal(dec("5")))
	require.Len(t, store.Movements(), 1)

	post, err := svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 1, Location: inventory.Department(3), Qty: dec("5")})
	require.NoError(t, err)
	require.True(t, post.Balance.QuantityOnHand.IsZero())
	require.True(t, post.Movement.UnitCost.Equal(dec("10")))
	require.True(t, post.Balance.AverageUnitCost.Equal(dec("10")))
}

func TestDecreaseRespectsReservations(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())
	loc := inventory.Central()

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 2, Location: loc, Qty: dec("10"), UnitCost: dec("1")})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, inventory.ReservationInput{ItemID: 2, Location: loc, Qty: dec("8")})
	require.NoError(t, err)

	_, err = svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 2, Location: loc, Qty: dec("3")})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	_, err = svc.Reserve(ctx, inventory.ReservationInput{ItemID: 2, Location: loc, Qty: dec("3")})
	require.ErrorIs(t, err, shared.ErrInvalidReservation)

	_, err = svc.Release(ctx, inventory.ReservationInput{ItemID: 2, Location: loc, Qty: dec("9")})
	require.ErrorIs(t, err, shared.ErrInvalidReservation)

	post, err := svc.Release(ctx, inventory.ReservationInput{ItemID: 2, Location: loc, Qty: dec("8")})
	require.NoError(t, err)
	require.True(t, post.Balance.Available().Equal(dec("10")))
	require.True(t, post.Balance.QuantityOnHand.Equal(dec("10")))
}

func TestRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("0"), UnitCost: dec("1")})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("1"), UnitCost: dec("-1")})
	require.ErrorIs(t, err, inventory.ErrInvalidUnitCost)

	_, err = svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("1"), Type: inventory.MovementStockOut})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 1, Location: inventory.Department(0), Qty: dec("1")})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestConcurrentDecreasesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())
	loc := inventory.Central()

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: loc, Qty: dec("10"), UnitCost: dec("5")})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		blocked   int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 1, Location: loc, Qty: dec("3")})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, shared.ErrInsufficientStock):
				blocked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 3, succeeded)
	require.Equal(t, 5, blocked)
	bal, err := svc.Balance(ctx, 1, loc)
	require.NoError(t, err)
	require.True(t, bal.QuantityOnHand.Equal(dec("1")))
}

func TestReconstructMatchesLiveBalance(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())
	loc := inventory.Department(4)

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 9, Location: loc, Qty: dec("12"), UnitCost: dec("3")})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 9, Location: loc, Qty: dec("4"), Type: inventory.MovementDisposal})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, inventory.ReservationInput{ItemID: 9, Location: loc, Qty: dec("2")})
	require.NoError(t, err)
	_, err = svc.Increase(ctx, inventory.IncreaseInput{ItemID: 9, Location: loc, Qty: dec("1"), UnitCost: dec("3"), Type: inventory.MovementReturn})
	require.NoError(t, err)

	total, err := svc.ReconstructBalance(ctx, 9, loc)
	require.NoError(t, err)
	bal, err := svc.Balance(ctx, 9, loc)
	require.NoError(t, err)
	require.True(t, total.Equal(bal.QuantityOnHand))
	require.True(t, total.Equal(dec("9")))

	drifts, err := svc.Reconcile(ctx, inventory.ReconcileOptions{})
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestReconcileRepairsDrift(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	svc := newService(store)
	loc := inventory.Central()

	post, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 5, Location: loc, Qty: dec("10"), UnitCost: dec("2")})
	require.NoError(t, err)
	tampered := post.Balance
	tampered.QuantityOnHand = dec("13")
	store.SetBalance(tampered)

	drifts, err := svc.Reconcile(ctx, inventory.ReconcileOptions{})
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.False(t, drifts[0].Repaired)
	require.True(t, drifts[0].LiveQuantity.Equal(dec("13")))
	require.True(t, drifts[0].JournalTotal.Equal(dec("10")))

	drifts, err = svc.Reconcile(ctx, inventory.ReconcileOptions{Repair: true})
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.True(t, drifts[0].Repaired)

	bal, err := svc.Balance(ctx, 5, loc)
	require.NoError(t, err)
	require.True(t, bal.QuantityOnHand.Equal(dec("10")))
	require.True(t, bal.TotalValue.Equal(dec("20")))
}

func TestMovementNumbering(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	svc := newService(store)

	for range 2 {
		_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("1"), UnitCost: dec("1")})
		require.NoError(t, err)
	}
	movements := store.Movements()
	require.Len(t, movements, 2)
	require.Equal(t, "MOV-20240315-0001", movements[0].Number)
	require.Equal(t, "MOV-20240315-0002", movements[1].Number)
	require.Equal(t, "SR-20240101-0042", inventory.FormatNumber(inventory.PrefixRequest, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 42))
}

func TestSequenceCollisionsRetriedInternally(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	svc := newService(store)

	store.InjectCollisions(2)
	post, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("4"), UnitCost: dec("1")})
	require.NoError(t, err)
	require.Equal(t, "MOV-20240315-0001", post.Movement.Number)

	store.InjectCollisions(5)
	_, err = svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("4"), UnitCost: dec("1")})
	require.ErrorIs(t, err, inventory.ErrSequenceExhausted)
	require.NotErrorIs(t, err, shared.ErrDuplicateSequence)

	bal, err := svc.Balance(ctx, 1, inventory.Central())
	require.NoError(t, err)
	require.True(t, bal.QuantityOnHand.Equal(dec("4")))
}

func TestJournalFailureRollsBackBalance(t *testing.T) {
	ctx := context.Background()
	store := inventorytest.NewStore()
	svc := newService(store)

	store.FailInserts(errors.New("disk full"))
	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: inventory.Central(), Qty: dec("4"), UnitCost: dec("1")})
	require.Error(t, err)

	_, err = store.GetBalance(ctx, 1, inventory.Central())
	require.ErrorIs(t, err, inventory.ErrBalanceNotFound)
}

func TestStockCardRunningBalance(t *testing.T) {
	ctx := context.Background()
	svc := newService(inventorytest.NewStore())
	loc := inventory.Central()

	_, err := svc.Increase(ctx, inventory.IncreaseInput{ItemID: 1, Location: loc, Qty: dec("10"), UnitCost: dec("2"), Date: testDay.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = svc.Decrease(ctx, inventory.DecreaseInput{ItemID: 1, Location: loc, Qty: dec("4"), Date: testDay})
	require.NoError(t, err)

	cards, err := svc.StockCard(ctx, inventory.MovementFilter{ItemID: 1, Location: loc})
	require.NoError(t, err)
	require.Len(t, cards, 2)
	require.True(t, cards[0].QtyIn.Equal(dec("10")))
	require.True(t, cards[1].QtyOut.Equal(dec("4")))
	require.True(t, cards[1].BalanceQty.Equal(dec("6")))

	cards, err = svc.StockCard(ctx, inventory.MovementFilter{ItemID: 1, Location: loc, From: testDay})
	require.NoError(t, err)
	require.Len(t, cards, 1)
	require.True(t, cards[0].BalanceQty.Equal(dec("6")))
}

func TestMovementSignTable(t *testing.T) {
	want := map[inventory.MovementType]int{
		inventory.MovementStockIn:         1,
		inventory.MovementTransferIn:      1,
		inventory.MovementAdjustmentPlus:  1,
		inventory.MovementReturn:          1,
		inventory.MovementStockOut:        -1,
		inventory.MovementTransferOut:     -1,
		inventory.MovementAdjustmentMinus: -1,
		inventory.MovementDisposal:        -1,
		inventory.MovementReserve:         0,
		inventory.MovementRelease:         0,
	}
	require.Len(t, inventory.MovementTypes, len(want))
	for _, typ := range inventory.MovementTypes {
		require.Equal(t, want[typ], typ.Sign(), typ)
		require.True(t, typ.Valid())
	}
	require.False(t, inventory.MovementType("teleport").Valid())
}

func TestParseLocation(t *testing.T) {
	loc, err := inventory.ParseLocation("central")
	require.NoError(t, err)
	require.True(t, loc.IsCentral())

	loc, err = inventory.ParseLocation("department:12")
	require.NoError(t, err)
	require.Equal(t, inventory.Department(12), loc)
	require.Equal(t, "department:12", loc.String())

	_, err = inventory.ParseLocation("warehouse:1")
	require.ErrorIs(t, err, shared.ErrValidation)
}
