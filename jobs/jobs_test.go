package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medcore/stockcore/internal/inventory"
	jobmetrics "github.com/medcore/stockcore/internal/jobs"
	"github.com/medcore/stockcore/internal/shared"
)

func TestClientPublishEnqueuesEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := asynq.RedisClientOpt{Addr: mr.Addr()}
	client := NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	evt := shared.Event{Name: "transfer.received", Entity: "stock_transfer", EntityID: 4, Number: "TRF-20240315-0001"}
	require.NoError(t, client.Publish(context.Background(), evt))

	inspector := asynq.NewInspector(opts)
	t.Cleanup(func() { _ = inspector.Close() })
	tasks, err := inspector.ListPendingTasks(QueueEvents)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, TaskStockEvent, tasks[0].Type)

	var decoded shared.Event
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &decoded))
	require.Equal(t, evt.Number, decoded.Number)
}

type recordingNotifier struct {
	events []shared.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, evt shared.Event) error {
	n.events = append(n.events, evt)
	return n.err
}

func TestEventJobDeliversEvent(t *testing.T) {
	notifier := &recordingNotifier{}
	job := NewEventJob(notifier, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	task, err := NewEventTask(shared.Event{Name: "adjustment.approved", EntityID: 1})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, notifier.events, 1)

	notifier.err = errors.New("smtp down")
	require.Error(t, job.Handle(context.Background(), task))
}

func TestEventJobSkipsMalformedPayload(t *testing.T) {
	job := NewEventJob(&recordingNotifier{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskStockEvent, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskStockEvent, []byte(`{}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fakeReconciler struct {
	mu       sync.Mutex
	drifts   []inventory.Drift
	repaired []inventory.BalanceKey
}

func (f *fakeReconciler) Reconcile(context.Context, inventory.ReconcileOptions) ([]inventory.Drift, error) {
	return append([]inventory.Drift(nil), f.drifts...), nil
}

func (f *fakeReconciler) RepairBalance(_ context.Context, key inventory.BalanceKey, _ int64) (inventory.Drift, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repaired = append(f.repaired, key)
	for _, d := range f.drifts {
		if d.Key == key {
			d.Repaired = true
			return d, nil
		}
	}
	return inventory.Drift{Key: key}, nil
}

func newLocker(t *testing.T) (*miniredis.Miniredis, *redislock.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, redislock.New(rdb)
}

func driftAt(item int64, loc inventory.Location) inventory.Drift {
	return inventory.Drift{
		Key:          inventory.BalanceKey{ItemID: item, Location: loc},
		LiveQuantity: decimal.NewFromInt(12),
		JournalTotal: decimal.NewFromInt(10),
	}
}

func TestReconcileJobRepairsDrift(t *testing.T) {
	_, locker := newLocker(t)
	inv := &fakeReconciler{drifts: []inventory.Drift{driftAt(1, inventory.Central()), driftAt(2, inventory.Department(3))}}
	job := NewReconcileJob(inv, locker, time.Minute, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	drifts, err := job.Run(context.Background(), ReconcilePayload{Repair: true, ActorID: 1})
	require.NoError(t, err)
	require.Len(t, drifts, 2)
	require.True(t, drifts[0].Repaired)
	require.Len(t, inv.repaired, 2)
}

func TestReconcileJobReportOnly(t *testing.T) {
	inv := &fakeReconciler{drifts: []inventory.Drift{driftAt(1, inventory.Central())}}
	job := NewReconcileJob(inv, nil, 0, nil, nil)

	drifts, err := job.Run(context.Background(), ReconcilePayload{})
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.False(t, drifts[0].Repaired)
	require.Empty(t, inv.repaired)
}

func TestReconcileJobSkipsWhenLocked(t *testing.T) {
	_, locker := newLocker(t)
	held, err := locker.Obtain(context.Background(), reconcileRunLock, time.Minute, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release(context.Background()) })

	inv := &fakeReconciler{drifts: []inventory.Drift{driftAt(1, inventory.Central())}}
	job := NewReconcileJob(inv, locker, time.Minute, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))

	_, err = job.Run(context.Background(), ReconcilePayload{Repair: true})
	require.ErrorIs(t, err, ErrReconcileRunning)

	task, err := NewReconcileTask(ReconcilePayload{Repair: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Empty(t, inv.repaired)
}
