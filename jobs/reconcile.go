package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/medcore/stockcore/internal/inventory"
	jobmetrics "github.com/medcore/stockcore/internal/jobs"
	"github.com/medcore/stockcore/internal/shared"
)

// Reconciler is the slice of the inventory service the job needs.
type Reconciler interface {
	Reconcile(ctx context.Context, opts inventory.ReconcileOptions) ([]inventory.Drift, error)
	RepairBalance(ctx context.Context, key inventory.BalanceKey, actorID int64) (inventory.Drift, error)
}

// ErrReconcileRunning reports that another worker holds the reconcile lock.
var ErrReconcileRunning = errors.New("reconcile: another run holds the lock")

const reconcileRunLock = "stock:reconcile:run:lock"

// ReconcileJob compares balances with the journal and optionally repairs them.
// A run-wide redis lock keeps scheduled runs from overlapping; repairs
// additionally lock each balance key.
type ReconcileJob struct {
	Inventory Reconciler
	Locker    *redislock.Client
	LockTTL   time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewReconcileJob initialises the reconciliation handler.
func NewReconcileJob(inv Reconciler, locker *redislock.Client, ttl time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ReconcileJob{Inventory: inv, Locker: locker, LockTTL: ttl, Logger: logger, Metrics: metrics}
}

// Handle executes one reconciliation task.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("reconcile: %v: %w", err, asynq.SkipRetry)
	}
	_, err := j.Run(ctx, payload)
	if errors.Is(err, ErrReconcileRunning) {
		j.logger().Info("reconcile skipped, run in progress")
		return nil
	}
	return err
}

// Run scans every balance and returns the drifts found (repaired when asked).
func (j *ReconcileJob) Run(ctx context.Context, payload ReconcilePayload) (drifts []inventory.Drift, err error) {
	if j == nil || j.Inventory == nil {
		return nil, errors.New("reconcile: handler not configured")
	}
	tracker := j.metrics().Track(TaskStockReconcile)
	defer func() { err = tracker.End(err) }()

	release, err := j.obtain(ctx, reconcileRunLock)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	logger := j.logger().With(slog.Bool("repair", payload.Repair))
	logger.Info("starting reconcile")

	drifts, err = j.Inventory.Reconcile(ctx, inventory.ReconcileOptions{})
	if err != nil {
		logger.Error("reconcile scan failed", slog.Any("error", err))
		return nil, err
	}
	if payload.Repair {
		for i, d := range drifts {
			repaired, err := j.repair(ctx, d.Key, payload.ActorID)
			if err != nil {
				logger.Error("repair failed",
					slog.Int64("item_id", d.Key.ItemID),
					slog.String("location", d.Key.Location.String()),
					slog.Any("error", err))
				return drifts, err
			}
			drifts[i] = repaired
		}
	}
	for _, d := range drifts {
		logger.Warn("balance drift",
			slog.Int64("item_id", d.Key.ItemID),
			slog.String("location", d.Key.Location.String()),
			slog.String("live", d.LiveQuantity.String()),
			slog.String("journal", d.JournalTotal.String()),
			slog.Bool("repaired", d.Repaired),
		)
		j.metrics().AddDrift(string(d.Key.Location.Kind), d.Repaired, 1)
	}
	logger.Info("completed reconcile",
		slog.Int("drifts", len(drifts)),
		slog.Duration("duration", time.Since(start)),
	)
	return drifts, nil
}

func (j *ReconcileJob) repair(ctx context.Context, key inventory.BalanceKey, actorID int64) (inventory.Drift, error) {
	release, err := j.obtain(ctx, shared.ReconcileLockKey(key.ItemID, key.Location.String()))
	if err != nil {
		return inventory.Drift{}, err
	}
	defer release()
	return j.Inventory.RepairBalance(ctx, key, actorID)
}

func (j *ReconcileJob) obtain(ctx context.Context, key string) (func(), error) {
	if j.Locker == nil {
		return func() {}, nil
	}
	lock, err := j.Locker.Obtain(ctx, key, j.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrReconcileRunning
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: obtain lock %s: %w", key, err)
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			j.logger().Warn("release reconcile lock", slog.String("key", key), slog.Any("error", err))
		}
	}, nil
}

func (j *ReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockReconcile))
	}
	return slog.Default().With(slog.String("job", TaskStockReconcile))
}

func (j *ReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
