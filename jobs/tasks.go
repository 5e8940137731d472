package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/medcore/stockcore/internal/jobs"
	"github.com/medcore/stockcore/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueEvents carries after-commit domain notifications.
	QueueEvents = "events"
	// TaskStockEvent delivers one domain event to the notification sink.
	TaskStockEvent = "stock:event"
	// TaskStockReconcile replays the movement journal against live balances.
	TaskStockReconcile = "stock:reconcile"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewEventTask constructs an Asynq task carrying a domain event.
func NewEventTask(evt shared.Event) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockEvent, data, asynq.Queue(QueueEvents), asynq.MaxRetry(5)), nil
}

// ReconcilePayload configures one reconciliation run.
type ReconcilePayload struct {
	Repair       bool      `json:"repair"`
	ActorID      int64     `json:"actor_id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewReconcileTask constructs an Asynq task for balance reconciliation.
func NewReconcileTask(payload ReconcilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
