package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/medcore/stockcore/internal/jobs"
	"github.com/medcore/stockcore/internal/shared"
)

// Notifier forwards domain events to the notification service.
type Notifier interface {
	Notify(ctx context.Context, evt shared.Event) error
}

// LogNotifier writes events to the log. It stands in when no notification
// service is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs evt.
func (n LogNotifier) Notify(_ context.Context, evt shared.Event) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("stock event",
		slog.String("event", evt.Name),
		slog.String("entity", evt.Entity),
		slog.Int64("entity_id", evt.EntityID),
		slog.String("number", evt.Number),
		slog.Int64("actor_id", evt.ActorID),
	)
	return nil
}

// EventJob delivers TaskStockEvent tasks.
type EventJob struct {
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewEventJob initialises the event delivery handler.
func NewEventJob(notifier Notifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *EventJob {
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &EventJob{Notifier: notifier, Logger: logger, Metrics: metrics}
}

// Handle decodes and delivers one event.
func (j *EventJob) Handle(ctx context.Context, t *asynq.Task) error {
	var evt shared.Event
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return fmt.Errorf("stock event: %v: %w", err, asynq.SkipRetry)
	}
	if evt.Name == "" {
		return fmt.Errorf("stock event: missing name: %w", asynq.SkipRetry)
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskStockEvent)
	if err := j.Notifier.Notify(ctx, evt); err != nil {
		return tracker.End(fmt.Errorf("stock event %s: %w", evt.Name, err))
	}
	metrics.EventDelivered(evt.Name)
	return tracker.End(nil)
}
