package shared

import (
	"context"
	"log/slog"
	"time"
)

// Event is a domain notification emitted after a transaction commits.
type Event struct {
	Name       string         `json:"name"`
	Entity     string         `json:"entity"`
	EntityID   int64          `json:"entity_id"`
	Number     string         `json:"number"`
	ActorID    int64          `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Publisher dispatches events fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Notify publishes evt after commit. Failures are logged and never returned.
func Notify(ctx context.Context, pub Publisher, logger *slog.Logger, evt Event) {
	if pub == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	if err := pub.Publish(ctx, evt); err != nil && logger != nil {
		logger.Warn("publish event", slog.String("event", evt.Name), slog.Int64("entity_id", evt.EntityID), slog.Any("error", err))
	}
}
