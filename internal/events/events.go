// Package events is a small in-process event bus. Commands publish domain
// events after their transaction commits; subscribers (audit log, metrics)
// observe them without coupling to the command path.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Type names a domain event.
type Type string

const (
	DatasetCreated    Type = "dataset.created"
	DatasetUpdated    Type = "dataset.updated"
	DatasetDeleted    Type = "dataset.deleted"
	RefCreated        Type = "ref.created"
	RefAdvanced       Type = "ref.advanced"
	RefDeleted        Type = "ref.deleted"
	CommitCreated     Type = "commit.created"
	JobQueued         Type = "job.queued"
	JobStatusChanged  Type = "job.status_changed"
	PermissionGranted Type = "permission.granted"
	PermissionRevoked Type = "permission.revoked"
)

// Event is one domain occurrence. Payload keys are event-specific.
type Event struct {
	Type          Type                   `json:"type"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	UserID        string                 `json:"user_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

type correlationKey struct{}

// WithCorrelationID returns a context whose published events carry the given
// correlation id; the HTTP layer sets it to the request id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// Handler consumes one event. Handlers run synchronously on the publishing
// goroutine and must not block on long work.
type Handler func(ctx context.Context, ev Event)

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	byType   map[Type][]Handler
	allTypes []Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{byType: make(map[Type][]Handler)}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allTypes = append(b.allTypes, h)
}

// Publish stamps the event time and correlation id if unset and dispatches
// to subscribers.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.CorrelationID == "" {
		if id, ok := ctx.Value(correlationKey{}).(string); ok {
			ev.CorrelationID = id
		}
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byType[ev.Type])+len(b.allTypes))
	handlers = append(handlers, b.byType[ev.Type]...)
	handlers = append(handlers, b.allTypes...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
}

// AuditLogger returns a handler that writes every event to the structured
// log, one record per event.
func AuditLogger(logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")
	return func(ctx context.Context, ev Event) {
		attrs := []interface{}{
			"event", string(ev.Type),
			"aggregate_type", ev.AggregateType,
			"aggregate_id", ev.AggregateID,
			"occurred_at", ev.OccurredAt.Format(time.RFC3339Nano),
		}
		if ev.UserID != "" {
			attrs = append(attrs, "user_id", ev.UserID)
		}
		if ev.CorrelationID != "" {
			attrs = append(attrs, "correlation_id", ev.CorrelationID)
		}
		for k, v := range ev.Payload {
			attrs = append(attrs, "payload_"+k, v)
		}
		logger.InfoContext(ctx, "domain event", attrs...)
	}
}
