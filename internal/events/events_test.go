package events

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDispatchByType(t *testing.T) {
	bus := NewBus()

	var got []Event
	bus.Subscribe(RefAdvanced, func(_ context.Context, ev Event) {
		got = append(got, ev)
	})

	bus.Publish(context.Background(), Event{Type: RefAdvanced, AggregateID: "main"})
	bus.Publish(context.Background(), Event{Type: JobQueued, AggregateID: "job-1"})

	require.Len(t, got, 1)
	assert.Equal(t, "main", got[0].AggregateID)
	assert.False(t, got[0].OccurredAt.IsZero())
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus()

	var count int
	bus.SubscribeAll(func(context.Context, Event) { count++ })

	bus.Publish(context.Background(), Event{Type: DatasetCreated})
	bus.Publish(context.Background(), Event{Type: JobStatusChanged})
	assert.Equal(t, 2, count)
}

func TestBusStampsCorrelationIDFromContext(t *testing.T) {
	bus := NewBus()

	var got Event
	bus.Subscribe(RefAdvanced, func(_ context.Context, ev Event) { got = ev })

	ctx := WithCorrelationID(context.Background(), "req-42")
	bus.Publish(ctx, Event{Type: RefAdvanced, AggregateID: "main"})
	assert.Equal(t, "req-42", got.CorrelationID)

	// An explicit id on the event wins over the context.
	bus.Publish(ctx, Event{Type: RefAdvanced, CorrelationID: "explicit"})
	assert.Equal(t, "explicit", got.CorrelationID)
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(CommitCreated, func(context.Context, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), Event{Type: CommitCreated})
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, count)
}

func TestAuditLoggerHandlesEvents(t *testing.T) {
	bus := NewBus()
	bus.SubscribeAll(AuditLogger(slog.Default()))

	// No assertion beyond not panicking with a full and an empty payload.
	bus.Publish(context.Background(), Event{
		Type:          JobStatusChanged,
		AggregateType: "job",
		AggregateID:   "job-1",
		UserID:        "u1",
		Payload:       map[string]interface{}{"from": "pending", "to": "running"},
	})
	bus.Publish(context.Background(), Event{Type: DatasetDeleted})
}
