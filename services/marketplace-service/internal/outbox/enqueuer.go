package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/md-rashed-zaman/dishpatch/libs/otel"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
)

// Enqueuer turns buffered domain events into outbox rows inside the
// caller's write transaction.
type Enqueuer struct {
	store Store
	now   func() time.Time
}

func NewEnqueuer(store Store, now func() time.Time) *Enqueuer {
	if now == nil {
		now = time.Now
	}
	return &Enqueuer{store: store, now: now}
}

// Flush serializes every pending event of every source and clears the
// buffers once the rows are written. Nothing is cleared on error.
func (e *Enqueuer) Flush(ctx context.Context, tx pgx.Tx, sources ...events.Source) error {
	occurredAt := e.now().UTC()
	correlationID := CorrelationIDFromContext(ctx)
	causationID := CausationIDFromContext(ctx)
	traceparent, tracestate := otelx.TraceContextStrings(ctx)

	var msgs []Message
	for _, src := range sources {
		for _, evt := range src.DomainEvents() {
			content, err := json.Marshal(evt)
			if err != nil {
				return fmt.Errorf("serialize %s: %w", evt.EventType(), err)
			}
			msgs = append(msgs, Message{
				ID:            evt.EventID(),
				Type:          evt.EventType(),
				Content:       content,
				OccurredAt:    occurredAt,
				AggregateType: src.AggregateType(),
				AggregateID:   evt.AggregateID(),
				CorrelationID: correlationID,
				CausationID:   causationID,
				Traceparent:   traceparent,
				Tracestate:    tracestate,
			})
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := e.store.Insert(ctx, tx, msgs...); err != nil {
		return fmt.Errorf("enqueue outbox messages: %w", err)
	}
	for _, src := range sources {
		src.ClearDomainEvents()
	}
	return nil
}
