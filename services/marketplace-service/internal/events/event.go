// Package events holds the domain event contract shared by producers and the
// outbox pipeline: the per-aggregate buffer, the type registry and the handler
// signature subscribers implement.
package events

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Event is an immutable fact raised by an aggregate.
type Event interface {
	// EventID is assigned once when the event is raised and travels inside
	// the payload, so every redelivery presents the same id.
	EventID() uuid.UUID
	// EventType is the stable discriminator stored on the outbox row.
	EventType() string
	// AggregateID may be empty.
	AggregateID() string
	// OccurredAt is when the aggregate raised the event, in UTC.
	OccurredAt() time.Time
}

// Base carries the identity fields every event embeds.
type Base struct {
	ID        uuid.UUID `json:"event_id"`
	Aggregate string    `json:"aggregate_id,omitempty"`
	RaisedAt  time.Time `json:"raised_at"`
}

func NewBase(aggregateID string) Base {
	return Base{ID: uuid.New(), Aggregate: aggregateID, RaisedAt: time.Now().UTC()}
}

func (b Base) EventID() uuid.UUID    { return b.ID }
func (b Base) AggregateID() string   { return b.Aggregate }
func (b Base) OccurredAt() time.Time { return b.RaisedAt }

// Buffer is the pending-event list an aggregate root embeds.
// It is cleared by the unit of work after the events are enqueued.
type Buffer struct {
	pending []Event
}

func (b *Buffer) AddDomainEvent(e Event) {
	b.pending = append(b.pending, e)
}

func (b *Buffer) DomainEvents() []Event {
	return slices.Clone(b.pending)
}

func (b *Buffer) ClearDomainEvents() {
	b.pending = nil
}

// Source is an aggregate whose buffered events can be flushed to the outbox.
type Source interface {
	AggregateType() string
	DomainEvents() []Event
	ClearDomainEvents()
}

// Handler consumes a dispatched event inside the dispatcher's transaction.
type Handler interface {
	Handle(ctx context.Context, tx pgx.Tx, evt Event) error
}

// Named handlers report a stable identity used for idempotency receipts.
type Named interface {
	Name() string
}

type namedHandler struct {
	name string
	fn   func(ctx context.Context, tx pgx.Tx, evt Event) error
}

// HandlerFunc adapts fn into a Handler with the given stable name.
func HandlerFunc(name string, fn func(ctx context.Context, tx pgx.Tx, evt Event) error) Handler {
	return namedHandler{name: name, fn: fn}
}

func (h namedHandler) Name() string { return h.name }

func (h namedHandler) Handle(ctx context.Context, tx pgx.Tx, evt Event) error {
	return h.fn(ctx, tx, evt)
}
