package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/inbox"
)

// Dispatcher fans each event out to every subscriber of its type.
// Subscribe during startup only; Dispatch does not lock.
type Dispatcher struct {
	guard  *inbox.Guard
	byType map[string][]events.Handler
	all    []events.Handler
}

// NewDispatcher wraps every subscriber with guard. A nil guard leaves
// handlers unguarded.
func NewDispatcher(guard *inbox.Guard) *Dispatcher {
	return &Dispatcher{guard: guard, byType: map[string][]events.Handler{}}
}

func (d *Dispatcher) Subscribe(eventType string, h events.Handler) {
	d.byType[eventType] = append(d.byType[eventType], d.wrap(h))
}

func (d *Dispatcher) SubscribeAll(h events.Handler) {
	d.all = append(d.all, d.wrap(h))
}

func (d *Dispatcher) wrap(h events.Handler) events.Handler {
	if d.guard == nil {
		return h
	}
	return d.guard.Wrap(h)
}

// Dispatch stops at the first failing subscriber; the caller rolls the whole
// delivery back and retries it later.
func (d *Dispatcher) Dispatch(ctx context.Context, tx pgx.Tx, evt events.Event) error {
	for _, group := range [][]events.Handler{d.byType[evt.EventType()], d.all} {
		for _, h := range group {
			if err := h.Handle(ctx, tx, evt); err != nil {
				return fmt.Errorf("%s: %w", inbox.HandlerName(h), err)
			}
		}
	}
	return nil
}
