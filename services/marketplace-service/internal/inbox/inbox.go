// Package inbox keeps idempotency receipts so each handler applies its
// effects at most once per event, however often the event is delivered.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store records receipts. Record reports false when the pair already exists.
type Store interface {
	Record(ctx context.Context, tx pgx.Tx, handler string, eventID uuid.UUID, at time.Time) (bool, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Record(ctx context.Context, tx pgx.Tx, handler string, eventID uuid.UUID, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox_messages (handler, event_id, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (handler, event_id) DO NOTHING
	`, handler, eventID, at)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// HandlerName is the identity receipts are keyed by.
func HandlerName(h events.Handler) string {
	if n, ok := h.(events.Named); ok {
		return n.Name()
	}
	t := reflect.TypeOf(h)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath() + "." + t.Name()
}

type Metrics struct {
	duplicates *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		duplicates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "inbox",
			Name:      "duplicates_total",
			Help:      "Deliveries skipped because the handler already processed the event.",
		}, []string{"handler"}),
	}
}

// Guard wraps handlers with the receipt check.
type Guard struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewGuard(store Store, logger *slog.Logger, metrics *Metrics) *Guard {
	return &Guard{store: store, logger: logger, metrics: metrics, now: time.Now}
}

func (g *Guard) Wrap(h events.Handler) events.Handler {
	return &guarded{guard: g, name: HandlerName(h), inner: h}
}

type guarded struct {
	guard *Guard
	name  string
	inner events.Handler
}

func (h *guarded) Name() string { return h.name }

// Handle writes the receipt and runs the handler in one savepoint. A
// duplicate releases the savepoint without running the handler.
func (h *guarded) Handle(ctx context.Context, tx pgx.Tx, evt events.Event) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inbox savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	fresh, err := h.guard.store.Record(ctx, sp, h.name, evt.EventID(), h.guard.now().UTC())
	if err != nil {
		return fmt.Errorf("record inbox receipt for %s: %w", h.name, err)
	}
	if !fresh {
		if m := h.guard.metrics; m != nil {
			m.duplicates.WithLabelValues(h.name).Inc()
		}
		h.guard.logger.Debug("inbox duplicate skipped",
			"handler", h.name,
			"event_id", evt.EventID(),
			"event_type", evt.EventType(),
		)
		return nil
	}
	if err := h.inner.Handle(ctx, sp, evt); err != nil {
		return err
	}
	return sp.Commit(ctx)
}
