// Package projections maintains denormalized read models. Every model is
// rebuilt wholesale from source rows and deleted when its source stops
// qualifying, which keeps redelivery and replays harmless.
package projections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNotQualified reports that the source no longer warrants a read model.
var ErrNotQualified = errors.New("source does not qualify for read model")

type Outcome string

const (
	OutcomeUpserted Outcome = "upserted"
	OutcomeDeleted  Outcome = "deleted"
	OutcomeFailed   Outcome = "failed"
)

// ReadModel rebuilds one denormalized view keyed by a source root id.
type ReadModel interface {
	Name() string
	// EventTypes lists the events that can change the model.
	EventTypes() []string
	// Keys returns the roots affected by evt.
	Keys(evt events.Event) []uuid.UUID
	// Rebuild recomputes the view from source rows and replaces it, or
	// returns ErrNotQualified without writing anything.
	Rebuild(ctx context.Context, tx pgx.Tx, key uuid.UUID) error
	Delete(ctx context.Context, tx pgx.Tx, key uuid.UUID) error
}

// Reconcilable read models expose the queries the reconciliation sweep uses.
type Reconcilable interface {
	ReadModel
	// Missing lists qualifying sources without a view.
	Missing(ctx context.Context, limit int) ([]uuid.UUID, error)
	// Orphans lists views whose source no longer qualifies.
	Orphans(ctx context.Context, limit int) ([]uuid.UUID, error)
	// Stalest lists views ordered by oldest rebuild first.
	Stalest(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Refresh rebuilds key, deleting the view when the source does not qualify.
func Refresh(ctx context.Context, tx pgx.Tx, m ReadModel, key uuid.UUID) (Outcome, error) {
	err := m.Rebuild(ctx, tx, key)
	if err == nil {
		return OutcomeUpserted, nil
	}
	if !errors.Is(err, ErrNotQualified) {
		return OutcomeFailed, err
	}
	if err := m.Delete(ctx, tx, key); err != nil {
		return OutcomeFailed, fmt.Errorf("delete %s %s: %w", m.Name(), key, err)
	}
	return OutcomeDeleted, nil
}

// restaurantScoped is implemented by every catalog and review event.
type restaurantScoped interface {
	RestaurantKey() uuid.UUID
}

func restaurantKeys(evt events.Event) []uuid.UUID {
	if rs, ok := evt.(restaurantScoped); ok && rs.RestaurantKey() != uuid.Nil {
		return []uuid.UUID{rs.RestaurantKey()}
	}
	return nil
}

type Metrics struct {
	rebuilds *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		rebuilds: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "projection",
			Name:      "rebuilds_total",
			Help:      "Read-model rebuilds triggered by events, by outcome.",
		}, []string{"read_model", "outcome"}),
	}
}

func (m *Metrics) observe(model string, outcome Outcome) {
	if m == nil {
		return
	}
	m.rebuilds.WithLabelValues(model, string(outcome)).Inc()
}

// Subscriber is the dispatcher side a projector registers with.
type Subscriber interface {
	Subscribe(eventType string, h events.Handler)
}

// Projector adapts a ReadModel into an outbox handler. Rebuild failures are
// logged and swallowed: a stale view heals on the next event or the next
// reconciliation sweep and must not hold up delivery.
type Projector struct {
	model   ReadModel
	logger  *slog.Logger
	metrics *Metrics
}

func NewProjector(model ReadModel, logger *slog.Logger, metrics *Metrics) *Projector {
	return &Projector{model: model, logger: logger, metrics: metrics}
}

func (p *Projector) Name() string { return "projections." + p.model.Name() }

func (p *Projector) SubscribeTo(s Subscriber) {
	for _, t := range p.model.EventTypes() {
		s.Subscribe(t, p)
	}
}

func (p *Projector) Handle(ctx context.Context, tx pgx.Tx, evt events.Event) error {
	p.HandleCore(ctx, tx, evt)
	return nil
}

// HandleCore rebuilds every affected key in its own savepoint.
func (p *Projector) HandleCore(ctx context.Context, tx pgx.Tx, evt events.Event) {
	for _, key := range p.model.Keys(evt) {
		outcome, err := refreshIsolated(ctx, tx, p.model, key)
		p.metrics.observe(p.model.Name(), outcome)
		if err != nil {
			p.logger.Warn("projection rebuild failed",
				"read_model", p.model.Name(),
				"key", key,
				"event_id", evt.EventID(),
				"event_type", evt.EventType(),
				"err", err,
			)
			continue
		}
		p.logger.Debug("projection rebuilt",
			"read_model", p.model.Name(),
			"key", key,
			"outcome", string(outcome),
		)
	}
}

func refreshIsolated(ctx context.Context, tx pgx.Tx, m ReadModel, key uuid.UUID) (Outcome, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	defer func() { _ = sp.Rollback(ctx) }()

	outcome, err := Refresh(ctx, sp, m, key)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := sp.Commit(ctx); err != nil {
		return OutcomeFailed, err
	}
	return outcome, nil
}
