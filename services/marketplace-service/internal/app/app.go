// Package app assembles the marketplace pipeline: producers, the outbox
// processor, projectors, the relay and the reconciliation scheduler.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/handlers"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/inbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/projections"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reconcile"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/relay"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reviews"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type OutboxStore interface {
	outbox.Store
	outbox.Inspector
}

// Stores bundles the persistence the pipeline runs on. The Postgres
// repositories and memstore both satisfy it.
type Stores struct {
	Outbox    OutboxStore
	Inbox     inbox.Store
	Catalog   catalog.Store
	Reviews   reviews.Store
	MenuViews projections.MenuViewStore
	Summaries projections.SummaryStore
}

type Deps struct {
	DB     db.Beginner
	Stores Stores
	// Pool serves reads outside a transaction. It may be nil when the
	// stores ignore the querier.
	Pool db.Querier
	// Redis enables the search index when set.
	Redis redis.UniversalClient
	// Kafka enables the integration relay when set.
	Kafka       relay.MessageWriter
	RelayTypes  []string
	Registerer  prometheus.Registerer
	Logger      *slog.Logger
	Outbox      outbox.Config
	Reconcile   reconcile.Config
	SearchIndex string
}

type App struct {
	Registry   *events.Registry
	Dispatcher *outbox.Dispatcher
	Processor  *outbox.Processor
	Scheduler  *reconcile.Scheduler
	Catalog    *catalog.Service
	Reviews    *reviews.Service
	MenuView   *projections.FullMenuView
	Summaries  *projections.ReviewSummaries
	Search     *projections.SearchIndex
	Handler    *handlers.Handler
}

func New(d Deps) (*App, error) {
	if d.DB == nil {
		return nil, errors.New("app: DB is required")
	}
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	s := d.Stores

	registry := events.NewRegistry()
	if err := errors.Join(catalog.RegisterEvents(registry), reviews.RegisterEvents(registry)); err != nil {
		return nil, fmt.Errorf("register events: %w", err)
	}

	guard := inbox.NewGuard(s.Inbox, d.Logger.With("component", "inbox"), inbox.NewMetrics(d.Registerer))
	dispatcher := outbox.NewDispatcher(guard)

	a := &App{
		Registry:   registry,
		Dispatcher: dispatcher,
		MenuView:   projections.NewFullMenuView(s.Catalog, s.MenuViews),
		Summaries:  projections.NewReviewSummaries(s.Reviews, s.Summaries),
	}
	targets := []projections.Reconcilable{a.MenuView, a.Summaries}
	if d.Redis != nil {
		a.Search = projections.NewSearchIndex(d.Redis, s.Catalog, d.Pool, d.SearchIndex)
		targets = append(targets, a.Search)
	}

	projLogger := d.Logger.With("component", "projections")
	projMetrics := projections.NewMetrics(d.Registerer)
	for _, model := range targets {
		projections.NewProjector(model, projLogger, projMetrics).SubscribeTo(dispatcher)
	}

	if d.Kafka != nil {
		types := d.RelayTypes
		if len(types) == 0 {
			types = registry.Types()
		}
		for _, t := range types {
			if !slices.Contains(registry.Types(), t) {
				return nil, fmt.Errorf("relay: %w: %s", events.ErrUnknownEventType, t)
			}
		}
		relay.New(d.Kafka, d.Logger.With("component", "relay"), types).SubscribeTo(dispatcher)
	}

	a.Processor = outbox.NewProcessor(d.DB, s.Outbox, registry, dispatcher,
		d.Logger.With("component", "outbox"), outbox.NewMetrics(d.Registerer), d.Outbox)
	a.Scheduler = reconcile.NewScheduler(d.DB, targets,
		d.Logger.With("component", "reconcile"), reconcile.NewMetrics(d.Registerer), d.Reconcile)

	uow := outbox.NewUnitOfWork(d.DB, outbox.NewEnqueuer(s.Outbox, nil))
	a.Catalog = catalog.NewService(uow, s.Catalog)
	a.Reviews = reviews.NewService(uow, s.Reviews, s.Catalog)

	hd := handlers.Deps{
		Catalog:      a.Catalog,
		Reviews:      a.Reviews,
		MenuViews:    s.MenuViews,
		Summaries:    s.Summaries,
		Outbox:       s.Outbox,
		Processor:    a.Processor,
		Reconciler:   a.Scheduler,
		Logger:       d.Logger.With("component", "http"),
		DrainTimeout: a.Processor.Config().DrainTimeout,
	}
	if a.Search != nil {
		hd.Index = a.Search
	}
	a.Handler = handlers.New(hd)
	return a, nil
}
