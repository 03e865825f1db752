// Package handlers exposes the catalog and review commands, the read models
// and the operator endpoints over HTTP.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/projections"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reconcile"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reviews"
)

type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]projections.SearchHit, error)
}

type Drainer interface {
	Drain(ctx context.Context, timeout time.Duration) int
}

type Reconciler interface {
	RunOnce(ctx context.Context) reconcile.Report
	RunTarget(ctx context.Context, name string) (reconcile.Report, error)
}

type Deps struct {
	Catalog    *catalog.Service
	Reviews    *reviews.Service
	MenuViews  projections.MenuViewStore
	Summaries  projections.SummaryStore
	Index      Searcher
	Outbox     outbox.Inspector
	Processor  Drainer
	Reconciler Reconciler
	Logger     *slog.Logger
	// DrainTimeout bounds POST /admin/outbox/drain.
	DrainTimeout time.Duration
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = 10 * time.Second
	}
	return &Handler{Deps: d}
}

// Routes mounts the public API under /api/v1 and operator routes under /admin.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/restaurants", h.RegisterRestaurant)
		r.Patch("/restaurants/{restaurantID}", h.UpdateRestaurant)
		r.Post("/restaurants/{restaurantID}/deactivate", h.DeactivateRestaurant)
		r.Post("/restaurants/{restaurantID}/menus", h.CreateMenu)
		r.Get("/restaurants/{restaurantID}/menu", h.GetMenuView)
		r.Post("/restaurants/{restaurantID}/reviews", h.SubmitReview)
		r.Get("/restaurants/{restaurantID}/reviews/summary", h.GetReviewSummary)

		r.Post("/menus/{menuID}/enable", h.EnableMenu)
		r.Post("/menus/{menuID}/disable", h.DisableMenu)
		r.Post("/menus/{menuID}/items", h.AddItem)
		r.Put("/menus/{menuID}/items/{itemID}", h.UpdateItem)
		r.Delete("/menus/{menuID}/items/{itemID}", h.RemoveItem)

		r.Post("/reviews/{reviewID}/hide", h.HideReview)
		r.Get("/search", h.Search)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Get("/outbox/summary", h.OutboxSummary)
		r.Get("/outbox/messages", h.ListOutboxMessages)
		r.Get("/outbox/messages/{messageID}", h.GetOutboxMessage)
		r.Post("/outbox/messages/{messageID}/requeue", h.RequeueOutboxMessage)
		r.Post("/outbox/drain", h.DrainOutbox)
		r.Post("/reconcile/run", h.RunReconcile)
	})
	return r
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return fallback
}

// writeErr maps domain errors to status codes; anything unknown is logged
// and reported as 500.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, catalog.ErrItemNotFound),
		errors.Is(err, reviews.ErrNotFound),
		errors.Is(err, projections.ErrViewNotFound),
		errors.Is(err, outbox.ErrMessageNotFound),
		errors.Is(err, reconcile.ErrUnknownTarget):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, catalog.ErrInvalidName),
		errors.Is(err, catalog.ErrInvalidPrice),
		errors.Is(err, reviews.ErrInvalidRating),
		errors.Is(err, reviews.ErrInvalidAuthor):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrRestaurantInactive),
		errors.Is(err, reviews.ErrRestaurantUnavailable):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		h.Logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
			"err", err,
		)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
