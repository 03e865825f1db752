package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
)

func (h *Handler) GetMenuView(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "restaurantID")
	if !ok {
		return
	}
	view, err := h.MenuViews.GetMenuView(r.Context(), nil, id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) GetReviewSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "restaurantID")
	if !ok {
		return
	}
	sum, err := h.Summaries.GetReviewSummary(r.Context(), nil, id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	if h.Index == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "search is not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httpx.WriteError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := min(max(queryInt(r, "limit", 20), 1), 100)
	hits, err := h.Index.Search(r.Context(), q, limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"query": q, "results": hits})
}
