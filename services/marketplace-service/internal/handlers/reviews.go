package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reviews"
)

type reviewResponse struct {
	ID           uuid.UUID `json:"id"`
	RestaurantID uuid.UUID `json:"restaurant_id"`
	Author       string    `json:"author"`
	Rating       int       `json:"rating"`
	Comment      string    `json:"comment,omitempty"`
	Hidden       bool      `json:"hidden"`
	CreatedAt    time.Time `json:"created_at"`
}

func toReview(r *reviews.Review) reviewResponse {
	return reviewResponse{
		ID:           r.ID,
		RestaurantID: r.RestaurantID,
		Author:       r.Author,
		Rating:       r.Rating,
		Comment:      r.Comment,
		Hidden:       r.Hidden,
		CreatedAt:    r.CreatedAt,
	}
}

func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "restaurantID")
	if !ok {
		return
	}
	var req struct {
		Author  string `json:"author"`
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rev, err := h.Reviews.Submit(r.Context(), id, reviews.SubmitInput(req))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toReview(rev))
}

func (h *Handler) HideReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "reviewID")
	if !ok {
		return
	}
	rev, err := h.Reviews.Hide(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toReview(rev))
}
