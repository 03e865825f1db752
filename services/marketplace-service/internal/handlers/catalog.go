package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/shopspring/decimal"
)

type restaurantRequest struct {
	Name    string `json:"name"`
	Cuisine string `json:"cuisine"`
	City    string `json:"city"`
}

type restaurantResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Cuisine   string    `json:"cuisine,omitempty"`
	City      string    `json:"city,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toRestaurant(r *catalog.Restaurant) restaurantResponse {
	return restaurantResponse{
		ID:        r.ID,
		Name:      r.Name,
		Cuisine:   r.Cuisine,
		City:      r.City,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type itemResponse struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Available   bool            `json:"available"`
}

func toItem(it catalog.MenuItem) itemResponse {
	return itemResponse{ID: it.ID, Name: it.Name, Description: it.Description, Price: it.Price, Available: it.Available}
}

type menuResponse struct {
	ID           uuid.UUID      `json:"id"`
	RestaurantID uuid.UUID      `json:"restaurant_id"`
	Name         string         `json:"name"`
	Enabled      bool           `json:"enabled"`
	Items        []itemResponse `json:"items"`
}

func toMenu(m *catalog.Menu) menuResponse {
	out := menuResponse{ID: m.ID, RestaurantID: m.RestaurantID, Name: m.Name, Enabled: m.Enabled, Items: []itemResponse{}}
	for _, it := range m.Items {
		out.Items = append(out.Items, toItem(it))
	}
	return out
}

func (h *Handler) RegisterRestaurant(w http.ResponseWriter, r *http.Request) {
	var req restaurantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rest, err := h.Catalog.RegisterRestaurant(r.Context(), catalog.RestaurantInput(req))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toRestaurant(rest))
}

func (h *Handler) UpdateRestaurant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "restaurantID")
	if !ok {
		return
	}
	var req restaurantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	rest, err := h.Catalog.UpdateRestaurant(r.Context(), id, catalog.RestaurantInput(req))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toRestaurant(rest))
}

func (h *Handler) DeactivateRestaurant(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "restaurantID")
	if !ok {
		return
	}
	rest, err := h.Catalog.DeactivateRestaurant(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toRestaurant(rest))
}

func (h *Handler) CreateMenu(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "restaurantID")
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	menu, err := h.Catalog.CreateMenu(r.Context(), id, req.Name)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toMenu(menu))
}

func (h *Handler) EnableMenu(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "menuID")
	if !ok {
		return
	}
	menu, err := h.Catalog.EnableMenu(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toMenu(menu))
}

func (h *Handler) DisableMenu(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "menuID")
	if !ok {
		return
	}
	menu, err := h.Catalog.DisableMenu(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toMenu(menu))
}

type itemRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	// Available defaults to true.
	Available *bool `json:"available"`
}

func (req itemRequest) input() catalog.ItemInput {
	in := catalog.ItemInput{Name: req.Name, Description: req.Description, Price: req.Price, Available: true}
	if req.Available != nil {
		in.Available = *req.Available
	}
	return in
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "menuID")
	if !ok {
		return
	}
	var req itemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := h.Catalog.AddItem(r.Context(), id, req.input())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toItem(item))
}

func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	menuID, ok := pathID(w, r, "menuID")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var req itemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := h.Catalog.UpdateItem(r.Context(), menuID, itemID, req.input())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toItem(item))
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	menuID, ok := pathID(w, r, "menuID")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	if err := h.Catalog.RemoveItem(r.Context(), menuID, itemID); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
