package handlers_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/app"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memdb"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memstore"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, withRedis bool) *httptest.Server {
	t.Helper()
	store := memstore.New()
	deps := app.Deps{
		DB: memdb.New(),
		Stores: app.Stores{
			Outbox:    store,
			Inbox:     store,
			Catalog:   store,
			Reviews:   store,
			MenuViews: store,
			Summaries: store,
		},
		Logger: slog.New(slog.DiscardHandler),
	}
	if withRedis {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		deps.Redis = rdb
	}
	a, err := app.New(deps)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusAccepted {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type idResponse struct {
	ID string `json:"id"`
}

// seedMenu registers a restaurant with an enabled menu over HTTP.
func seedMenu(t *testing.T, srv *httptest.Server) (restaurantID, menuID string) {
	t.Helper()
	var rest, menu idResponse
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/restaurants",
		map[string]string{"name": "Thai Garden", "cuisine": "thai", "city": "Austin"}, &rest))
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/restaurants/"+rest.ID+"/menus",
		map[string]string{"name": "Dinner"}, &menu))
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/menus/"+menu.ID+"/enable", nil, nil))
	return rest.ID, menu.ID
}

func drain(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	var out struct {
		Processed int `json:"processed"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/admin/outbox/drain", nil, &out))
	return out.Processed
}

func TestMenuViewFollowsCatalogCommands(t *testing.T) {
	srv := newServer(t, true)
	restID, menuID := seedMenu(t, srv)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/restaurants/"+restID+"/menu", nil, nil),
		"the view is built asynchronously")

	var item idResponse
	require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/menus/"+menuID+"/items",
		map[string]any{"name": "Green Curry", "price": "14.50"}, &item))
	assert.Equal(t, 4, drain(t, srv))

	var view struct {
		Version  int64 `json:"version"`
		Document struct {
			ItemCount int `json:"item_count"`
			Menus     []struct {
				Items []struct {
					Name      string `json:"name"`
					Price     string `json:"price"`
					Available bool   `json:"available"`
				} `json:"items"`
			} `json:"menus"`
		} `json:"document"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/restaurants/"+restID+"/menu", nil, &view))
	assert.Equal(t, 1, view.Document.ItemCount)
	require.Len(t, view.Document.Menus, 1)
	assert.Equal(t, "Green Curry", view.Document.Menus[0].Items[0].Name)
	assert.Equal(t, "14.5", view.Document.Menus[0].Items[0].Price)
	assert.True(t, view.Document.Menus[0].Items[0].Available)

	var found struct {
		Results []struct {
			RestaurantID string `json:"restaurant_id"`
		} `json:"results"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/search?q=curry", nil, &found))
	require.Len(t, found.Results, 1)
	assert.Equal(t, restID, found.Results[0].RestaurantID)

	require.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/v1/menus/"+menuID+"/items/"+item.ID, nil, nil))
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/api/v1/menus/"+menuID+"/disable", nil, nil))
	drain(t, srv)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/v1/restaurants/"+restID+"/menu", nil, nil))
}

func TestReviewSummaryEndpoint(t *testing.T) {
	srv := newServer(t, false)
	restID, _ := seedMenu(t, srv)

	for _, rating := range []int{4, 5} {
		require.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/v1/restaurants/"+restID+"/reviews",
			map[string]any{"author": "sam", "rating": rating}, nil))
	}
	drain(t, srv)

	var sum struct {
		ReviewCount   int    `json:"review_count"`
		AverageRating string `json:"average_rating"`
		RatingCounts  [5]int `json:"rating_counts"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/v1/restaurants/"+restID+"/reviews/summary", nil, &sum))
	assert.Equal(t, 2, sum.ReviewCount)
	assert.Equal(t, "4.5", sum.AverageRating)
	assert.Equal(t, [5]int{0, 0, 0, 1, 1}, sum.RatingCounts)
}

func TestErrorMapping(t *testing.T) {
	srv := newServer(t, false)
	restID, menuID := seedMenu(t, srv)
	unknown := "0b8f5c1e-4d7a-4f43-9a55-2f0d1b6c9e11"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed id", http.MethodGet, "/api/v1/restaurants/not-a-uuid/menu", nil, http.StatusBadRequest},
		{"unknown restaurant", http.MethodPost, "/api/v1/restaurants/" + unknown + "/deactivate", nil, http.StatusNotFound},
		{"unknown field", http.MethodPost, "/api/v1/restaurants", map[string]string{"nope": "x"}, http.StatusBadRequest},
		{"empty name", http.MethodPost, "/api/v1/restaurants", map[string]string{"name": " "}, http.StatusBadRequest},
		{"negative price", http.MethodPost, "/api/v1/menus/" + menuID + "/items", map[string]any{"name": "x", "price": "-1"}, http.StatusBadRequest},
		{"bad rating", http.MethodPost, "/api/v1/restaurants/" + restID + "/reviews", map[string]any{"author": "sam", "rating": 9}, http.StatusBadRequest},
		{"review unknown restaurant", http.MethodPost, "/api/v1/restaurants/" + unknown + "/reviews", map[string]any{"author": "sam", "rating": 3}, http.StatusConflict},
		{"search without index", http.MethodGet, "/api/v1/search?q=thai", nil, http.StatusServiceUnavailable},
		{"unknown message", http.MethodGet, "/admin/outbox/messages/" + unknown, nil, http.StatusNotFound},
		{"invalid status filter", http.MethodGet, "/admin/outbox/messages?status=lost", nil, http.StatusBadRequest},
		{"unknown read model", http.MethodPost, "/admin/reconcile/run?read_model=nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, do(t, srv, tt.method, tt.path, tt.body, nil))
		})
	}
}

func TestOutboxAdmin(t *testing.T) {
	srv := newServer(t, false)
	seedMenu(t, srv)

	var sum struct {
		Pending   int64 `json:"pending"`
		Processed int64 `json:"processed"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/admin/outbox/summary", nil, &sum))
	assert.EqualValues(t, 3, sum.Pending)
	assert.Zero(t, sum.Processed)

	var list struct {
		Messages []struct {
			ID     string `json:"id"`
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"messages"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/admin/outbox/messages?status=pending", nil, &list))
	require.Len(t, list.Messages, 3)
	for _, m := range list.Messages {
		assert.Equal(t, "pending", m.Status)
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/admin/outbox/messages?type=catalog.restaurant_registered.v1", nil, &list))
	require.Len(t, list.Messages, 1)

	var msg struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/admin/outbox/messages/"+list.Messages[0].ID, nil, &msg))
	assert.Contains(t, string(msg.Content), `"name":"Thai Garden"`)

	assert.Equal(t, 3, drain(t, srv))
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/admin/outbox/summary", nil, &sum))
	assert.Zero(t, sum.Pending)
	assert.EqualValues(t, 3, sum.Processed)

	var report struct {
		Passes []struct {
			ReadModel string `json:"read_model"`
		} `json:"passes"`
	}
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/admin/reconcile/run?read_model=full_menu_view", nil, &report))
	require.NotEmpty(t, report.Passes)
	assert.Equal(t, "full_menu_view", report.Passes[0].ReadModel)
}
