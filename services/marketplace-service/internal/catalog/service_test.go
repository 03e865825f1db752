package catalog_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memdb"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() (*catalog.Service, *memstore.Store) {
	store := memstore.New()
	uow := outbox.NewUnitOfWork(memdb.New(), outbox.NewEnqueuer(store, time.Now))
	return catalog.NewService(uow, store), store
}

func outboxTypes(store *memstore.Store) []string {
	var out []string
	for _, m := range store.Messages() {
		out = append(out, m.Type)
	}
	return out
}

func TestServiceCommitsStateWithEvents(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	rest, err := svc.RegisterRestaurant(ctx, catalog.RestaurantInput{Name: "Thai Garden", Cuisine: "thai", City: "Austin"})
	require.NoError(t, err)
	assert.Empty(t, rest.DomainEvents(), "buffer is cleared after the commit")

	menu, err := svc.CreateMenu(ctx, rest.ID, "Dinner")
	require.NoError(t, err)
	_, err = svc.EnableMenu(ctx, menu.ID)
	require.NoError(t, err)
	item, err := svc.AddItem(ctx, menu.ID, catalog.ItemInput{Name: "Pad Thai", Price: decimal.NewFromInt(12)})
	require.NoError(t, err)

	stored, err := store.GetMenu(ctx, nil, menu.ID)
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, item.ID, stored.Items[0].ID)

	assert.ElementsMatch(t, []string{
		catalog.TypeRestaurantRegistered,
		catalog.TypeMenuCreated,
		catalog.TypeMenuEnabled,
		catalog.TypeMenuItemCreated,
	}, outboxTypes(store))
}

func TestServiceRejectsInvalidCommands(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	_, err := svc.RegisterRestaurant(ctx, catalog.RestaurantInput{})
	assert.ErrorIs(t, err, catalog.ErrInvalidName)

	_, err = svc.CreateMenu(ctx, uuid.New(), "Dinner")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	rest, err := svc.RegisterRestaurant(ctx, catalog.RestaurantInput{Name: "Thai Garden"})
	require.NoError(t, err)
	menu, err := svc.CreateMenu(ctx, rest.ID, "Dinner")
	require.NoError(t, err)
	before := len(store.Messages())

	_, err = svc.AddItem(ctx, menu.ID, catalog.ItemInput{Name: "Free lunch", Price: decimal.Zero})
	assert.ErrorIs(t, err, catalog.ErrInvalidPrice)
	assert.ErrorIs(t, svc.RemoveItem(ctx, menu.ID, uuid.New()), catalog.ErrItemNotFound)
	assert.Len(t, store.Messages(), before, "rejected commands enqueue nothing")
}

func TestServiceDeactivate(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	rest, err := svc.RegisterRestaurant(ctx, catalog.RestaurantInput{Name: "Thai Garden"})
	require.NoError(t, err)
	_, err = svc.DeactivateRestaurant(ctx, rest.ID)
	require.NoError(t, err)
	_, err = svc.DeactivateRestaurant(ctx, rest.ID)
	require.NoError(t, err)

	got, err := store.GetRestaurant(ctx, nil, rest.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Len(t, store.Messages(), 2)

	_, err = svc.CreateMenu(ctx, rest.ID, "Dinner")
	assert.ErrorIs(t, err, catalog.ErrRestaurantInactive)
}

func TestConcurrentItemAddsAreAllKept(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	rest, err := svc.RegisterRestaurant(ctx, catalog.RestaurantInput{Name: "Noodle Bar", Cuisine: "thai", City: "Austin"})
	require.NoError(t, err)
	menu, err := svc.CreateMenu(ctx, rest.ID, "Lunch")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AddItem(ctx, menu.ID, catalog.ItemInput{Name: fmt.Sprintf("Dish %d", i), Price: decimal.NewFromInt(9)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := store.GetMenu(ctx, nil, menu.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, n)
}
