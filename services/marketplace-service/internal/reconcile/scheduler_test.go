package reconcile_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/projections"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reconcile"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memdb"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db      *memdb.DB
	store   *memstore.Store
	menus   *projections.FullMenuView
	reviews *projections.ReviewSummaries
	reg     *prometheus.Registry
}

func newFixture() *fixture {
	store := memstore.New()
	return &fixture{
		db:      memdb.New(),
		store:   store,
		menus:   projections.NewFullMenuView(store, store),
		reviews: projections.NewReviewSummaries(store, store),
		reg:     prometheus.NewRegistry(),
	}
}

func (f *fixture) scheduler(cfg reconcile.Config) *reconcile.Scheduler {
	return reconcile.NewScheduler(f.db, []projections.Reconcilable{f.menus, f.reviews},
		slog.New(slog.DiscardHandler), reconcile.NewMetrics(f.reg), cfg)
}

// qualifying stores a restaurant with an enabled menu. No events are
// delivered, so no view exists yet.
func (f *fixture) qualifying(t *testing.T, name string) (*catalog.Restaurant, *catalog.Menu) {
	t.Helper()
	now := time.Now().UTC()
	rest, err := catalog.RegisterRestaurant(name, "", "", now)
	require.NoError(t, err)
	menu, err := catalog.NewMenu(rest, "All day", now)
	require.NoError(t, err)
	menu.Enable(now)
	f.save(t, func(ctx context.Context, tx pgx.Tx) error {
		if err := f.store.SaveRestaurant(ctx, tx, rest); err != nil {
			return err
		}
		return f.store.SaveMenu(ctx, tx, menu)
	})
	return rest, menu
}

func (f *fixture) save(t *testing.T, fn func(context.Context, pgx.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.WithTx(ctx, f.db, func(tx pgx.Tx) error { return fn(ctx, tx) }))
}

func TestBackfillHonoursBatchSize(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, name := range []string{"Alpha", "Bravo", "Charlie"} {
		f.qualifying(t, name)
	}
	s := f.scheduler(reconcile.Config{BackfillBatchSize: 2})

	first := s.Backfill(ctx, f.menus)
	assert.Equal(t, 2, first.Upserted)
	assert.Empty(t, first.Error)
	missing, err := f.menus.Missing(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)

	second := s.Backfill(ctx, f.menus)
	assert.Equal(t, 1, second.Upserted)
	missing, err = f.menus.Missing(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	third := s.Backfill(ctx, f.menus)
	assert.Zero(t, third.Total())
}

func TestCleanupOrphansDeletesDisqualifiedViews(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	rest, menu := f.qualifying(t, "Alpha")
	kept, _ := f.qualifying(t, "Bravo")
	s := f.scheduler(reconcile.Config{})
	require.Equal(t, 2, s.Backfill(ctx, f.menus).Upserted)

	// The disable event is never delivered.
	menu.Disable(time.Now())
	f.save(t, func(ctx context.Context, tx pgx.Tx) error { return f.store.SaveMenu(ctx, tx, menu) })

	res := s.CleanupOrphans(ctx, f.menus)
	assert.Equal(t, 1, res.Deleted)
	_, err := f.store.GetMenuView(ctx, nil, rest.ID)
	assert.ErrorIs(t, err, projections.ErrViewNotFound)
	_, err = f.store.GetMenuView(ctx, nil, kept.ID)
	assert.NoError(t, err)
}

func TestRefreshStalestRebuildsOldestFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, _ := f.qualifying(t, "Alpha")
	b, _ := f.qualifying(t, "Bravo")
	s := f.scheduler(reconcile.Config{BatchSize: 1})
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		f.save(t, func(ctx context.Context, tx pgx.Tx) error { return f.menus.Rebuild(ctx, tx, id) })
		time.Sleep(2 * time.Millisecond)
	}

	require.NoError(t, a.Update("Alpha Prime", "", "", time.Now()))
	f.save(t, func(ctx context.Context, tx pgx.Tx) error { return f.store.SaveRestaurant(ctx, tx, a) })

	res := s.RefreshStalest(ctx, f.menus)
	assert.Equal(t, 1, res.Upserted)
	view, err := f.store.GetMenuView(ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha Prime", view.Document.Name)
	assert.EqualValues(t, 2, view.Version)

	stalest, err := f.menus.Stalest(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{b.ID}, stalest)
}

func TestItemFailuresDoNotStopTheBatch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.qualifying(t, "Alpha")
	f.qualifying(t, "Bravo")
	f.store.FailOn("UpsertMenuView", errors.New("boom"))
	s := f.scheduler(reconcile.Config{MaxParallelism: 1})

	res := s.Backfill(ctx, f.menus)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Upserted)

	f.store.FailOn("UpsertMenuView", nil)
	assert.Equal(t, 2, s.Backfill(ctx, f.menus).Upserted)

	families, err := f.reg.Gather()
	require.NoError(t, err)
	var failed float64
	for _, fam := range families {
		if fam.GetName() != "reconcile_items_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == "failed" {
					failed += m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(2), failed)
}

func TestRunOnceCoversEveryTarget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.qualifying(t, "Alpha")
	s := f.scheduler(reconcile.Config{DeleteOrphans: true})

	report := s.RunOnce(ctx)
	require.Len(t, report.Passes, 6)
	assert.Equal(t, "full_menu_view", report.Passes[0].ReadModel)
	assert.Equal(t, reconcile.PassBackfill, report.Passes[0].Pass)
	assert.Equal(t, 1, report.Passes[0].Upserted)
	assert.Equal(t, reconcile.PassOrphans, report.Passes[1].Pass)
	assert.Equal(t, reconcile.PassStale, report.Passes[2].Pass)
	assert.Equal(t, "restaurant_review_summary", report.Passes[3].ReadModel)
	assert.Zero(t, report.Passes[3].Total(), "no reviews, nothing to build")
}

func TestRunTarget(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.qualifying(t, "Alpha")
	s := f.scheduler(reconcile.Config{})
	assert.Equal(t, []string{"full_menu_view", "restaurant_review_summary"}, s.Targets())

	report, err := s.RunTarget(ctx, "full_menu_view")
	require.NoError(t, err)
	require.Len(t, report.Passes, 2)
	assert.Equal(t, 1, report.Passes[0].Upserted)

	_, err = s.RunTarget(ctx, "nope")
	assert.ErrorIs(t, err, reconcile.ErrUnknownTarget)
}

func TestRunReturnsWhenDisabled(t *testing.T) {
	f := newFixture()
	f.qualifying(t, "Alpha")
	s := f.scheduler(reconcile.Config{Enabled: false})

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	missing, err := f.menus.Missing(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	f := newFixture()
	rest, _ := f.qualifying(t, "Alpha")
	s := f.scheduler(reconcile.Config{Enabled: true, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, err := f.store.GetMenuView(context.Background(), nil, rest.ID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
