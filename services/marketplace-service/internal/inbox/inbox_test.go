package inbox_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/inbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memdb"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/testutil/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinged struct {
	events.Base
}

func (pinged) EventType() string { return "test.pinged.v1" }

type counter struct {
	calls int
	err   error
}

func (c *counter) Handle(context.Context, pgx.Tx, events.Event) error {
	c.calls++
	return c.err
}

func handleInTx(t *testing.T, mdb *memdb.DB, h events.Handler, evt events.Event) error {
	t.Helper()
	return db.WithTx(context.Background(), mdb, func(tx pgx.Tx) error {
		return h.Handle(context.Background(), tx, evt)
	})
}

func TestGuardSkipsDuplicates(t *testing.T) {
	store := memstore.New()
	metrics := inbox.NewMetrics(prometheus.NewRegistry())
	guard := inbox.NewGuard(store, slog.New(slog.DiscardHandler), metrics)
	mdb := memdb.New()

	c := &counter{}
	h := guard.Wrap(events.HandlerFunc("test.counter", c.Handle))
	evt := &pinged{Base: events.NewBase("")}

	require.NoError(t, handleInTx(t, mdb, h, evt))
	require.NoError(t, handleInTx(t, mdb, h, evt))
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, 1, store.Receipts("test.counter"))

	require.NoError(t, handleInTx(t, mdb, h, &pinged{Base: events.NewBase("")}))
	assert.Equal(t, 2, c.calls)
}

func TestGuardKeysReceiptsByHandler(t *testing.T) {
	store := memstore.New()
	guard := inbox.NewGuard(store, slog.New(slog.DiscardHandler), nil)
	mdb := memdb.New()

	a, b := &counter{}, &counter{}
	ha := guard.Wrap(events.HandlerFunc("test.a", a.Handle))
	hb := guard.Wrap(events.HandlerFunc("test.b", b.Handle))
	evt := &pinged{Base: events.NewBase("")}

	require.NoError(t, handleInTx(t, mdb, ha, evt))
	require.NoError(t, handleInTx(t, mdb, hb, evt))
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestGuardDropsReceiptWhenHandlerFails(t *testing.T) {
	store := memstore.New()
	guard := inbox.NewGuard(store, slog.New(slog.DiscardHandler), nil)
	mdb := memdb.New()

	c := &counter{err: errors.New("nope")}
	h := guard.Wrap(events.HandlerFunc("test.counter", c.Handle))
	evt := &pinged{Base: events.NewBase("")}

	err := db.WithTx(context.Background(), mdb, func(tx pgx.Tx) error {
		assert.Error(t, h.Handle(context.Background(), tx, evt))
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, store.Receipts("test.counter"))

	c.err = nil
	require.NoError(t, handleInTx(t, mdb, h, evt))
	assert.Equal(t, 2, c.calls)
}

func TestGuardReportsStoreErrors(t *testing.T) {
	store := memstore.New()
	store.FailOn("Record", errors.New("db down"))
	guard := inbox.NewGuard(store, slog.New(slog.DiscardHandler), nil)

	c := &counter{}
	err := handleInTx(t, memdb.New(), guard.Wrap(events.HandlerFunc("test.counter", c.Handle)), &pinged{Base: events.NewBase("")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record inbox receipt for test.counter")
	assert.Zero(t, c.calls)
}

func TestDuplicateMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	guard := inbox.NewGuard(memstore.New(), slog.New(slog.DiscardHandler), inbox.NewMetrics(reg))
	mdb := memdb.New()

	h := guard.Wrap(events.HandlerFunc("test.counter", (&counter{}).Handle))
	evt := &pinged{Base: events.NewBase("")}
	for range 3 {
		require.NoError(t, handleInTx(t, mdb, h, evt))
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "inbox_duplicates_total", families[0].GetName())
	m := families[0].GetMetric()
	require.Len(t, m, 1)
	assert.Equal(t, "test.counter", m[0].GetLabel()[0].GetValue())
	assert.Equal(t, float64(2), m[0].GetCounter().GetValue())
}

func TestHandlerName(t *testing.T) {
	assert.Equal(t, "test.named", inbox.HandlerName(events.HandlerFunc("test.named", (&counter{}).Handle)))
	assert.Equal(t,
		"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/inbox_test.counter",
		inbox.HandlerName(&counter{}),
	)
}
