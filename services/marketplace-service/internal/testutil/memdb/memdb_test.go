package memdb

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSavepointRollbackUndoesOnlyItsChanges(t *testing.T) {
	ctx := context.Background()
	db := New()
	var log []string

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	outer, err := From(tx)
	require.NoError(t, err)
	outer.OnRollback(func() { log = append(log, "outer") })

	sp, err := tx.Begin(ctx)
	require.NoError(t, err)
	inner, err := From(sp)
	require.NoError(t, err)
	inner.OnRollback(func() { log = append(log, "inner") })
	require.NoError(t, sp.Rollback(ctx))
	assert.Equal(t, []string{"inner"}, log)

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, []string{"inner"}, log)
	assert.ErrorIs(t, tx.Rollback(ctx), pgx.ErrTxClosed)
}

func TestCommittedSavepointUndoneByParentRollback(t *testing.T) {
	ctx := context.Background()
	db := New()
	var undone []int

	tx, _ := db.Begin(ctx)
	sp, _ := tx.Begin(ctx)
	inner, _ := From(sp)
	inner.OnRollback(func() { undone = append(undone, 1) })
	inner.OnRollback(func() { undone = append(undone, 2) })
	require.NoError(t, sp.Commit(ctx))

	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, []int{2, 1}, undone)
}

func TestRowLocks(t *testing.T) {
	ctx := context.Background()
	db := New()

	a, _ := db.Begin(ctx)
	b, _ := db.Begin(ctx)
	ta, _ := From(a)
	tb, _ := From(b)

	assert.True(t, ta.TryLock("row-1"))
	assert.True(t, ta.TryLock("row-1"))
	assert.False(t, tb.TryLock("row-1"))

	sp, _ := a.Begin(ctx)
	tsp, _ := From(sp)
	assert.True(t, tsp.TryLock("row-1"), "savepoints share the parent's locks")
	assert.True(t, tsp.TryLock("row-2"))
	require.NoError(t, sp.Rollback(ctx))
	assert.True(t, tb.TryLock("row-2"), "rolled back savepoint releases its locks")

	require.NoError(t, a.Commit(ctx))
	assert.True(t, tb.TryLock("row-1"))
	assert.Equal(t, 2, db.Begun())
}

func TestLockWaitsForHolder(t *testing.T) {
	ctx := context.Background()
	db := New()

	a, _ := db.Begin(ctx)
	b, _ := db.Begin(ctx)
	ta, _ := From(a)
	tb, _ := From(b)
	require.NoError(t, ta.Lock(ctx, "row-1"))

	acquired := make(chan error, 1)
	go func() { acquired <- tb.Lock(ctx, "row-1") }()
	select {
	case <-acquired:
		t.Fatal("lock taken while another transaction holds it")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, a.Commit(ctx))
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("lock not taken after the holder committed")
	}

	c, _ := db.Begin(ctx)
	tc, _ := From(c)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, tc.Lock(cancelled, "row-1"), context.Canceled)
}
