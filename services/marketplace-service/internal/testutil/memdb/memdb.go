// Package memdb provides a pgx.Tx stand-in for tests that exercise
// transactional code without a database. Stores built on it record undo
// actions and row locks through the transaction, so savepoint rollback and
// SKIP LOCKED selection behave the way they do in Postgres.
package memdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

type DB struct {
	mu       sync.Mutex
	locks    map[string]*Tx
	released chan struct{}
	begun    int
}

func New() *DB {
	return &DB{locks: map[string]*Tx{}, released: make(chan struct{})}
}

func (d *DB) Begin(context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	d.begun++
	d.mu.Unlock()
	return &Tx{db: d}, nil
}

// Begun reports how many top-level transactions were started.
func (d *DB) Begun() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begun
}

// Tx is a top-level transaction or a savepoint inside one. Methods other
// than Begin, Commit and Rollback are not implemented and panic.
type Tx struct {
	pgx.Tx

	db     *DB
	parent *Tx
	undo   []func()
	locks  []string
	closed bool
}

// From returns the memdb transaction behind tx.
func From(tx pgx.Tx) (*Tx, error) {
	t, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("memdb: unexpected transaction type %T", tx)
	}
	if t.closed {
		return nil, pgx.ErrTxClosed
	}
	return t, nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) {
	if t.closed {
		return nil, pgx.ErrTxClosed
	}
	return &Tx{db: t.db, parent: t}, nil
}

func (t *Tx) Commit(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	if t.parent != nil {
		t.parent.undo = append(t.parent.undo, t.undo...)
		t.parent.locks = append(t.parent.locks, t.locks...)
		return nil
	}
	t.db.release(t.locks)
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.closed {
		return pgx.ErrTxClosed
	}
	t.closed = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.db.release(t.locks)
	return nil
}

// OnRollback registers fn to run if this transaction, or a savepoint that
// contains the change, is rolled back.
func (t *Tx) OnRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

// TryLock takes a row lock for the top-level transaction. It reports false
// when another transaction holds the lock.
func (t *Tx) TryLock(key string) bool {
	root := t.root()
	t.db.mu.Lock()
	defer t.db.mu.Unlock()
	owner, held := t.db.locks[key]
	if held {
		return owner == root
	}
	t.db.locks[key] = root
	t.locks = append(t.locks, key)
	return true
}

// Lock takes a row lock like TryLock but waits for the current holder to
// commit or roll back.
func (t *Tx) Lock(ctx context.Context, key string) error {
	for {
		t.db.mu.Lock()
		wait := t.db.released
		t.db.mu.Unlock()
		if t.TryLock(key) {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Tx) root() *Tx {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (d *DB) release(keys []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	for _, k := range keys {
		delete(d.locks, k)
	}
	close(d.released)
	d.released = make(chan struct{})
}
