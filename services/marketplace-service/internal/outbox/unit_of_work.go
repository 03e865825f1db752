package outbox

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
)

// Track registers aggregates whose events must be enqueued with the write.
type Track func(sources ...events.Source)

// UnitOfWork commits business state and its outbox rows in one transaction.
type UnitOfWork struct {
	db       db.Beginner
	enqueuer *Enqueuer
}

func NewUnitOfWork(beginner db.Beginner, enqueuer *Enqueuer) *UnitOfWork {
	return &UnitOfWork{db: beginner, enqueuer: enqueuer}
}

// Do runs fn, flushes the tracked aggregates and commits. Any error rolls
// back the state changes and the envelopes together.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx, track Track) error) error {
	return db.WithTx(ctx, u.db, func(tx pgx.Tx) error {
		var tracked []events.Source
		track := func(sources ...events.Source) {
			tracked = append(tracked, sources...)
		}
		if err := fn(ctx, tx, track); err != nil {
			return err
		}
		return u.enqueuer.Flush(ctx, tx, tracked...)
	})
}
