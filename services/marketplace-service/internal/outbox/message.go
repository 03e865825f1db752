package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrMessageNotFound = errors.New("outbox message not found")

// Message is the durable envelope around one serialized domain event.
// ID equals the event id. Seq is assigned by the store on insert and orders
// messages that share OccurredAt.
type Message struct {
	ID             uuid.UUID
	Type           string
	Content        []byte
	OccurredAt     time.Time
	AggregateType  string
	AggregateID    string
	Attempt        int
	NextAttemptAt  *time.Time
	ProcessedAt    *time.Time
	Error          string
	CorrelationID  string
	CausationID    string
	Traceparent    string
	Tracestate     string
	DeadLetteredAt *time.Time
	Seq            int64
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusRetrying     Status = "retrying"
	StatusProcessed    Status = "processed"
	StatusDeadLettered Status = "dead_lettered"
)

func (m Message) Status() Status {
	switch {
	case m.ProcessedAt != nil:
		return StatusProcessed
	case m.DeadLetteredAt != nil:
		return StatusDeadLettered
	case m.Attempt > 0:
		return StatusRetrying
	default:
		return StatusPending
	}
}

// Due reports whether the processor may pick the message up at now.
func (m Message) Due(now time.Time) bool {
	if m.ProcessedAt != nil || m.DeadLetteredAt != nil {
		return false
	}
	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

// Failure records one unsuccessful dispatch.
type Failure struct {
	ID             uuid.UUID
	Attempt        int
	NextAttemptAt  time.Time
	Error          string
	DeadLetteredAt *time.Time
}

// Store is the delivery-state side of the outbox used by the write path and
// the processor. Every call runs inside the caller's transaction.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, msgs ...Message) error
	// FetchDue locks up to limit due rows, skipping rows locked by others.
	FetchDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, f Failure) error
}

type Summary struct {
	Pending         int64      `json:"pending"`
	Retrying        int64      `json:"retrying"`
	Processed       int64      `json:"processed"`
	DeadLettered    int64      `json:"dead_lettered"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

type Filter struct {
	Status Status
	Type   string
	Limit  int
}

// Inspector backs the operator endpoints.
type Inspector interface {
	Summary(ctx context.Context) (Summary, error)
	List(ctx context.Context, f Filter) ([]Message, error)
	Get(ctx context.Context, id uuid.UUID) (Message, error)
	// Requeue makes a failed or dead-lettered message due immediately.
	Requeue(ctx context.Context, id uuid.UUID) error
}
