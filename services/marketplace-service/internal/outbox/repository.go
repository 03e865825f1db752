package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
)

// Repository is the Postgres outbox_messages store.
type Repository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

const messageColumns = `id, type, content, occurred_on_utc, aggregate_type, aggregate_id, attempt,
	next_attempt_on_utc, processed_on_utc, error, correlation_id, causation_id,
	traceparent, tracestate, dead_lettered_on_utc, seq`

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO outbox_messages
				(id, type, content, occurred_on_utc, aggregate_type, aggregate_id, attempt,
				 correlation_id, causation_id, traceparent, tracestate)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), 0, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
		`, m.ID, m.Type, m.Content, m.OccurredAt, m.AggregateType, m.AggregateID,
			m.CorrelationID, m.CausationID, m.Traceparent, m.Tracestate)
	}
	br := tx.SendBatch(ctx, batch)
	for _, m := range msgs {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert outbox message %s: %w", m.ID, err)
		}
	}
	return br.Close()
}

func (r *Repository) FetchDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Message, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+messageColumns+`
		FROM outbox_messages
		WHERE processed_on_utc IS NULL
		  AND dead_lettered_on_utc IS NULL
		  AND (next_attempt_on_utc IS NULL OR next_attempt_on_utc <= $1)
		ORDER BY occurred_on_utc, seq
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *Repository) MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_messages
		SET processed_on_utc = $2, error = NULL, next_attempt_on_utc = NULL
		WHERE id = $1
	`, id, at)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, f Failure) error {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_messages
		SET attempt = $2, next_attempt_on_utc = $3, error = $4, dead_lettered_on_utc = $5
		WHERE id = $1
	`, f.ID, f.Attempt, f.NextAttemptAt, f.Error, f.DeadLetteredAt)
	return err
}

func (r *Repository) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE processed_on_utc IS NULL AND dead_lettered_on_utc IS NULL AND attempt = 0),
			count(*) FILTER (WHERE processed_on_utc IS NULL AND dead_lettered_on_utc IS NULL AND attempt > 0),
			count(*) FILTER (WHERE processed_on_utc IS NOT NULL),
			count(*) FILTER (WHERE processed_on_utc IS NULL AND dead_lettered_on_utc IS NOT NULL),
			min(occurred_on_utc) FILTER (WHERE processed_on_utc IS NULL AND dead_lettered_on_utc IS NULL)
		FROM outbox_messages
	`).Scan(&s.Pending, &s.Retrying, &s.Processed, &s.DeadLettered, &s.OldestPendingAt)
	return s, err
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Message, error) {
	var (
		where []string
		args  []any
	)
	switch f.Status {
	case StatusPending:
		where = append(where, "processed_on_utc IS NULL AND dead_lettered_on_utc IS NULL AND attempt = 0")
	case StatusRetrying:
		where = append(where, "processed_on_utc IS NULL AND dead_lettered_on_utc IS NULL AND attempt > 0")
	case StatusProcessed:
		where = append(where, "processed_on_utc IS NOT NULL")
	case StatusDeadLettered:
		where = append(where, "processed_on_utc IS NULL AND dead_lettered_on_utc IS NOT NULL")
	case "":
	default:
		return nil, fmt.Errorf("unknown status %q", f.Status)
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + messageColumns + ` FROM outbox_messages`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY occurred_on_utc DESC, seq DESC LIMIT $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Message, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+messageColumns+` FROM outbox_messages WHERE id = $1`, id)
	if err != nil {
		return Message{}, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrMessageNotFound
	}
	return msgs[0], nil
}

func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET attempt = 0, next_attempt_on_utc = NULL, dead_lettered_on_utc = NULL
		WHERE id = $1 AND processed_on_utc IS NULL
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func collectMessages(rows pgx.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var (
			m                                     Message
			aggregateID, errText, corrID, causeID *string
		)
		if err := rows.Scan(&m.ID, &m.Type, &m.Content, &m.OccurredAt, &m.AggregateType, &aggregateID,
			&m.Attempt, &m.NextAttemptAt, &m.ProcessedAt, &errText, &corrID, &causeID,
			&m.Traceparent, &m.Tracestate, &m.DeadLetteredAt, &m.Seq); err != nil {
			return nil, err
		}
		m.AggregateID = deref(aggregateID)
		m.Error = deref(errText)
		m.CorrelationID = deref(corrID)
		m.CausationID = deref(causeID)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ interface {
	Store
	Inspector
} = (*Repository)(nil)
