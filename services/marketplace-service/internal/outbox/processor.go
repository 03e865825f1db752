package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	otelx "github.com/md-rashed-zaman/dishpatch/libs/otel"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	BaseBackoff  time.Duration `env:"OUTBOX_BASE_BACKOFF" envDefault:"500ms"`
	MaxBackoff   time.Duration `env:"OUTBOX_MAX_BACKOFF" envDefault:"5m"`
	// MaxAttempts of 0 retries forever.
	MaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"0"`
	DrainTimeout time.Duration `env:"OUTBOX_DRAIN_TIMEOUT" envDefault:"10s"`
}

func (c Config) normalize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// EventDispatcher delivers one decoded event inside tx.
type EventDispatcher interface {
	Dispatch(ctx context.Context, tx pgx.Tx, evt events.Event) error
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithJitter replaces the random jitter source; fn receives the base backoff.
func WithJitter(fn func(base time.Duration) time.Duration) Option {
	return func(p *Processor) { p.jitter = fn }
}

// Processor polls due outbox rows and dispatches them. Several processors,
// in one process or many, can share a table: row locks partition the work.
type Processor struct {
	db         db.Beginner
	store      Store
	registry   *events.Registry
	dispatcher EventDispatcher
	logger     *slog.Logger
	metrics    *Metrics
	cfg        Config
	now        func() time.Time
	jitter     func(time.Duration) time.Duration
	tracer     trace.Tracer
}

func NewProcessor(beginner db.Beginner, store Store, registry *events.Registry, dispatcher EventDispatcher, logger *slog.Logger, metrics *Metrics, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		db:         beginner,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg.normalize(),
		now:        time.Now,
		jitter:     fullJitter,
		tracer:     otel.Tracer("github.com/md-rashed-zaman/dishpatch/outbox"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Config() Config { return p.cfg }

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll instead of waiting for the next tick.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("outbox processor started",
		"batch_size", p.cfg.BatchSize,
		"poll_interval", p.cfg.PollInterval.String(),
		"max_attempts", p.cfg.MaxAttempts,
	)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for p.ProcessOnce(ctx) == p.cfg.BatchSize && ctx.Err() == nil {
		}
		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Drain calls ProcessOnce until it returns 0, the timeout elapses or ctx
// is cancelled, and returns the total processed.
func (p *Processor) Drain(ctx context.Context, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	total := 0
	for ctx.Err() == nil {
		n := p.ProcessOnce(ctx)
		total += n
		if n == 0 || !time.Now().Before(deadline) {
			break
		}
	}
	return total
}

// ProcessOnce handles one batch in one transaction and returns how many rows
// were marked processed by the committed transaction. Dispatch errors are
// recorded on the rows and never returned.
func (p *Processor) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	start := time.Now()
	// Started messages finish even if ctx is cancelled mid-batch.
	work := context.WithoutCancel(ctx)

	tx, err := p.db.Begin(work)
	if err != nil {
		p.logger.Error("outbox begin failed", "err", err)
		return 0
	}
	defer func() { _ = tx.Rollback(work) }()

	msgs, err := p.store.FetchDue(work, tx, p.now().UTC(), p.cfg.BatchSize)
	if err != nil {
		p.logger.Error("outbox fetch failed", "err", err)
		return 0
	}
	if len(msgs) == 0 {
		_ = tx.Commit(work)
		p.metrics.observeBatch(0, 0, nil, 0, time.Since(start).Seconds())
		return 0
	}

	var (
		processed int
		failures  []string
		dead      int
	)
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		dispatchErr := p.deliver(work, tx, msg)
		if dispatchErr == nil {
			processed++
			continue
		}
		failures = append(failures, msg.Type)
		deadLettered, err := p.recordFailure(work, tx, msg, dispatchErr)
		if err != nil {
			p.logger.Error("outbox failure not recorded", "event_id", msg.ID, "event_type", msg.Type, "err", err)
			return 0
		}
		if deadLettered {
			dead++
		}
	}

	if err := tx.Commit(work); err != nil {
		p.logger.Error("outbox commit failed", "err", err)
		return 0
	}
	p.metrics.observeBatch(len(msgs), processed, failures, dead, time.Since(start).Seconds())
	if len(failures) > 0 {
		p.logger.Debug("outbox batch done", "fetched", len(msgs), "processed", processed, "failed", len(failures))
	}
	return processed
}

// deliver decodes and dispatches msg inside its own savepoint so a failure
// undoes only this message's effects.
func (p *Processor) deliver(ctx context.Context, tx pgx.Tx, msg Message) (err error) {
	ctx = otelx.ContextWithTraceContext(ctx, msg.Traceparent, msg.Tracestate)
	ctx, span := p.tracer.Start(ctx, "outbox.dispatch "+msg.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("outbox.event_id", msg.ID.String()),
			attribute.String("outbox.event_type", msg.Type),
			attribute.Int("outbox.attempt", msg.Attempt),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	defer func() { _ = sp.Rollback(ctx) }()

	evt, err := p.registry.Decode(msg.Type, msg.Content)
	if err != nil {
		return err
	}
	dctx := withDelivery(WithCausationID(WithCorrelationID(ctx, msg.CorrelationID), msg.ID.String()), msg)
	if err := p.dispatcher.Dispatch(dctx, sp, evt); err != nil {
		return err
	}
	if err := p.store.MarkProcessed(ctx, sp, msg.ID, p.now().UTC()); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return sp.Commit(ctx)
}

func (p *Processor) recordFailure(ctx context.Context, tx pgx.Tx, msg Message, cause error) (bool, error) {
	now := p.now().UTC()
	attempt := msg.Attempt + 1
	delay := Backoff(attempt, p.cfg.BaseBackoff, p.cfg.MaxBackoff, p.jitter(p.cfg.BaseBackoff))
	f := Failure{
		ID:            msg.ID,
		Attempt:       attempt,
		NextAttemptAt: now.Add(delay),
		Error:         cause.Error(),
	}
	deadLettered := p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts
	if deadLettered {
		f.DeadLetteredAt = &now
	}
	if err := p.store.MarkFailed(ctx, tx, f); err != nil {
		return false, err
	}

	attrs := []any{
		"event_id", msg.ID,
		"event_type", msg.Type,
		"attempt", attempt,
		"err", cause,
	}
	if deadLettered {
		p.logger.Error("outbox message dead-lettered", attrs...)
	} else {
		p.logger.Warn("outbox dispatch failed", append(attrs, "next_attempt_at", f.NextAttemptAt)...)
	}
	return deadLettered, nil
}
