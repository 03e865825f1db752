// Package reconcile audits read models out of band: it backfills views that
// were never built, deletes views whose source stopped qualifying and
// rebuilds the stalest views so a lost event cannot leave a view wrong for
// longer than one interval.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/projections"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Enabled           bool          `env:"RECONCILE_ENABLED" envDefault:"true"`
	InitialDelay      time.Duration `env:"RECONCILE_INITIAL_DELAY" envDefault:"30s"`
	BackfillBatchSize int           `env:"RECONCILE_BACKFILL_BATCH_SIZE" envDefault:"100"`
	BatchSize         int           `env:"RECONCILE_BATCH_SIZE" envDefault:"50"`
	Interval          time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	MaxParallelism    int           `env:"RECONCILE_MAX_PARALLELISM" envDefault:"4"`
	DeleteOrphans     bool          `env:"RECONCILE_DELETE_ORPHANS" envDefault:"true"`
	LogEveryN         int           `env:"RECONCILE_LOG_EVERY_N" envDefault:"50"`
}

func (c Config) normalize() Config {
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.BackfillBatchSize <= 0 {
		c.BackfillBatchSize = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxParallelism <= 0 {
		c.MaxParallelism = 4
	}
	if c.LogEveryN <= 0 {
		c.LogEveryN = 50
	}
	return c
}

type Pass string

const (
	PassBackfill Pass = "backfill"
	PassOrphans  Pass = "orphans"
	PassStale    Pass = "stale"
)

// PassResult counts the outcomes of one pass over one read model.
type PassResult struct {
	ReadModel string `json:"read_model"`
	Pass      Pass   `json:"pass"`
	Upserted  int    `json:"upserted"`
	Deleted   int    `json:"deleted"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

func (r PassResult) Total() int { return r.Upserted + r.Deleted + r.Failed }

type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Passes    []PassResult  `json:"passes"`
}

type Metrics struct {
	items *prometheus.CounterVec
	runs  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "items_total",
			Help:      "Read-model keys handled by reconciliation, by pass and outcome.",
		}, []string{"read_model", "pass", "outcome"}),
		runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "runs_total",
			Help:      "Completed reconciliation runs.",
		}),
	}
}

func (m *Metrics) observe(model string, pass Pass, outcome projections.Outcome) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(model, string(pass), string(outcome)).Inc()
}

func (m *Metrics) observeRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

// Scheduler sweeps every target. Several instances may run at once: each
// item is an idempotent rebuild in its own transaction.
type Scheduler struct {
	db      db.Beginner
	targets []projections.Reconcilable
	logger  *slog.Logger
	metrics *Metrics
	cfg     Config

	mu  sync.Mutex
	now func() time.Time
}

func NewScheduler(beginner db.Beginner, targets []projections.Reconcilable, logger *slog.Logger, metrics *Metrics, cfg Config) *Scheduler {
	return &Scheduler{
		db:      beginner,
		targets: targets,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg.normalize(),
		now:     time.Now,
	}
}

func (s *Scheduler) Config() Config { return s.cfg }

// Run waits InitialDelay, then sweeps every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("reconciliation disabled")
		return
	}
	s.logger.Info("reconciliation scheduled",
		"initial_delay", s.cfg.InitialDelay.String(),
		"interval", s.cfg.Interval.String(),
		"max_parallelism", s.cfg.MaxParallelism,
	)
	delay := time.NewTimer(s.cfg.InitialDelay)
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs the three passes over every target. Concurrent calls are
// serialized within one process.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{StartedAt: s.now().UTC()}
	for _, target := range s.targets {
		if ctx.Err() != nil {
			break
		}
		report.Passes = append(report.Passes, s.Backfill(ctx, target))
		if s.cfg.DeleteOrphans {
			report.Passes = append(report.Passes, s.CleanupOrphans(ctx, target))
		}
		report.Passes = append(report.Passes, s.RefreshStalest(ctx, target))
	}
	report.Duration = s.now().Sub(report.StartedAt)
	s.metrics.observeRun()

	for _, p := range report.Passes {
		if p.Total() > 0 || p.Error != "" {
			s.logger.Info("reconciliation pass done",
				"read_model", p.ReadModel,
				"pass", string(p.Pass),
				"upserted", p.Upserted,
				"deleted", p.Deleted,
				"failed", p.Failed,
				"err", p.Error,
			)
		}
	}
	return report
}

// Backfill builds up to BackfillBatchSize views that are missing. A source
// that stopped qualifying in the meantime has its view deleted instead.
func (s *Scheduler) Backfill(ctx context.Context, target projections.Reconcilable) PassResult {
	return s.sweep(ctx, target, PassBackfill, target.Missing, s.cfg.BackfillBatchSize)
}

// CleanupOrphans deletes up to BatchSize views whose source no longer
// qualifies. Refresh re-checks the predicate, so a source that qualifies
// again by now is rebuilt rather than deleted.
func (s *Scheduler) CleanupOrphans(ctx context.Context, target projections.Reconcilable) PassResult {
	return s.sweep(ctx, target, PassOrphans, target.Orphans, s.cfg.BatchSize)
}

// RefreshStalest rebuilds the BatchSize least recently rebuilt views.
func (s *Scheduler) RefreshStalest(ctx context.Context, target projections.Reconcilable) PassResult {
	return s.sweep(ctx, target, PassStale, target.Stalest, s.cfg.BatchSize)
}

func (s *Scheduler) sweep(ctx context.Context, target projections.Reconcilable, pass Pass, find func(context.Context, int) ([]uuid.UUID, error), limit int) PassResult {
	res := PassResult{ReadModel: target.Name(), Pass: pass}
	keys, err := find(ctx, limit)
	if err != nil {
		res.Error = err.Error()
		s.logger.Error("reconciliation query failed", "read_model", target.Name(), "pass", string(pass), "err", err)
		return res
	}
	if len(keys) == 0 {
		return res
	}

	var upserted, deleted, failed, done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelism)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := s.refresh(gctx, target, key)
			s.metrics.observe(target.Name(), pass, outcome)
			switch outcome {
			case projections.OutcomeUpserted:
				upserted.Add(1)
			case projections.OutcomeDeleted:
				deleted.Add(1)
			default:
				failed.Add(1)
				s.logger.Warn("reconciliation item failed",
					"read_model", target.Name(),
					"pass", string(pass),
					"key", key,
					"err", err,
				)
			}
			if n := done.Add(1); n%int64(s.cfg.LogEveryN) == 0 {
				s.logger.Info("reconciliation progress",
					"read_model", target.Name(),
					"pass", string(pass),
					"done", n,
					"total", len(keys),
				)
			}
			// Item failures never cancel the rest of the batch.
			return nil
		})
	}
	_ = g.Wait()

	res.Upserted = int(upserted.Load())
	res.Deleted = int(deleted.Load())
	res.Failed = int(failed.Load())
	return res
}

func (s *Scheduler) refresh(ctx context.Context, target projections.Reconcilable, key uuid.UUID) (projections.Outcome, error) {
	outcome := projections.OutcomeFailed
	err := db.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		outcome, err = projections.Refresh(ctx, tx, target, key)
		return err
	})
	if err != nil {
		return projections.OutcomeFailed, fmt.Errorf("%s %s: %w", target.Name(), key, err)
	}
	return outcome, nil
}

// ErrUnknownTarget is returned by RunTarget for an unregistered read model.
var ErrUnknownTarget = errors.New("unknown read model")

// RunTarget runs the passes for the named read model only.
func (s *Scheduler) RunTarget(ctx context.Context, name string) (Report, error) {
	for _, t := range s.targets {
		if t.Name() != name {
			continue
		}
		sub := &Scheduler{db: s.db, targets: []projections.Reconcilable{t}, logger: s.logger, metrics: s.metrics, cfg: s.cfg, now: s.now}
		s.mu.Lock()
		defer s.mu.Unlock()
		return sub.RunOnce(ctx), nil
	}
	return Report{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
}

// Targets lists the read-model names the scheduler sweeps.
func (s *Scheduler) Targets() []string {
	names := make([]string, len(s.targets))
	for i, t := range s.targets {
		names[i] = t.Name()
	}
	return names
}
