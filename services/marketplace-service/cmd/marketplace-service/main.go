package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/dishpatch/libs/config"
	"github.com/md-rashed-zaman/dishpatch/libs/db"
	"github.com/md-rashed-zaman/dishpatch/libs/httpx"
	"github.com/md-rashed-zaman/dishpatch/libs/kafkax"
	otelx "github.com/md-rashed-zaman/dishpatch/libs/otel"
	"github.com/md-rashed-zaman/dishpatch/libs/runtime"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/app"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/catalog"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/inbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/outbox"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/projections"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reconcile"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/internal/reviews"
	"github.com/md-rashed-zaman/dishpatch/services/marketplace-service/migrations"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type serviceConfig struct {
	Service     string `env:"SERVICE_NAME" envDefault:"marketplace-service"`
	Port        string `env:"PORT" envDefault:"8090"`
	GRPCPort    string `env:"GRPC_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMigrate   bool   `env:"DB_MIGRATE" envDefault:"true"`

	// Empty RedisAddr disables the search index and the shared rate limiter.
	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	RedisDB           int    `env:"REDIS_DB" envDefault:"0"`
	SearchIndexPrefix string `env:"SEARCH_INDEX_PREFIX" envDefault:"search"`

	KafkaBrokers    string   `env:"KAFKA_BROKERS"`
	RelayEventTypes []string `env:"KAFKA_RELAY_EVENT_TYPES" envSeparator:","`

	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RateLimitFailOpen  bool     `env:"RATE_LIMIT_FAIL_OPEN" envDefault:"true"`
	CORSOrigins        []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	MaxBodyBytes       int64    `env:"MAX_BODY_BYTES" envDefault:"1048576"`

	Outbox    outbox.Config
	Reconcile reconcile.Config
}

// redisOptions returns nil when Redis is not configured.
func (c serviceConfig) redisOptions() *redis.Options {
	if c.RedisAddr == "" {
		return nil
	}
	return &redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

func main() {
	cfg, err := config.Parse[serviceConfig]()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service, cfg.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	if cfg.DBMigrate {
		if err := db.Migrate(cfg.DatabaseURL, migrations.FS, "."); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: cfg.DBMaxConns})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	readyChecks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}

	var rdb *redis.Client
	if opts := cfg.redisOptions(); opts != nil {
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	var writer *kafka.Writer
	if cfg.KafkaBrokers != "" {
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(kafkax.SplitBrokers(cfg.KafkaBrokers)...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
		defer func() { _ = writer.Close() }()
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	views := projections.NewPostgresStore(pool)
	deps := app.Deps{
		DB: pool,
		Stores: app.Stores{
			Outbox:    outbox.NewRepository(pool),
			Inbox:     inbox.NewRepository(),
			Catalog:   catalog.NewRepository(),
			Reviews:   reviews.NewRepository(),
			MenuViews: views,
			Summaries: views,
		},
		Pool:        pool,
		RelayTypes:  cfg.RelayEventTypes,
		Registerer:  reg,
		Logger:      logger,
		Outbox:      cfg.Outbox,
		Reconcile:   cfg.Reconcile,
		SearchIndex: cfg.SearchIndexPrefix,
	}
	if rdb != nil {
		deps.Redis = rdb
	}
	if writer != nil {
		deps.Kafka = writer
	}
	a, err := app.New(deps)
	if err != nil {
		logger.Error("wiring failed", "err", err)
		panic(err)
	}

	go a.Processor.Run(ctx)
	go a.Scheduler.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	routes := a.Handler.Routes()
	mux.Handle("/api/", routes)
	mux.Handle("/admin/", routes)

	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRateLimit(rateLimiter(rdb, cfg.RateLimitPerMinute), logger, cfg.RateLimitFailOpen),
		httpx.WithCORS(httpx.CORSPolicy{AllowedOrigins: cfg.CORSOrigins, MaxAge: 10 * time.Minute}),
		httpx.WithBodyLimit(cfg.MaxBodyBytes),
	)
	handler = otelhttp.NewHandler(handler, "marketplace")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
		}
	}()

	if err := startGrpcServer(ctx, logger, cfg.GRPCPort); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")

	// Deliver what committed before the signal so read models are not left
	// waiting for the next start.
	n := a.Processor.Drain(shutdownCtx, a.Processor.Config().DrainTimeout)
	logger.Info("outbox drained", "processed", n)
}

func rateLimiter(rdb *redis.Client, perMinute int) httpx.Limiter {
	if rdb != nil {
		return httpx.NewRedisRateLimiter(rdb, perMinute, time.Minute, "ratelimit:marketplace")
	}
	return httpx.NewMemoryRateLimiter(perMinute, time.Minute)
}
