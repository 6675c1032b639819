// Package app wires configuration into a running ingestion stack. Both
// binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aluiziolira/go-deal-ingest/adapters"
	"github.com/aluiziolira/go-deal-ingest/api"
	"github.com/aluiziolira/go-deal-ingest/config"
	"github.com/aluiziolira/go-deal-ingest/dedup"
	"github.com/aluiziolira/go-deal-ingest/events"
	"github.com/aluiziolira/go-deal-ingest/metrics"
	"github.com/aluiziolira/go-deal-ingest/normalizer"
	"github.com/aluiziolira/go-deal-ingest/pipeline"
	"github.com/aluiziolira/go-deal-ingest/storage/postgres"
	"github.com/aluiziolira/go-deal-ingest/storage/sqlite"
)

// catalogStore is what both listing backends provide.
type catalogStore interface {
	dedup.Catalog
	pipeline.ListingStore
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	transport http.RoundTripper
	bus       events.Bus
}

// WithTransport routes all adapter HTTP through rt.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *buildOptions) { o.transport = rt }
}

// WithBus publishes events to bus in addition to the log.
func WithBus(bus events.Bus) Option {
	return func(o *buildOptions) { o.bus = bus }
}

// App is a fully wired ingestion stack.
type App struct {
	Config   *config.Config
	Service  *pipeline.Service
	Recorder *metrics.Recorder
	Janitor  *pipeline.Janitor
	Sessions *sqlite.SessionStore

	logger  *slog.Logger
	db      *sqlite.DB
	pool    *pgxpool.Pool
	amqp    *events.AMQPBus
	metrics *sqlite.MetricStore

	stopJanitor context.CancelFunc
	janitorDone chan struct{}
}

// Build opens storage, connects optional backends and starts the worker
// pool. The caller must Close the returned App.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	a.db, err = sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.Sessions = a.db.Sessions()
	a.metrics = a.db.Metrics()
	if n, err := a.Sessions.FailInterrupted(ctx, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("recover interrupted sessions: %w", err)
	} else if n > 0 {
		logger.Warn("marked interrupted sessions failed", slog.Int64("count", n))
	}

	listings, err := a.listingStore(ctx)
	if err != nil {
		return nil, err
	}

	bus, err := a.eventBus(o.bus)
	if err != nil {
		return nil, err
	}
	validator, err := events.NewValidator()
	if err != nil {
		return nil, err
	}

	router, err := adapters.NewDefaultRouter(cfg, adapters.Options{
		Transport: o.transport,
		UserAgent: cfg.UserAgent,
		Limiter:   adapters.NewDomainLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	catalog := normalizer.DefaultCPUCatalog()
	if cfg.CPUCatalogPath != "" {
		if catalog, err = normalizer.LoadCPUCatalog(cfg.CPUCatalogPath); err != nil {
			return nil, err
		}
	}
	norm, err := normalizer.New(normalizer.NewStaticRates(cfg.CurrencyRates), catalog, normalizer.Options{
		CacheSize: cfg.CPUCacheSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	payloads := a.db.Payloads(cfg.RawPayloadMaxBytes, cfg.RawPayloadTTLDays)
	a.Recorder = metrics.New(cfg.MetricsWindow)
	orch, err := pipeline.NewOrchestrator(pipeline.Deps{
		Router:     router,
		Sessions:   a.Sessions,
		Payloads:   payloads,
		Listings:   listings,
		Normalizer: norm,
		Dedup:      dedup.New(listings, logger),
		Events: events.NewService(bus, validator, events.Thresholds{
			Pct: cfg.PriceChangeThresholdPct,
			Abs: decimal.NewFromFloat(cfg.PriceChangeThresholdAbs),
		}, logger),
		Metrics: a.Recorder,
		Retry:   cfg.Retry,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	a.Service = pipeline.NewService(orch, a.Sessions, pipeline.ServiceConfig{
		Workers:     cfg.Workers,
		QueueSize:   cfg.QueueSize,
		MaxBulkURLs: cfg.MaxBulkURLs,
	}, logger)
	a.Janitor = pipeline.NewJanitor(payloads, a.metrics, a.Recorder,
		cfg.SweepInterval, cfg.MetricsFlushInterval, logger)

	logger.Info("ingestion stack ready",
		slog.Any("adapters", router.Names()),
		slog.Int("workers", cfg.Workers),
		slog.Bool("postgres", a.pool != nil),
		slog.Bool("amqp", a.amqp != nil),
	)
	return a, nil
}

func (a *App) listingStore(ctx context.Context) (catalogStore, error) {
	if a.Config.PostgresDSN == "" {
		return a.db.Listings(), nil
	}
	pool, err := postgres.Connect(ctx, a.Config.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	store, err := postgres.NewListingStore(pool)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (a *App) eventBus(extra events.Bus) (events.Bus, error) {
	buses := events.FanoutBus{events.NewLogBus(a.logger)}
	if extra != nil {
		buses = append(buses, extra)
	}
	if a.Config.AMQPURL != "" {
		bus, err := events.DialAMQP(a.Config.AMQPURL, a.Config.AMQPExchange)
		if err != nil {
			return nil, err
		}
		a.amqp = bus
		buses = append(buses, bus)
	}
	return buses, nil
}

// StartJanitor runs the payload sweep and metric flush loop in the
// background until Close.
func (a *App) StartJanitor() {
	if a.stopJanitor != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.stopJanitor = cancel
	a.janitorDone = make(chan struct{})
	go func() {
		defer close(a.janitorDone)
		a.Janitor.Run(ctx)
	}()
}

// Handler returns the HTTP API for this stack.
func (a *App) Handler() http.Handler {
	return api.NewRouter(a.Service, a.Recorder, a.Recorder.Registry, a.logger)
}

// Close drains the worker pool, flushes health metrics and releases every
// backend.
func (a *App) Close() error {
	var errs []error
	if a.Service != nil {
		if err := a.Service.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	switch {
	case a.stopJanitor != nil:
		a.stopJanitor()
		<-a.janitorDone
	case a.Janitor != nil:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.Janitor.Flush(ctx)
		cancel()
	}
	errs = append(errs, a.closeBackends())
	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	if a.amqp != nil {
		errs = append(errs, a.amqp.Close())
		a.amqp = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}
