// Package service assembles mlroute's components from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zen-systems/mlroute/pkg/adapter"
	"github.com/zen-systems/mlroute/pkg/api"
	"github.com/zen-systems/mlroute/pkg/archive"
	"github.com/zen-systems/mlroute/pkg/config"
	"github.com/zen-systems/mlroute/pkg/executor"
	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/observability"
	"github.com/zen-systems/mlroute/pkg/policy"
	"github.com/zen-systems/mlroute/pkg/router"
	"github.com/zen-systems/mlroute/pkg/scheduler"
	"github.com/zen-systems/mlroute/pkg/usage"
)

// Service owns every long-lived component.
type Service struct {
	Config      *config.Config
	Logger      *slog.Logger
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
	Engine      *router.Engine
	Tiers       *policy.Registry
	Experiments *experiment.Manager
	Adapters    adapter.Registry
	Executor    *executor.Executor
	Usage       *usage.MemoryTracker
	Reporter    *usage.Reporter
	Limiter     *usage.TierLimiter
	Scheduler   *scheduler.Scheduler
	Archive     *archive.Store

	shutdownTracing func(context.Context) error
	cancel          context.CancelFunc
	closeOnce       sync.Once
	closeErr        error
}

// Option configures New.
type Option func(*options)

type options struct {
	logOutput io.Writer
	store     experiment.Store
	scorer    executor.Scorer
}

// WithLogOutput redirects logs, which default to stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOutput = w }
}

// WithExperimentStore overrides the store selected by configuration.
func WithExperimentStore(s experiment.Store) Option {
	return func(o *options) { o.store = s }
}

// WithQualityScorer rates completed responses so experiments can compare
// observed quality.
func WithQualityScorer(sc executor.Scorer) Option {
	return func(o *options) { o.scorer = sc }
}

// New builds the components. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service: config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		Config:          cfg,
		Logger:          observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, o.logOutput),
		Registry:        prometheus.NewRegistry(),
		shutdownTracing: func(context.Context) error { return nil },
	}
	s.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = observability.NewMetrics(s.Registry)

	shutdown, err := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName: "mlroute",
		Endpoint:    cfg.Server.TracingEndpoint,
		Insecure:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	store := o.store
	if store == nil {
		store, err = openStore(ctx, cfg.Store)
		if err != nil {
			_ = s.Close(ctx)
			return nil, err
		}
	}
	s.Experiments, err = experiment.NewManager(
		experiment.WithStore(store),
		experiment.WithCacheSize(cfg.Scheduler.CacheSize),
		experiment.WithMetrics(s.Metrics),
		experiment.WithLogger(s.Logger),
	)
	if err != nil {
		_ = store.Close()
		_ = s.Close(ctx)
		return nil, err
	}

	s.Tiers = policy.NewRegistryFromConfig(cfg.RoutingConfig)
	s.Engine = router.NewEngine(cfg.RoutingConfig,
		router.WithKeyResolver(cfg),
		router.WithTiers(s.Tiers),
		router.WithVariantSelector(s.Experiments),
		router.WithMetrics(s.Metrics),
		router.WithLogger(s.Logger),
	)

	s.Adapters, err = adapter.NewRegistry(cfg)
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("create adapters: %w", err)
	}

	s.Usage = usage.NewMemoryTracker(usage.MemoryConfig{})
	s.Reporter = usage.NewReporter(s.Usage,
		usage.WithReporterMetrics(s.Metrics),
		usage.WithReporterLogger(s.Logger),
	)
	s.Limiter = usage.NewTierLimiter()
	s.Executor = executor.New(s.Adapters, s.Engine,
		executor.WithReporter(s.Reporter),
		executor.WithResultRecorder(s.Experiments),
		executor.WithMetrics(s.Metrics),
		executor.WithLogger(s.Logger),
		executor.WithScorer(o.scorer),
	)

	s.Archive, err = archive.NewStore(cfg.Server.ArchiveDir)
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("open archive: %w", err)
	}
	s.Archive.Signer, err = archive.LoadOrCreateSigner(filepath.Join(cfg.ConfigDir, "keys"), "archive")
	if err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("load archive key: %w", err)
	}

	s.Scheduler, err = scheduler.New(s.Experiments, scheduler.Config{
		Interval:    cfg.Scheduler.Interval,
		Timeout:     cfg.Scheduler.Timeout,
		Concurrency: cfg.Scheduler.Concurrency,
	},
		scheduler.WithTransitionHook(s.archiveOutcome),
		scheduler.WithMetrics(s.Metrics),
		scheduler.WithLogger(s.Logger),
	)
	if err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return s, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (experiment.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return experiment.NewMemoryStore(), nil
	case experiment.DialectSQLite, experiment.DialectPostgres:
		store, err := experiment.OpenSQLStore(ctx, cfg.Driver, cfg.DSN, experiment.DefaultSQLConfig())
		if err != nil {
			return nil, fmt.Errorf("open %s experiment store: %w", cfg.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func (s *Service) archiveOutcome(_ context.Context, o experiment.Outcome) {
	report, err := s.Archive.ArchiveOutcome(o)
	if err != nil {
		s.Logger.Warn("archive outcome failed", "test_id", o.TestID, "error", err)
		return
	}
	s.Logger.Info("archived test outcome",
		"test_id", o.TestID,
		"to", string(o.To),
		"analysis", report.Analysis.SHA256)
}

// Start runs the scheduler and, when the catalog came from a file, reloads
// it on change.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if path := s.Config.RoutingPath; path != "" {
		if err := config.WatchRoutingConfig(ctx, path, s.reloadCatalog, s.Logger); err != nil {
			cancel()
			return fmt.Errorf("watch routing config: %w", err)
		}
	}
	s.Scheduler.Start()
	return nil
}

func (s *Service) reloadCatalog(cfg *config.RoutingConfig) {
	s.Engine.SetCatalog(cfg)
	next := policy.NewRegistryFromConfig(cfg)
	for _, name := range next.Names() {
		if t, err := next.Get(name); err == nil {
			s.Tiers.Register(t)
		}
	}
	s.Logger.Info("routing catalog reloaded", "targets", len(cfg.Targets()))
}

// Handler returns the HTTP surface.
func (s *Service) Handler() http.Handler {
	srv := &api.Server{
		Router:      s.Engine,
		Experiments: s.Experiments,
		Executor:    s.Executor,
		Tiers:       s.Tiers,
		Limiter:     s.Limiter,
		Reporter:    s.Reporter,
		Usage:       s.Usage,
		Archive:     s.Archive,
		Metrics:     promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}),
		Logger:      s.Logger,
	}
	return srv.Handler()
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Service) Serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Config.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops background work, flushes usage reports and releases the
// store. It is safe to call more than once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.Scheduler != nil {
			s.Scheduler.Stop()
		}
		s.Reporter.Wait()
		var errs []error
		if s.Experiments != nil {
			errs = append(errs, s.Experiments.Close())
		}
		errs = append(errs, s.shutdownTracing(ctx))
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
