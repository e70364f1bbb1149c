// Package scheduler periodically analyses running experiments and applies
// their auto-stop rules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/mlroute/pkg/experiment"
	"github.com/zen-systems/mlroute/pkg/observability"
)

// Evaluator is the part of the experiment manager the scheduler drives.
type Evaluator interface {
	GetRunningTests(ctx context.Context) ([]experiment.Config, error)
	EvaluateAutoStop(ctx context.Context, id string) (experiment.Outcome, error)
}

// TransitionHook is called after a tick changed a test's status.
type TransitionHook func(ctx context.Context, outcome experiment.Outcome)

// Config controls tick frequency and fan-out.
type Config struct {
	// Interval between ticks. Sub-second intervals are rounded up to one
	// second by cron.
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds a single tick.
	Timeout time.Duration `yaml:"timeout"`
	// Concurrency caps how many tests are analysed at once.
	Concurrency int `yaml:"concurrency"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		Concurrency: 4,
	}
}

// Report summarises one tick.
type Report struct {
	Evaluated   int
	Failed      int
	Transitions []experiment.Outcome
}

// Scheduler runs Tick on a cron schedule.
type Scheduler struct {
	evaluator Evaluator
	cfg       Config
	hook      TransitionHook
	metrics   *observability.Metrics
	logger    *slog.Logger

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTransitionHook registers a hook for tests that changed status.
func WithTransitionHook(hook TransitionHook) Option {
	return func(s *Scheduler) { s.hook = hook }
}

// WithMetrics counts ticks.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a stopped scheduler. Zero config fields take their defaults.
func New(evaluator Evaluator, cfg Config, opts ...Option) (*Scheduler, error) {
	if evaluator == nil {
		return nil, errors.New("scheduler: evaluator is required")
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}

	s := &Scheduler{
		evaluator: evaluator,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", cfg.Interval), s.run); err != nil {
		s.cancel()
		return nil, fmt.Errorf("schedule analysis: %w", err)
	}
	return s, nil
}

// Start begins ticking. Calling it again, or after Stop, does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.ctx.Err() != nil {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "interval", s.cfg.Interval.String())
}

// Stop cancels any running tick and waits for it to return. It is safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	if _, err := s.Tick(ctx); err != nil {
		s.logger.Warn("scheduler tick failed", "error", err)
	}
}

// Tick evaluates every running test once. A failing test is logged and
// counted but never stops the others; only a failure to list tests is
// returned.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	tests, err := s.evaluator.GetRunningTests(ctx)
	if err != nil {
		s.metrics.SchedulerTick(1)
		return Report{}, fmt.Errorf("list running tests: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Evaluated: len(tests)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, cfg := range tests {
		id := cfg.ID
		g.Go(func() error {
			outcome, err := s.evaluator.EvaluateAutoStop(gctx, id)
			if err != nil {
				s.logger.Warn("auto-stop evaluation failed", "test_id", id, "error", err)
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}
			if !outcome.Transitioned() {
				return nil
			}
			s.logger.Info("test auto-stopped",
				"test_id", id,
				"to", string(outcome.To),
				"reason", outcome.Reason)
			mu.Lock()
			report.Transitions = append(report.Transitions, outcome)
			mu.Unlock()
			if s.hook != nil {
				s.hook(gctx, outcome)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.SchedulerTick(report.Failed)
	return report, nil
}
