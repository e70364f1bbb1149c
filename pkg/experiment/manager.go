package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/observability"
)

// DefaultCacheSize is the number of analyses kept in memory.
const DefaultCacheSize = 256

// Manager owns the lifecycle of A/B tests on top of a Store. It is safe for
// concurrent use; lifecycle changes to one test are serialised while
// different tests proceed independently.
type Manager struct {
	store   Store
	cache   *lru.Cache[string, cachedAnalysis]
	locks   keyedMutex
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	cacheSize int
}

type cachedAnalysis struct {
	results    int
	status     Status
	maxReached bool
	analysis   Analysis
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore sets the backing store. The default is a MemoryStore.
func WithStore(s Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithCacheSize sets how many analyses are cached.
func WithCacheSize(n int) Option {
	return func(m *Manager) { m.cacheSize = n }
}

// WithMetrics records assignments, results, analyses and transitions.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the uuid generator used for tests and results.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// NewManager creates a manager.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		now:       time.Now,
		newID:     uuid.NewString,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "experiment")
	if m.cacheSize <= 0 {
		m.cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedAnalysis](m.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create analysis cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// Close closes the backing store.
func (m *Manager) Close() error { return m.store.Close() }

// CreateTest validates cfg and stores it as a draft. A missing id is
// generated and the salt defaults to the id. Lifecycle fields in cfg are
// ignored.
func (m *Manager) CreateTest(ctx context.Context, cfg Config) (Config, error) {
	cfg = cfg.Clone()
	if cfg.ID == "" {
		cfg.ID = m.newID()
	}
	if cfg.Salt == "" {
		cfg.Salt = cfg.ID
	}
	cfg.Status = StatusDraft
	cfg.CreatedAt = m.now().UTC()
	cfg.StartTime, cfg.EndTime = nil, nil
	cfg.StopReason = ""

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := m.store.CreateTest(ctx, cfg); err != nil {
		return Config{}, err
	}
	m.logger.Info("test created",
		"test_id", cfg.ID,
		"name", cfg.Name,
		"variant_a", cfg.VariantA.Provider+"/"+cfg.VariantA.Model,
		"variant_b", cfg.VariantB.Provider+"/"+cfg.VariantB.Model)
	return cfg, nil
}

// StartTest moves a draft or paused test to running. The start time is
// kept when resuming.
func (m *Manager) StartTest(ctx context.Context, id string) (Config, error) {
	return m.transition(ctx, id, StatusRunning, []Status{StatusDraft, StatusPaused}, func(cfg *Config, now time.Time) {
		if cfg.StartTime == nil {
			cfg.StartTime = &now
		}
	})
}

// PauseTest suspends a running test. Paused tests assign no variants and
// accept no results.
func (m *Manager) PauseTest(ctx context.Context, id string) (Config, error) {
	return m.transition(ctx, id, StatusPaused, []Status{StatusRunning}, nil)
}

// StopTest ends a running or paused test without a winner.
func (m *Manager) StopTest(ctx context.Context, id, reason string) (Config, error) {
	return m.transition(ctx, id, StatusStopped, []Status{StatusRunning, StatusPaused}, ended(reason))
}

// CompleteTest ends a running or paused test with a conclusion.
func (m *Manager) CompleteTest(ctx context.Context, id, reason string) (Config, error) {
	return m.transition(ctx, id, StatusCompleted, []Status{StatusRunning, StatusPaused}, ended(reason))
}

func ended(reason string) func(*Config, time.Time) {
	return func(cfg *Config, now time.Time) {
		cfg.EndTime = &now
		cfg.StopReason = reason
	}
}

func (m *Manager) transition(ctx context.Context, id string, to Status, from []Status, apply func(*Config, time.Time)) (Config, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cfg, err := m.store.GetTest(ctx, id)
	if err != nil {
		return Config{}, err
	}
	if !slices.Contains(from, cfg.Status) {
		return Config{}, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidStateTransition, id, cfg.Status, to)
	}
	prev := cfg.Status
	cfg.Status = to
	if apply != nil {
		apply(&cfg, m.now().UTC())
	}
	if err := m.store.UpdateTest(ctx, cfg); err != nil {
		return Config{}, err
	}
	m.metrics.Transition(string(to))
	m.logger.Info("test transitioned",
		"test_id", id,
		"from", string(prev),
		"to", string(to),
		"reason", cfg.StopReason)
	return cfg, nil
}

// UpdateWeights changes the variant weights of a test that has not
// finished. Existing assignments keep their variant.
func (m *Manager) UpdateWeights(ctx context.Context, id string, weightA, weightB float64) (Config, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cfg, err := m.store.GetTest(ctx, id)
	if err != nil {
		return Config{}, err
	}
	if cfg.Status.Terminal() {
		return Config{}, fmt.Errorf("%w: %s is %s", ErrInvalidStateTransition, id, cfg.Status)
	}
	cfg.VariantA.Weight, cfg.VariantB.Weight = weightA, weightB
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := m.store.UpdateTest(ctx, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RecordResult appends a result to a running test. Missing ids and
// timestamps are filled in and the prediction deltas are computed from the
// result's decision and actual outcome.
func (m *Manager) RecordResult(ctx context.Context, r Result) (Result, error) {
	if r.Variant != VariantA && r.Variant != VariantB {
		return Result{}, fmt.Errorf("%w: result variant %q", ErrInvalidResult, r.Variant)
	}

	unlock := m.locks.Lock(r.TestID)
	defer unlock()

	cfg, err := m.store.GetTest(ctx, r.TestID)
	if err != nil {
		return Result{}, err
	}
	if cfg.Status != StatusRunning {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrTestNotRunning, r.TestID, cfg.Status)
	}

	if r.ID == "" {
		r.ID = m.newID()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now().UTC()
	}
	r.Deltas = metric.Compare(r.Prediction.Prediction(), r.Actual)

	if err := m.store.AppendResult(ctx, r); err != nil {
		return Result{}, err
	}
	m.metrics.Result(string(r.Variant))
	return r, nil
}

// AnalyzeTest analyses the current results of a test. Repeated calls with
// no new results and no status change return identical analyses.
func (m *Manager) AnalyzeTest(ctx context.Context, id string) (*Analysis, error) {
	ctx, span := observability.Tracer().Start(ctx, "experiment.AnalyzeTest")
	defer span.End()
	span.SetAttributes(attribute.String("experiment.test_id", id))

	a, err := m.analyze(ctx, id)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("experiment.status", string(a.Status)),
		attribute.String("experiment.recommendation", string(a.Recommendation)),
	)
	return a, nil
}

// GetTestAnalysis is AnalyzeTest.
func (m *Manager) GetTestAnalysis(ctx context.Context, id string) (*Analysis, error) {
	return m.AnalyzeTest(ctx, id)
}

func (m *Manager) analyze(ctx context.Context, id string) (*Analysis, error) {
	cfg, err := m.store.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	reached := maxDurationReached(cfg, now)

	count, err := m.store.ResultCount(ctx, id)
	if err != nil {
		return nil, err
	}
	if c, ok := m.cache.Get(id); ok && c.results == count && c.status == cfg.Status && c.maxReached == reached {
		m.metrics.Analysis(string(c.analysis.Status), true)
		out := c.analysis.clone()
		return &out, nil
	}

	results, err := m.store.Results(ctx, id)
	if err != nil {
		return nil, err
	}
	a := Analyze(cfg, results, now)
	m.cache.Add(id, cachedAnalysis{
		results:    len(results),
		status:     cfg.Status,
		maxReached: reached,
		analysis:   a.clone(),
	})
	m.metrics.Analysis(string(a.Status), false)
	m.logger.Debug("test analysed",
		"test_id", id,
		"status", string(a.Status),
		"recommendation", string(a.Recommendation),
		"samples_a", a.SampleSizeA,
		"samples_b", a.SampleSizeB,
		"p_value", a.PValue)
	return &a, nil
}

// GetVariantConfig returns the routing target of one arm.
func (m *Manager) GetVariantConfig(ctx context.Context, id string, v Variant) (VariantConfig, error) {
	cfg, err := m.store.GetTest(ctx, id)
	if err != nil {
		return VariantConfig{}, err
	}
	vc, ok := cfg.Variant(v)
	if !ok {
		return VariantConfig{}, fmt.Errorf("unknown variant %q", v)
	}
	return vc, nil
}

// GetTest returns a test by id.
func (m *Manager) GetTest(ctx context.Context, id string) (Config, error) {
	return m.store.GetTest(ctx, id)
}

// GetAllTests returns every test in creation order.
func (m *Manager) GetAllTests(ctx context.Context) ([]Config, error) {
	return m.store.ListTests(ctx)
}

// GetRunningTests returns the running tests in creation order.
func (m *Manager) GetRunningTests(ctx context.Context) ([]Config, error) {
	all, err := m.store.ListTests(ctx)
	if err != nil {
		return nil, err
	}
	running := all[:0]
	for _, cfg := range all {
		if cfg.Status == StatusRunning {
			running = append(running, cfg)
		}
	}
	return running, nil
}

// Outcome is the result of evaluating auto-stop rules for one test. To is
// empty when the test was left alone.
type Outcome struct {
	TestID   string
	Analysis *Analysis
	From     Status
	To       Status
	Reason   string
	Config   Config
}

// Transitioned reports whether the evaluation changed the test's status.
func (o Outcome) Transitioned() bool { return o.To != "" }

// ReasonFutility is the stop reason of tests ended by the futility rule.
const ReasonFutility = "futility"

// EvaluateAutoStop analyses a running test and applies its auto-stop
// policy. A significant primary effect at least WinnerThreshold in size,
// with both variants at the minimum sample size, completes the test. No
// significance after FutilityThreshold × MaxDuration stops it.
func (m *Manager) EvaluateAutoStop(ctx context.Context, id string) (Outcome, error) {
	a, err := m.AnalyzeTest(ctx, id)
	if err != nil {
		return Outcome{TestID: id}, err
	}
	cfg, err := m.store.GetTest(ctx, id)
	if err != nil {
		return Outcome{TestID: id}, err
	}
	out := Outcome{TestID: id, Analysis: a, From: cfg.Status, Config: cfg}
	if !cfg.AutoStop.Enabled || cfg.Status != StatusRunning {
		return out, nil
	}

	enough := a.SampleSizeA >= cfg.MinSampleSize && a.SampleSizeB >= cfg.MinSampleSize
	if a.IsSignificant && enough && math.Abs(a.EffectSize) >= cfg.AutoStop.WinnerThreshold {
		return m.autoEnd(ctx, out, StatusCompleted, fmt.Sprintf("%s: %s", a.Status, a.Reason))
	}

	if !a.IsSignificant && cfg.MaxDuration.Duration > 0 {
		threshold := cfg.AutoStop.FutilityThreshold
		if threshold <= 0 {
			threshold = 1
		}
		bound := time.Duration(threshold * float64(cfg.MaxDuration.Duration))
		if elapsed(cfg, m.now()) >= bound {
			return m.autoEnd(ctx, out, StatusStopped, ReasonFutility)
		}
	}
	return out, nil
}

// autoEnd moves a test that is still running to a terminal status. The
// status is rechecked under the test's lock, so a test paused or ended
// since it was analysed is left as it is.
func (m *Manager) autoEnd(ctx context.Context, out Outcome, to Status, reason string) (Outcome, error) {
	updated, err := m.transition(ctx, out.TestID, to, []Status{StatusRunning}, ended(reason))
	if errors.Is(err, ErrInvalidStateTransition) {
		m.logger.Info("auto-stop skipped, test no longer running", "test_id", out.TestID)
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Reason = reason
	out.To, out.Config = updated.Status, updated
	return out, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
