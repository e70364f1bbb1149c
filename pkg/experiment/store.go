package experiment

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists test configs, the append-only result log and memoized
// assignments. Implementations must give read-your-writes consistency
// within a process.
type Store interface {
	// CreateTest stores a new test; an existing id fails with ErrDuplicateTest.
	CreateTest(ctx context.Context, cfg Config) error
	// GetTest fails with ErrTestNotFound for unknown ids.
	GetTest(ctx context.Context, id string) (Config, error)
	// UpdateTest replaces the config of an existing test.
	UpdateTest(ctx context.Context, cfg Config) error
	// ListTests returns every test ordered by creation time then id.
	ListTests(ctx context.Context) ([]Config, error)

	// AppendResult adds a result to its test's log.
	AppendResult(ctx context.Context, r Result) error
	// Results returns a snapshot of a test's log in insertion order.
	Results(ctx context.Context, testID string) ([]Result, error)
	// ResultCount returns the length of a test's log.
	ResultCount(ctx context.Context, testID string) (int, error)

	// GetAssignment returns the memoized assignment, if any.
	GetAssignment(ctx context.Context, testID, userID string) (Assignment, bool, error)
	// SaveAssignment stores a if no assignment exists for the pair and
	// returns whichever assignment is stored afterwards.
	SaveAssignment(ctx context.Context, a Assignment) (Assignment, error)

	Close() error
}

// MemoryStore keeps everything in process. Each test has its own lock, so
// writes to different tests never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	tests map[string]*testEntry
}

type testEntry struct {
	mu          sync.RWMutex
	cfg         Config
	results     []Result
	assignments map[string]Assignment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tests: make(map[string]*testEntry)}
}

func (s *MemoryStore) entry(id string) (*testEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, id)
	}
	return e, nil
}

// CreateTest stores a new test. An existing id returns ErrDuplicateTest.
func (s *MemoryStore) CreateTest(_ context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tests[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTest, cfg.ID)
	}
	s.tests[cfg.ID] = &testEntry{
		cfg:         cfg.Clone(),
		assignments: make(map[string]Assignment),
	}
	return nil
}

// GetTest returns a copy of a test's config.
func (s *MemoryStore) GetTest(_ context.Context, id string) (Config, error) {
	e, err := s.entry(id)
	if err != nil {
		return Config{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Clone(), nil
}

// UpdateTest replaces the config of an existing test.
func (s *MemoryStore) UpdateTest(_ context.Context, cfg Config) error {
	e, err := s.entry(cfg.ID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg.Clone()
	return nil
}

// ListTests returns every test ordered by creation time, then id.
func (s *MemoryStore) ListTests(_ context.Context) ([]Config, error) {
	s.mu.RLock()
	entries := make([]*testEntry, 0, len(s.tests))
	for _, e := range s.tests {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Config, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.cfg.Clone())
		e.mu.RUnlock()
	}
	sortConfigs(out)
	return out, nil
}

// AppendResult adds a result to its test.
func (s *MemoryStore) AppendResult(_ context.Context, r Result) error {
	e, err := s.entry(r.TestID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, r)
	return nil
}

// Results returns a copy of a test's results in insertion order.
func (s *MemoryStore) Results(_ context.Context, testID string) ([]Result, error) {
	e, err := s.entry(testID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out, nil
}

// ResultCount returns how many results a test has.
func (s *MemoryStore) ResultCount(_ context.Context, testID string) (int, error) {
	e, err := s.entry(testID)
	if err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.results), nil
}

// GetAssignment looks up a memoized assignment.
func (s *MemoryStore) GetAssignment(_ context.Context, testID, userID string) (Assignment, bool, error) {
	e, err := s.entry(testID)
	if err != nil {
		return Assignment{}, false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.assignments[userID]
	return a, ok, nil
}

// SaveAssignment memoizes an assignment. The first write for a user wins
// and is returned.
func (s *MemoryStore) SaveAssignment(_ context.Context, a Assignment) (Assignment, error) {
	e, err := s.entry(a.TestID)
	if err != nil {
		return Assignment{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.assignments[a.UserID]; ok {
		return existing, nil
	}
	e.assignments[a.UserID] = a
	return a, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func sortConfigs(cfgs []Config) {
	sort.Slice(cfgs, func(i, j int) bool {
		if !cfgs[i].CreatedAt.Equal(cfgs[j].CreatedAt) {
			return cfgs[i].CreatedAt.Before(cfgs[j].CreatedAt)
		}
		return cfgs[i].ID < cfgs[j].ID
	})
}
