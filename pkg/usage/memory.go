package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTracker keeps usage in process. Totals survive pruning; the record
// log is bounded by age and count.
type MemoryTracker struct {
	mu       sync.RWMutex
	records  []Record
	byApp    map[string]*Totals
	byModel  map[string]*Totals // keyed by "provider:model"
	maxAge   time.Duration
	maxCount int
	now      func() time.Time
}

// MemoryConfig bounds the record log.
type MemoryConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker(cfg MemoryConfig) *MemoryTracker {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 10000
	}
	return &MemoryTracker{
		byApp:    make(map[string]*Totals),
		byModel:  make(map[string]*Totals),
		maxAge:   cfg.MaxAge,
		maxCount: cfg.MaxCount,
		now:      time.Now,
	}
}

// TrackUsage records one operation.
func (t *MemoryTracker) TrackUsage(_ context.Context, appID, operation string, m Metrics) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.records = append(t.records, Record{AppID: appID, Operation: operation, Metrics: m, Timestamp: now})

	if t.byApp[appID] == nil {
		t.byApp[appID] = &Totals{}
	}
	t.byApp[appID].Add(m)

	if m.Provider != "" {
		key := m.Provider + ":" + m.Model
		if t.byModel[key] == nil {
			t.byModel[key] = &Totals{}
		}
		t.byModel[key].Add(m)
	}

	t.prune(now)
	return nil
}

// prune drops records older than maxAge and beyond maxCount.
func (t *MemoryTracker) prune(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	start := sort.Search(len(t.records), func(i int) bool {
		return t.records[i].Timestamp.After(cutoff)
	})
	if start > 0 {
		t.records = t.records[start:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// AppTotals returns the totals for an application.
func (t *MemoryTracker) AppTotals(appID string) (Totals, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tot := t.byApp[appID]; tot != nil {
		return *tot, true
	}
	return Totals{}, false
}

// ModelTotals returns the totals for a provider/model pair.
func (t *MemoryTracker) ModelTotals(provider, model string) (Totals, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tot := t.byModel[provider+":"+model]; tot != nil {
		return *tot, true
	}
	return Totals{}, false
}

// Recent returns up to limit of the newest records, oldest first.
func (t *MemoryTracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]Record, limit)
	copy(out, t.records[len(t.records)-limit:])
	return out
}

// Summary returns per-model totals keyed by "provider:model".
func (t *MemoryTracker) Summary() map[string]Totals {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Totals, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = *v
	}
	return out
}
