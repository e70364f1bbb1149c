// Package policy holds the per-tier routing policies: which model classes a
// tier may use, whether ML routing is enabled and how fast it may call.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zen-systems/mlroute/pkg/config"
)

// Tier names shipped by default.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tier is the resolved policy for one tier.
type Tier struct {
	Name              string
	MLRouting         bool
	ModelClasses      []string
	RequestsPerMinute float64
	Burst             int
}

// AllowsClass reports whether the tier may route to a model class.
func (t Tier) AllowsClass(class string) bool {
	for _, c := range t.ModelClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Registry resolves tier names to policies.
type Registry struct {
	mu    sync.RWMutex
	tiers map[string]Tier
}

// NewRegistry creates a registry with the default tiers.
func NewRegistry() *Registry {
	r := &Registry{
		tiers: make(map[string]Tier),
	}

	r.Register(Tier{
		Name:              TierFree,
		MLRouting:         false,
		ModelClasses:      []string{config.ClassMini, config.ClassFast},
		RequestsPerMinute: 20,
		Burst:             5,
	})
	r.Register(Tier{
		Name:              TierPro,
		MLRouting:         true,
		ModelClasses:      []string{config.ClassMini, config.ClassFast, config.ClassStandard},
		RequestsPerMinute: 120,
		Burst:             20,
	})
	r.Register(Tier{
		Name:              TierEnterprise,
		MLRouting:         true,
		ModelClasses:      []string{config.ClassMini, config.ClassFast, config.ClassStandard, config.ClassFlagship},
		RequestsPerMinute: 600,
		Burst:             100,
	})

	return r
}

// NewRegistryFromConfig applies the routing config's tier overrides on top
// of the defaults. A tier unknown to the defaults starts from the free tier.
func NewRegistryFromConfig(cfg *config.RoutingConfig) *Registry {
	r := NewRegistry()
	if cfg == nil {
		return r
	}
	for name, spec := range cfg.Tiers {
		base, err := r.Get(name)
		if err != nil {
			base, _ = r.Get(TierFree)
			base.Name = strings.ToLower(name)
		}
		if spec.MLRouting != nil {
			base.MLRouting = *spec.MLRouting
		}
		if len(spec.ModelClasses) > 0 {
			base.ModelClasses = append([]string(nil), spec.ModelClasses...)
		}
		if spec.RequestsPerMinute > 0 {
			base.RequestsPerMinute = spec.RequestsPerMinute
		}
		if spec.Burst > 0 {
			base.Burst = spec.Burst
		}
		r.Register(base)
	}
	return r
}

// Register adds or replaces a tier.
func (r *Registry) Register(t Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tiers[strings.ToLower(t.Name)] = t
}

// Get returns the policy for a tier.
func (r *Registry) Get(name string) (Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Tier{}, fmt.Errorf("tier not found: %s", name)
	}
	return t, nil
}

// Names lists registered tiers alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
