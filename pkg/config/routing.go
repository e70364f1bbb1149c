package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Model classes, cheapest first.
const (
	ClassMini     = "mini"
	ClassFast     = "fast"
	ClassStandard = "standard"
	ClassFlagship = "flagship"
)

// RoutingConfig holds the provider capability table and routing policy.
type RoutingConfig struct {
	Providers               map[string]ProviderSpec `yaml:"providers" validate:"required,min=1,dive"`
	Default                 RouteTarget             `yaml:"default"`
	Tiers                   map[string]TierSpec     `yaml:"tiers,omitempty" validate:"dive"`
	RequestTypes            map[string][]string     `yaml:"request_types,omitempty"`
	Aliases                 map[string]string       `yaml:"aliases,omitempty"`
	Balanced                BalancedWeights         `yaml:"balanced,omitempty"`
	Retry                   RetryConfig             `yaml:"retry,omitempty"`
	DefaultCompletionTokens int                     `yaml:"default_completion_tokens,omitempty" validate:"gte=0"`
}

// ProviderSpec lists the models a provider serves.
type ProviderSpec struct {
	Models map[string]ModelSpec `yaml:"models" validate:"required,min=1,dive"`
}

// ModelSpec describes the expected behaviour of one model.
type ModelSpec struct {
	Class           string  `yaml:"class" validate:"required,oneof=mini fast standard flagship"`
	PromptPer1K     float64 `yaml:"prompt_per_1k" validate:"gte=0"`
	CompletionPer1K float64 `yaml:"completion_per_1k" validate:"gte=0"`
	LatencyMs       float64 `yaml:"latency_ms" validate:"gt=0"`
	Quality         float64 `yaml:"quality" validate:"gte=0,lte=1"`
}

// RouteTarget specifies a provider and model combination.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func (t RouteTarget) String() string {
	return t.Provider + "/" + t.Model
}

// TierSpec overrides a tier policy.
type TierSpec struct {
	MLRouting         *bool    `yaml:"ml_routing,omitempty"`
	ModelClasses      []string `yaml:"model_classes,omitempty" validate:"dive,oneof=mini fast standard flagship"`
	RequestsPerMinute float64  `yaml:"requests_per_minute,omitempty" validate:"gte=0"`
	Burst             int      `yaml:"burst,omitempty" validate:"gte=0"`
}

// BalancedWeights weighs the normalised dimensions of the balanced objective.
type BalancedWeights struct {
	Cost    float64 `yaml:"cost" validate:"gte=0"`
	Speed   float64 `yaml:"speed" validate:"gte=0"`
	Quality float64 `yaml:"quality" validate:"gte=0"`
}

// RetryConfig defines retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// EstimateCost prices a call in USD from per-1k token rates.
func (m ModelSpec) EstimateCost(promptTokens, completionTokens int) float64 {
	promptCost := (float64(promptTokens) / 1000.0) * m.PromptPer1K
	completionCost := (float64(completionTokens) / 1000.0) * m.CompletionPer1K
	return promptCost + completionCost
}

// Lookup returns the spec for a provider/model pair.
func (c *RoutingConfig) Lookup(provider, model string) (ModelSpec, bool) {
	if c == nil {
		return ModelSpec{}, false
	}
	p, ok := c.Providers[provider]
	if !ok {
		return ModelSpec{}, false
	}
	m, ok := p.Models[model]
	return m, ok
}

// Targets lists every provider/model pair sorted by provider then model.
func (c *RoutingConfig) Targets() []RouteTarget {
	if c == nil {
		return nil
	}
	var out []RouteTarget
	for provider, spec := range c.Providers {
		for model := range spec.Models {
			out = append(out, RouteTarget{Provider: provider, Model: model})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider == out[j].Provider {
			return out[i].Model < out[j].Model
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// ResolveAlias returns the target an alias points at. Aliases are written
// as "provider/model". Unknown names are returned unchanged as a model with
// the given provider.
func (c *RoutingConfig) ResolveAlias(provider, modelOrAlias string) RouteTarget {
	if c != nil {
		if target, ok := c.Aliases[modelOrAlias]; ok {
			if p, m, found := strings.Cut(target, "/"); found {
				return RouteTarget{Provider: p, Model: m}
			}
			return RouteTarget{Provider: provider, Model: target}
		}
	}
	return RouteTarget{Provider: provider, Model: modelOrAlias}
}

// Validate checks the routing table for structural errors.
func (c *RoutingConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("routing config is required")
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Default.Provider != "" {
		if _, ok := c.Lookup(c.Default.Provider, c.Default.Model); !ok {
			return fmt.Errorf("default target %s is not in the catalog", c.Default)
		}
	}
	for alias, target := range c.Aliases {
		p, m, found := strings.Cut(target, "/")
		if !found {
			continue
		}
		if _, ok := c.Lookup(p, m); !ok {
			return fmt.Errorf("alias %q points at unknown target %s", alias, target)
		}
	}
	return nil
}

// LoadRoutingConfig reads routing configuration from a YAML file.
func LoadRoutingConfig(path string) (*RoutingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRoutingConfig(data)
}

// ParseRoutingConfig decodes and validates a routing table.
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyRoutingDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultRoutingConfig returns the built-in provider capability table.
func DefaultRoutingConfig() *RoutingConfig {
	cfg := &RoutingConfig{
		Providers: map[string]ProviderSpec{
			"anthropic": {Models: map[string]ModelSpec{
				"claude-3-5-haiku-20241022": {Class: ClassFast, PromptPer1K: 0.0008, CompletionPer1K: 0.004, LatencyMs: 1200, Quality: 0.78},
				"claude-sonnet-4-20250514":  {Class: ClassStandard, PromptPer1K: 0.003, CompletionPer1K: 0.015, LatencyMs: 2500, Quality: 0.90},
				"claude-opus-4-20250514":    {Class: ClassFlagship, PromptPer1K: 0.015, CompletionPer1K: 0.075, LatencyMs: 4500, Quality: 0.95},
			}},
			"openai": {Models: map[string]ModelSpec{
				"gpt-4o-mini": {Class: ClassMini, PromptPer1K: 0.00015, CompletionPer1K: 0.0006, LatencyMs: 900, Quality: 0.75},
				"gpt-4o":      {Class: ClassStandard, PromptPer1K: 0.0025, CompletionPer1K: 0.01, LatencyMs: 2000, Quality: 0.88},
				"o1":          {Class: ClassFlagship, PromptPer1K: 0.015, CompletionPer1K: 0.06, LatencyMs: 9000, Quality: 0.95},
			}},
			"google": {Models: map[string]ModelSpec{
				"gemini-2.0-flash": {Class: ClassFast, PromptPer1K: 0.0001, CompletionPer1K: 0.0004, LatencyMs: 700, Quality: 0.74},
				"gemini-1.5-pro":   {Class: ClassStandard, PromptPer1K: 0.00125, CompletionPer1K: 0.005, LatencyMs: 2200, Quality: 0.85},
			}},
			"deepseek": {Models: map[string]ModelSpec{
				"deepseek-chat":     {Class: ClassMini, PromptPer1K: 0.00027, CompletionPer1K: 0.0011, LatencyMs: 1800, Quality: 0.80},
				"deepseek-reasoner": {Class: ClassStandard, PromptPer1K: 0.00055, CompletionPer1K: 0.00219, LatencyMs: 6000, Quality: 0.87},
			}},
		},
		Default: RouteTarget{Provider: "openai", Model: "gpt-4o-mini"},
		RequestTypes: map[string][]string{
			"research":  {"research", "find", "look up", "what is", "compare"},
			"summarize": {"summarize", "tldr", "key points"},
			"code":      {"implement", "code", "write a function", "refactor", "scaffold", "boilerplate"},
			"debug":     {"debug", "fix", "error", "bug", "failing", "stack trace"},
			"review":    {"review", "check", "audit", "evaluate"},
			"math":      {"calculate", "equation", "formula", "proof", "derive"},
			"reasoning": {"reason", "think through", "step by step", "logical", "deduce", "infer"},
		},
		Aliases: map[string]string{
			"sonnet": "anthropic/claude-sonnet-4-20250514",
			"opus":   "anthropic/claude-opus-4-20250514",
			"haiku":  "anthropic/claude-3-5-haiku-20241022",
			"flash":  "google/gemini-2.0-flash",
		},
	}

	applyRoutingDefaults(cfg)
	return cfg
}

func applyRoutingDefaults(cfg *RoutingConfig) {
	if cfg == nil {
		return
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 2
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
	if cfg.Balanced.Cost == 0 && cfg.Balanced.Speed == 0 && cfg.Balanced.Quality == 0 {
		cfg.Balanced = BalancedWeights{Cost: 1.0 / 3, Speed: 1.0 / 3, Quality: 1.0 / 3}
	}
	if cfg.DefaultCompletionTokens == 0 {
		cfg.DefaultCompletionTokens = 512
	}
}
