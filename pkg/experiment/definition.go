package experiment

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/mlroute/pkg/metric"
)

var validate = validator.New()

// Validate checks a test definition. All failures wrap ErrInvalidTestConfig.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTestConfig, err)
	}
	if c.VariantA.Weight+c.VariantB.Weight <= 0 {
		return fmt.Errorf("%w: at least one variant needs a positive weight", ErrInvalidTestConfig)
	}
	if strings.EqualFold(c.VariantA.Provider, c.VariantB.Provider) && c.VariantA.Model == c.VariantB.Model {
		return fmt.Errorf("%w: variants must differ in provider or model", ErrInvalidTestConfig)
	}
	if c.MaxDuration.Duration < 0 {
		return fmt.Errorf("%w: max_duration must not be negative", ErrInvalidTestConfig)
	}
	if !c.PrimaryMetric.Valid() {
		return fmt.Errorf("%w: unknown primary metric %q", ErrInvalidTestConfig, c.PrimaryMetric)
	}
	seen := map[metric.Name]bool{c.PrimaryMetric: true}
	for _, m := range c.SecondaryMetrics {
		if !m.Valid() {
			return fmt.Errorf("%w: unknown secondary metric %q", ErrInvalidTestConfig, m)
		}
		if seen[m] {
			return fmt.Errorf("%w: metric %q listed twice", ErrInvalidTestConfig, m)
		}
		seen[m] = true
	}
	return nil
}

// ParseDefinition decodes a YAML or JSON test definition and applies
// defaults. Metric names are normalised, so "response_time" is accepted.
// An absent traffic_allocation enrolls everyone; an explicit 0 enrolls
// nobody.
func ParseDefinition(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidTestConfig, err)
	}
	var present struct {
		TrafficAllocation *float64 `yaml:"traffic_allocation"`
	}
	if err := yaml.Unmarshal(data, &present); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidTestConfig, err)
	}
	if err := cfg.normaliseMetrics(); err != nil {
		return Config{}, err
	}
	cfg.ApplyDefaults()
	if present.TrafficAllocation == nil {
		cfg.TrafficAllocation = 1
	}
	return cfg, nil
}

// LoadDefinition reads a definition file.
func LoadDefinition(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseDefinition(data)
}

func (c *Config) normaliseMetrics() error {
	if c.PrimaryMetric != "" {
		m, err := metric.Parse(string(c.PrimaryMetric))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTestConfig, err)
		}
		c.PrimaryMetric = m
	}
	for i, raw := range c.SecondaryMetrics {
		m, err := metric.Parse(string(raw))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTestConfig, err)
		}
		c.SecondaryMetrics[i] = m
	}
	return nil
}
