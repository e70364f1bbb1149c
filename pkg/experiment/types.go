// Package experiment runs A/B tests between routing variants: lifecycle,
// deterministic variant assignment, result collection and analysis.
package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/mlroute/pkg/metric"
	"github.com/zen-systems/mlroute/pkg/router"
)

// Errors returned by experiment operations.
var (
	ErrInvalidTestConfig      = errors.New("invalid test config")
	ErrTestNotFound           = errors.New("test not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTestNotRunning         = errors.New("test not running")
	ErrInsufficientData       = errors.New("insufficient data")
	ErrDuplicateTest          = errors.New("test already exists")
	ErrInvalidResult          = errors.New("invalid result")
)

// Status is the lifecycle state of a test.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// Variant names one arm of a test. VariantNone means the subject is not
// part of the test.
type Variant string

const (
	VariantNone Variant = ""
	VariantA    Variant = "A"
	VariantB    Variant = "B"
)

// ParseVariant accepts "A", "B", "a" or "b".
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "A", "a":
		return VariantA, nil
	case "B", "b":
		return VariantB, nil
	}
	return VariantNone, fmt.Errorf("unknown variant %q", s)
}

// VariantConfig is the routing target of one arm.
type VariantConfig struct {
	Provider string  `json:"provider" yaml:"provider" validate:"required"`
	Model    string  `json:"model" yaml:"model" validate:"required"`
	Weight   float64 `json:"weight" yaml:"weight" validate:"gte=0"`
}

// Eligibility restricts a test to some segments or request types. Empty
// lists admit everyone.
type Eligibility struct {
	Segments     []string `json:"segments,omitempty" yaml:"segments,omitempty"`
	RequestTypes []string `json:"request_types,omitempty" yaml:"request_types,omitempty"`
}

// AutoStop configures the scheduler's automatic transitions.
type AutoStop struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// WinnerThreshold is the minimum absolute relative effect on the
	// primary metric for a significant result to complete the test.
	WinnerThreshold float64 `json:"winner_threshold" yaml:"winner_threshold" validate:"gte=0"`
	// FutilityThreshold is the fraction of MaxDuration after which a test
	// without a significant effect is stopped. Zero means 1.0.
	FutilityThreshold float64 `json:"futility_threshold" yaml:"futility_threshold" validate:"gte=0"`
}

// Config is a test definition plus its lifecycle state.
type Config struct {
	ID          string `json:"id" yaml:"id,omitempty"`
	Name        string `json:"name" yaml:"name" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Hypothesis  string `json:"hypothesis,omitempty" yaml:"hypothesis,omitempty"`

	VariantA VariantConfig `json:"variant_a" yaml:"variant_a"`
	VariantB VariantConfig `json:"variant_b" yaml:"variant_b"`

	MinSampleSize       int      `json:"min_sample_size" yaml:"min_sample_size" validate:"gt=0"`
	MaxDuration         Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	SignificanceLevel   float64  `json:"significance_level" yaml:"significance_level" validate:"gt=0,lt=1"`
	MinDetectableEffect float64  `json:"min_detectable_effect,omitempty" yaml:"min_detectable_effect,omitempty" validate:"gte=0"`
	TrafficAllocation   float64  `json:"traffic_allocation" yaml:"traffic_allocation" validate:"gte=0,lte=1"`

	Eligibility      Eligibility   `json:"eligibility" yaml:"eligibility,omitempty"`
	PrimaryMetric    metric.Name   `json:"primary_metric" yaml:"primary_metric" validate:"required"`
	SecondaryMetrics []metric.Name `json:"secondary_metrics,omitempty" yaml:"secondary_metrics,omitempty"`

	Status     Status     `json:"status" yaml:"status,omitempty"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at,omitempty"`
	StartTime  *time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	StopReason string     `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`

	AutoStop AutoStop `json:"auto_stop" yaml:"auto_stop,omitempty"`

	// Salt seeds assignment hashing. It defaults to the test id.
	Salt string `json:"salt,omitempty" yaml:"salt,omitempty"`
}

// Variant returns the config of one arm.
func (c Config) Variant(v Variant) (VariantConfig, bool) {
	switch v {
	case VariantA:
		return c.VariantA, true
	case VariantB:
		return c.VariantB, true
	}
	return VariantConfig{}, false
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Eligibility.Segments = append([]string(nil), c.Eligibility.Segments...)
	out.Eligibility.RequestTypes = append([]string(nil), c.Eligibility.RequestTypes...)
	out.SecondaryMetrics = append([]metric.Name(nil), c.SecondaryMetrics...)
	if c.StartTime != nil {
		t := *c.StartTime
		out.StartTime = &t
	}
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	return out
}

// ApplyDefaults fills unset statistical parameters. Decoders call it so
// that definitions only need the fields they care about. Traffic
// allocation is left alone because zero is a valid allocation; decoders
// default it only when the field is absent.
func (c *Config) ApplyDefaults() {
	if c.MinSampleSize == 0 {
		c.MinSampleSize = 100
	}
	if c.SignificanceLevel == 0 {
		c.SignificanceLevel = 0.05
	}
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = metric.Cost
	}
	if c.VariantA.Weight == 0 && c.VariantB.Weight == 0 {
		c.VariantA.Weight, c.VariantB.Weight = 1, 1
	}
}

// Assignment memoizes a subject's variant. VariantNone records a
// traffic-allocation exclusion.
type Assignment struct {
	TestID     string    `json:"test_id"`
	UserID     string    `json:"user_id"`
	Variant    Variant   `json:"variant"`
	AssignedAt time.Time `json:"assigned_at"`
}

// Result is one completed request that took part in a test. Results are
// append-only.
type Result struct {
	ID         string             `json:"id"`
	TestID     string             `json:"test_id"`
	Variant    Variant            `json:"variant"`
	UserID     string             `json:"user_id"`
	RequestID  string             `json:"request_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Request    router.Spec        `json:"request"`
	Prediction router.Decision    `json:"prediction"`
	Response   string             `json:"response,omitempty"`
	Actual     metric.Observation `json:"actual"`
	Deltas     metric.Deltas      `json:"deltas"`
}

// Value extracts a metric from the result. Quality and user satisfaction
// are optional and report false when absent.
func (r Result) Value(name metric.Name) (float64, bool) {
	switch name {
	case metric.Cost:
		return r.Actual.Cost, true
	case metric.ResponseTime:
		return r.Actual.ResponseTimeMs, true
	case metric.Quality:
		if r.Actual.Quality == nil {
			return 0, false
		}
		return *r.Actual.Quality, true
	case metric.Accuracy:
		return r.Deltas.Score, true
	case metric.UserSatisfaction:
		if r.Actual.UserSatisfaction == nil {
			return 0, false
		}
		return *r.Actual.UserSatisfaction, true
	}
	return 0, false
}

// Duration is a time.Duration that reads and writes as "72h" in JSON and
// YAML.
type Duration struct {
	time.Duration
}

// Hours builds a Duration from hours.
func Hours(h float64) Duration {
	return Duration{time.Duration(h * float64(time.Hour))}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v)
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	d.Duration = parsed
	return nil
}
