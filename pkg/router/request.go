package router

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat request.
type Message struct {
	Role    Role   `json:"role" yaml:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" yaml:"content" validate:"required"`
}

// Objective selects how surviving candidates are ranked.
type Objective string

const (
	ObjectiveCost     Objective = "cost"
	ObjectiveSpeed    Objective = "speed"
	ObjectiveQuality  Objective = "quality"
	ObjectiveBalanced Objective = "balanced"
)

// Constraints bound the candidates a request may be routed to. Nil or empty
// fields impose no bound.
type Constraints struct {
	// MaxCost excludes candidates whose estimated cost in USD exceeds it.
	MaxCost *float64 `json:"max_cost,omitempty" yaml:"max_cost,omitempty" validate:"omitempty,gte=0"`
	// MinQuality excludes candidates whose expected quality is below it.
	MinQuality *float64 `json:"min_quality,omitempty" yaml:"min_quality,omitempty" validate:"omitempty,gte=0,lte=1"`
	// MaxResponseTimeMs excludes candidates whose expected latency exceeds it.
	MaxResponseTimeMs *float64 `json:"max_response_time_ms,omitempty" yaml:"max_response_time_ms,omitempty" validate:"omitempty,gt=0"`
	// AllowProviders, when non-empty, restricts routing to these providers.
	AllowProviders []string `json:"allow_providers,omitempty" yaml:"allow_providers,omitempty" validate:"dive,required"`
	// DenyProviders removes these providers from consideration.
	DenyProviders []string `json:"deny_providers,omitempty" yaml:"deny_providers,omitempty" validate:"dive,required"`
}

func (c Constraints) clone() Constraints {
	out := Constraints{
		AllowProviders: append([]string(nil), c.AllowProviders...),
		DenyProviders:  append([]string(nil), c.DenyProviders...),
	}
	if c.MaxCost != nil {
		v := *c.MaxCost
		out.MaxCost = &v
	}
	if c.MinQuality != nil {
		v := *c.MinQuality
		out.MinQuality = &v
	}
	if c.MaxResponseTimeMs != nil {
		v := *c.MaxResponseTimeMs
		out.MaxResponseTimeMs = &v
	}
	return out
}

func (c Constraints) check() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, allowed := range c.AllowProviders {
		for _, denied := range c.DenyProviders {
			if strings.EqualFold(allowed, denied) {
				return fmt.Errorf("provider %q is both allowed and denied", allowed)
			}
		}
	}
	return nil
}

// Metadata keys read by the engine.
const (
	MetadataMaxTokens   = "max_tokens"
	MetadataRequestType = "request_type"
)

// Spec is the plain, serialisable form of a routing request.
type Spec struct {
	Messages    []Message         `json:"messages" yaml:"messages" validate:"required,min=1,dive"`
	Objective   Objective         `json:"optimize_for,omitempty" yaml:"optimize_for,omitempty" validate:"omitempty,oneof=cost speed quality balanced"`
	Constraints Constraints       `json:"constraints" yaml:"constraints,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Build validates the spec and returns an immutable request.
func (s Spec) Build() (*Request, error) {
	return NewRequest(s.Messages, s.Objective, s.Constraints, s.Metadata)
}

// Request is a validated routing request. It cannot be modified after
// construction; accessors return copies.
type Request struct {
	messages    []Message
	objective   Objective
	constraints Constraints
	metadata    map[string]string
}

// NewRequest validates its inputs eagerly. An empty objective means balanced.
func NewRequest(messages []Message, objective Objective, constraints Constraints, metadata map[string]string) (*Request, error) {
	if objective == "" {
		objective = ObjectiveBalanced
	}
	spec := Spec{Messages: messages, Objective: objective, Constraints: constraints}
	if err := validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	for i, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("%w: message %d has empty content", ErrInvalidRequest, i)
		}
	}
	if err := constraints.check(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if raw, ok := metadata[MetadataMaxTokens]; ok {
		if n, err := strconv.Atoi(raw); err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: metadata %s must be a positive integer", ErrInvalidRequest, MetadataMaxTokens)
		}
	}

	r := &Request{
		messages:    append([]Message(nil), messages...),
		objective:   objective,
		constraints: constraints.clone(),
	}
	if len(metadata) > 0 {
		r.metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			r.metadata[k] = v
		}
	}
	return r, nil
}

// Messages returns a copy of the conversation.
func (r *Request) Messages() []Message {
	return append([]Message(nil), r.messages...)
}

// Objective returns the ranking objective.
func (r *Request) Objective() Objective { return r.objective }

// Constraints returns a copy of the constraints.
func (r *Request) Constraints() Constraints { return r.constraints.clone() }

// Metadata returns one metadata value.
func (r *Request) Metadata(key string) (string, bool) {
	v, ok := r.metadata[key]
	return v, ok
}

// Spec returns the serialisable form of the request.
func (r *Request) Spec() Spec {
	s := Spec{
		Messages:    r.Messages(),
		Objective:   r.objective,
		Constraints: r.Constraints(),
	}
	if len(r.metadata) > 0 {
		s.Metadata = make(map[string]string, len(r.metadata))
		for k, v := range r.metadata {
			s.Metadata[k] = v
		}
	}
	return s
}

// Prompt joins the user messages; the classifier reads it.
func (r *Request) Prompt() string {
	var parts []string
	for _, m := range r.messages {
		if m.Role == RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// PromptTokens estimates prompt size at four characters per token.
func (r *Request) PromptTokens() int {
	chars := 0
	for _, m := range r.messages {
		chars += len(m.Content)
	}
	return (chars + 3) / 4
}

// CompletionTokens returns the metadata max_tokens value or fallback.
func (r *Request) CompletionTokens(fallback int) int {
	if raw, ok := r.metadata[MetadataMaxTokens]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Features are per-caller feature flags. Nil fields defer to the tier.
type Features struct {
	MLRouting *bool `json:"ml_routing,omitempty"`
}

// RateLimit is the caller's remaining budget as seen by the auth layer.
type RateLimit struct {
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// AuthContext describes the authenticated caller.
type AuthContext struct {
	AppID     string    `json:"app_id"`
	UserID    string    `json:"user_id,omitempty"`
	Segment   string    `json:"segment,omitempty"`
	Tier      string    `json:"tier"`
	Features  Features  `json:"features"`
	RateLimit RateLimit `json:"rate_limit"`
}

// Exhausted reports whether the caller has no calls left before Reset.
func (r RateLimit) Exhausted(now time.Time) bool {
	return r.Remaining <= 0 && r.Reset.After(now)
}

// Errors returned by the engine.
var (
	ErrInvalidRequest              = errors.New("invalid routing request")
	ErrConstraintUnsatisfiable     = errors.New("constraints exclude every available provider")
	ErrNoCandidateMeetsConstraints = errors.New("no candidate meets constraints")
	ErrUnknownTier                 = errors.New("unknown tier")
	ErrRateLimited                 = errors.New("rate limited")
)
