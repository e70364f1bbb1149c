// Package adapter calls LLM providers with a common chat interface.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/mlroute/pkg/router"
)

// DefaultMaxTokens caps completions when the caller sets no limit.
const DefaultMaxTokens = 4096

// Options tune a single completion.
type Options struct {
	MaxTokens int
}

func (o Options) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return DefaultMaxTokens
}

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Complete sends a conversation to the model and returns its reply.
	Complete(ctx context.Context, model string, messages []router.Message, opts Options) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Registry maps provider names to adapters.
type Registry map[string]Adapter

// Get returns the adapter for provider.
func (r Registry) Get(provider string) (Adapter, error) {
	a, ok := r[strings.ToLower(provider)]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", provider)
	}
	return a, nil
}

// Names returns the registered providers in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRegistry builds an adapter for every provider that has a key. The mock
// adapter is always present.
func NewRegistry(keys router.KeyResolver) (Registry, error) {
	reg := Registry{"mock": NewMockAdapter()}
	constructors := map[string]func(string) (Adapter, error){
		"anthropic": func(k string) (Adapter, error) { return NewAnthropicAdapter(k) },
		"openai":    func(k string) (Adapter, error) { return NewOpenAIAdapter(k) },
		"google":    func(k string) (Adapter, error) { return NewGoogleAdapter(k) },
		"deepseek":  func(k string) (Adapter, error) { return NewDeepSeekAdapter(k) },
	}
	if keys == nil {
		return reg, nil
	}
	for name, build := range constructors {
		key, ok := keys.ResolveAPIKey(name)
		if !ok || key == "" {
			continue
		}
		a, err := build(key)
		if err != nil {
			return nil, fmt.Errorf("create %s adapter: %w", name, err)
		}
		reg[name] = a
	}
	return reg, nil
}

// splitSystem separates system messages, which most APIs take out of band,
// from the conversation.
func splitSystem(messages []router.Message) (string, []router.Message) {
	var system []string
	rest := make([]router.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == router.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
