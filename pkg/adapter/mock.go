package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zen-systems/mlroute/pkg/router"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	responses       map[string]string
	defaultResponse string

	mu sync.Mutex
	// Usage, when set, is reported instead of the character estimate.
	Usage *Usage
	// Failures are returned by successive calls before any response.
	Failures []error
	calls    int
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		responses:       make(map[string]string),
		defaultResponse: "mock response:",
	}
}

// NewMockAdapterWithResponses creates a mock adapter with predefined
// responses keyed by the last user message.
func NewMockAdapterWithResponses(responses map[string]string, defaultResponse string) *MockAdapter {
	if defaultResponse == "" {
		defaultResponse = "mock response:"
	}
	return &MockAdapter{responses: responses, defaultResponse: defaultResponse}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Calls returns how many times Complete ran.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Complete echoes the last user message unless a canned response matches.
func (a *MockAdapter) Complete(ctx context.Context, model string, messages []router.Message, _ Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.calls++
	if len(a.Failures) > 0 {
		err := a.Failures[0]
		a.Failures = a.Failures[1:]
		a.mu.Unlock()
		return nil, err
	}
	usage := a.Usage
	a.mu.Unlock()

	if model == "" {
		model = "mock-1"
	}
	var prompt string
	for _, m := range messages {
		if m.Role == router.RoleUser {
			prompt = m.Content
		}
	}
	content, ok := a.responses[prompt]
	if !ok {
		content = fmt.Sprintf("%s\n%s", a.defaultResponse, prompt)
	}
	if usage == nil {
		var chars int
		for _, m := range messages {
			chars += len(m.Content)
		}
		usage = newUsage(int64((chars+3)/4), int64((len(content)+3)/4))
	}
	return &Response{
		Provider: a.Name(),
		Model:    model,
		Content:  strings.TrimSpace(content),
		Usage:    usage,
	}, nil
}
