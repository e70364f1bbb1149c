package router

import (
	"errors"
	"testing"
)

func TestNewRequestValidation(t *testing.T) {
	user := []Message{{Role: RoleUser, Content: "hi"}}

	tests := []struct {
		name     string
		messages []Message
		obj      Objective
		cons     Constraints
		meta     map[string]string
	}{
		{name: "no messages"},
		{name: "unknown role", messages: []Message{{Role: "tool", Content: "x"}}},
		{name: "blank content", messages: []Message{{Role: RoleUser, Content: "   "}}},
		{name: "unknown objective", messages: user, obj: "cheapest"},
		{name: "negative max cost", messages: user, cons: Constraints{MaxCost: ptr(-1)}},
		{name: "quality above one", messages: user, cons: Constraints{MinQuality: ptr(1.5)}},
		{name: "zero latency bound", messages: user, cons: Constraints{MaxResponseTimeMs: ptr(0)}},
		{name: "allowed and denied", messages: user, cons: Constraints{AllowProviders: []string{"OpenAI"}, DenyProviders: []string{"openai"}}},
		{name: "empty provider name", messages: user, cons: Constraints{DenyProviders: []string{""}}},
		{name: "bad max tokens", messages: user, meta: map[string]string{MetadataMaxTokens: "lots"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRequest(tt.messages, tt.obj, tt.cons, tt.meta)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestRequestIsImmutable(t *testing.T) {
	msgs := []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "hello"}}
	maxCost := 0.5
	cons := Constraints{MaxCost: &maxCost, DenyProviders: []string{"google"}}
	meta := map[string]string{"k": "v"}

	req, err := NewRequest(msgs, "", cons, meta)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	msgs[1].Content = "changed"
	maxCost = 9
	cons.DenyProviders[0] = "openai"
	meta["k"] = "changed"

	if req.Messages()[1].Content != "hello" {
		t.Fatalf("messages aliased caller slice")
	}
	if *req.Constraints().MaxCost != 0.5 || req.Constraints().DenyProviders[0] != "google" {
		t.Fatalf("constraints aliased caller values: %+v", req.Constraints())
	}
	if v, _ := req.Metadata("k"); v != "v" {
		t.Fatalf("metadata aliased caller map")
	}

	got := req.Constraints()
	*got.MaxCost = 1
	if *req.Constraints().MaxCost != 0.5 {
		t.Fatalf("constraints accessor leaked internal pointer")
	}
	if req.Objective() != ObjectiveBalanced {
		t.Fatalf("expected balanced default, got %s", req.Objective())
	}
}

func TestRequestEstimates(t *testing.T) {
	spec := Spec{
		Messages: []Message{
			{Role: RoleSystem, Content: "12345"},
			{Role: RoleUser, Content: "first"},
			{Role: RoleAssistant, Content: "ok"},
			{Role: RoleUser, Content: "second"},
		},
		Metadata: map[string]string{MetadataMaxTokens: "64"},
	}
	req, err := spec.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	// 5+5+2+6 = 18 chars
	if got := req.PromptTokens(); got != 5 {
		t.Fatalf("expected 5 prompt tokens, got %d", got)
	}
	if got := req.CompletionTokens(512); got != 64 {
		t.Fatalf("expected 64 completion tokens, got %d", got)
	}
	if got := req.Prompt(); got != "first\nsecond" {
		t.Fatalf("unexpected prompt %q", got)
	}
	if back := req.Spec(); back.Objective != ObjectiveBalanced || len(back.Messages) != 4 {
		t.Fatalf("unexpected spec round trip: %+v", back)
	}
}
