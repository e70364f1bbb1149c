package adapter

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zen-systems/mlroute/pkg/router"
)

// OpenAIAdapter implements the Adapter interface for OpenAI models and
// OpenAI-compatible APIs.
type OpenAIAdapter struct {
	name   string
	models []string
	client openai.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	return newOpenAICompatible("openai", []string{"gpt-4o-mini", "gpt-4o", "o3-mini"}, apiKey, opts...), nil
}

func newOpenAICompatible(name string, models []string, apiKey string, opts ...option.RequestOption) *OpenAIAdapter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &OpenAIAdapter{
		name:   name,
		models: models,
		client: openai.NewClient(opts...),
	}
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return a.name
}

// Models returns the list of supported models.
func (a *OpenAIAdapter) Models() []string {
	return append([]string(nil), a.models...)
}

// Complete sends the conversation as a chat completion.
func (a *OpenAIAdapter) Complete(ctx context.Context, model string, messages []router.Message, opts Options) (*Response, error) {
	params := openai.ChatCompletionNewParams{Model: openai.ChatModel(model)}
	if a.name == "openai" {
		params.MaxCompletionTokens = openai.Int(int64(opts.maxTokens()))
	} else {
		// Compatible APIs only understand the older field.
		params.MaxTokens = openai.Int(int64(opts.maxTokens()))
	}
	for _, m := range messages {
		switch m.Role {
		case router.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case router.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapError(a.Name(), err)
	}

	if len(resp.Choices) == 0 {
		return nil, &AdapterError{Provider: a.Name(), Err: fmt.Errorf("%s returned no choices", a.Name())}
	}

	return &Response{
		Provider: a.Name(),
		Model:    model,
		Content:  resp.Choices[0].Message.Content,
		Usage:    newUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}
