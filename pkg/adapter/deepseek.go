package adapter

import (
	"fmt"

	"github.com/openai/openai-go/option"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// NewDeepSeekAdapter creates an adapter for DeepSeek, which serves an
// OpenAI-compatible API.
func NewDeepSeekAdapter(apiKey string, opts ...option.RequestOption) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}
	opts = append([]option.RequestOption{option.WithBaseURL(deepseekBaseURL)}, opts...)
	return newOpenAICompatible("deepseek", []string{"deepseek-chat", "deepseek-reasoner"}, apiKey, opts...), nil
}
