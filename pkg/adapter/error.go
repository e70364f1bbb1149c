package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Provider  string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s adapter error (status=%d)", e.Provider, e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Code returns a short label for usage records.
func (e *AdapterError) Code() string {
	switch {
	case e == nil:
		return ""
	case e.Status == 429:
		return "rate_limited"
	case e.Status == 401 || e.Status == 403:
		return "unauthorized"
	case e.Status >= 500:
		return "provider_unavailable"
	case e.Status >= 400:
		return "bad_request"
	default:
		return "provider_error"
	}
}

// wrapError attaches the HTTP status reported by the provider SDKs.
func wrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	ae := &AdapterError{Provider: provider, Err: fmt.Errorf("%s API error: %w", provider, err)}
	var (
		anthropicErr *anthropic.Error
		openaiErr    *openai.Error
		googleErr    genai.APIError
	)
	switch {
	case errors.As(err, &anthropicErr):
		ae.Status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		ae.Status = openaiErr.StatusCode
	case errors.As(err, &googleErr):
		ae.Status = googleErr.Code
	}
	return ae
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status == 429 || (adapterErr.Status >= 500 && adapterErr.Status <= 599) {
			return true
		}
	}
	return false
}

// ErrorCode labels err for usage records.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		return adapterErr.Code()
	}
	return "error"
}
