package providers

import (
	"context"
	"errors"
)

// Provider is the interface all LLM providers must implement. The core
// treats responses as opaque text; action parsing happens upstream.
type Provider interface {
	// GenerateText sends messages to the LLM and returns a response.
	// model overrides the provider default.
	GenerateText(ctx context.Context, model string, messages []Message, opts Options) (*Response, error)

	// Embed returns an embedding vector for text (used by
	// semantic-similarity consensus).
	Embed(ctx context.Context, text string) ([]float64, error)

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Message represents one conversation turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Options are per-request knobs.
type Options struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Response is the result of a GenerateText call.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Error classification. Callers match with errors.Is; everything not
// otherwise classified wraps ErrProviderError.
var (
	ErrAuthenticationFailed = errors.New("authentication_failed")
	ErrRateLimited          = errors.New("rate_limit_exceeded")
	ErrServiceUnavailable   = errors.New("service_unavailable")
	ErrProviderError        = errors.New("provider_error")
)
