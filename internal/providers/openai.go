package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenAIModel    = "gpt-4o"
	openaiAPIBase         = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// OpenAIProvider implements Provider against the OpenAI-compatible
// chat-completions and embeddings endpoints. Any OpenAI-compatible
// gateway works through the base URL option.
type OpenAIProvider struct {
	apiKey         string
	baseURL        string
	defaultModel   string
	embeddingModel string
	client         *http.Client
	retryConfig    RetryConfig
}

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		apiKey:         apiKey,
		baseURL:        openaiAPIBase,
		defaultModel:   defaultOpenAIModel,
		embeddingModel: defaultEmbeddingModel,
		client:         &http.Client{Timeout: 120 * time.Second},
		retryConfig:    DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIBaseURL(baseURL string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithEmbeddingModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) {
		if model != "" {
			p.embeddingModel = model
		}
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) GenerateText(ctx context.Context, model string, messages []Message, opts Options) (*Response, error) {
	if model == "" {
		model = p.defaultModel
	}

	body := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		body["temperature"] = opts.Temperature
	}

	return RetryDo(ctx, p.retryConfig, func() (*Response, error) {
		respBody, err := p.doRequest(ctx, "/chat/completions", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openaiChatResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode response: %w", err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("openai: %w: empty choices", ErrProviderError)
		}

		choice := resp.Choices[0]
		return &Response{
			Content:      choice.Message.Content,
			FinishReason: choice.FinishReason,
			Usage: &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}, nil
	})
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	body := map[string]interface{}{
		"model": p.embeddingModel,
		"input": text,
	}

	return RetryDo(ctx, p.retryConfig, func() ([]float64, error) {
		respBody, err := p.doRequest(ctx, "/embeddings", body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openaiEmbeddingResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("openai: decode embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("openai: %w: empty embedding data", ErrProviderError)
		}
		return resp.Data[0].Embedding, nil
	})
}

func (p *OpenAIProvider) doRequest(ctx context.Context, path string, body interface{}) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(raw),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}
