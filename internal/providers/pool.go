package providers

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/quorum/internal/config"
)

// Pool resolves "provider/model" specs to clients and applies
// per-provider rate limits before each call.
type Pool struct {
	mu        sync.RWMutex
	providers map[string]Provider
	limiters  map[string]*rate.Limiter
	// embedder handles Embed calls regardless of model pool makeup.
	embedder Provider
}

// NewPool builds the provider set from config. Providers with no API
// key configured are left out; resolving them fails at call time.
func NewPool(cfg config.ProvidersConfig) *Pool {
	p := &Pool{
		providers: make(map[string]Provider),
		limiters:  make(map[string]*rate.Limiter),
	}

	if cfg.Anthropic.APIKey != "" {
		p.register(NewAnthropicProvider(cfg.Anthropic.APIKey,
			WithAnthropicBaseURL(cfg.Anthropic.APIBase)), cfg.Anthropic.RateLimitRPM)
	}
	if cfg.OpenAI.APIKey != "" {
		openai := NewOpenAIProvider(cfg.OpenAI.APIKey,
			WithOpenAIBaseURL(cfg.OpenAI.APIBase),
			WithEmbeddingModel(cfg.EmbeddingModel))
		p.register(openai, cfg.OpenAI.RateLimitRPM)
		p.embedder = openai
	}
	return p
}

// Register adds or replaces a provider (used by tests to install
// fakes).
func (p *Pool) Register(prov Provider, rpm int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[prov.Name()] = prov
	p.limiters[prov.Name()] = newLimiter(rpm)
	if p.embedder == nil {
		p.embedder = prov
	}
}

func (p *Pool) register(prov Provider, rpm int) {
	p.providers[prov.Name()] = prov
	p.limiters[prov.Name()] = newLimiter(rpm)
}

func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}

// GenerateText resolves spec ("provider/model"), waits on the
// provider's rate limiter, then calls it.
func (p *Pool) GenerateText(ctx context.Context, spec string, messages []Message, opts Options) (*Response, error) {
	providerName, model, err := config.SplitModelSpec(spec)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	prov, ok := p.providers[providerName]
	limiter := p.limiters[providerName]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrProviderError, providerName)
	}

	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return prov.GenerateText(ctx, model, messages, opts)
}

// Embed routes to the configured embedding provider.
func (p *Pool) Embed(ctx context.Context, text string) ([]float64, error) {
	p.mu.RLock()
	embedder := p.embedder
	p.mu.RUnlock()
	if embedder == nil {
		return nil, fmt.Errorf("%w: no embedding provider configured", ErrProviderError)
	}
	return embedder.Embed(ctx, text)
}
