// Package agent builds model clients: one memoised, middleware-wrapped
// llm.LLMClient per provider and model.
package agent

import (
	"fmt"
	"strings"
	"sync"

	"g3/pkg/agent/internal/llmimpl/anthropic"
	"g3/pkg/agent/internal/llmimpl/google"
	"g3/pkg/agent/internal/llmimpl/ollama"
	"g3/pkg/agent/internal/llmimpl/openaiofficial"
	"g3/pkg/agent/llm"
	llmmetrics "g3/pkg/agent/middleware/metrics"
	"g3/pkg/agent/middleware/resilience/circuit"
	"g3/pkg/agent/middleware/resilience/ratelimit"
	"g3/pkg/agent/middleware/resilience/retry"
	"g3/pkg/agent/middleware/resilience/timeout"
	"g3/pkg/config"
	"g3/pkg/logx"
	"g3/pkg/metrics"
)

// ClientSource hands out chat clients by provider key and model.
type ClientSource interface {
	Client(providerKey, model string) (llm.LLMClient, error)
}

// Constructor builds the raw provider client; the factory wraps it.
type Constructor func(provider config.ProviderConfig, apiKey, model string) (llm.LLMClient, error)

// LLMClientFactory memoises clients per "provider:model". Breakers and rate
// limiters are shared by every model of one provider.
type LLMClientFactory struct {
	cfg       *config.Config
	recorder  metrics.Recorder
	construct Constructor
	logger    *logx.Logger
	clients   map[string]llm.LLMClient
	breakers  map[string]*circuit.Breaker
	limiters  map[string]*ratelimit.TokenBucketLimiter
	mu        sync.Mutex
}

// Option customises a factory.
type Option func(*LLMClientFactory)

// WithConstructor replaces the provider SDK constructor.
func WithConstructor(c Constructor) Option {
	return func(f *LLMClientFactory) { f.construct = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(f *LLMClientFactory) { f.recorder = r }
}

// NewLLMClientFactory creates a factory over cfg.Providers.
func NewLLMClientFactory(cfg *config.Config, opts ...Option) *LLMClientFactory {
	f := &LLMClientFactory{
		cfg:       cfg,
		recorder:  metrics.Nop(),
		construct: NewProviderClient,
		logger:    logx.NewLogger("llm"),
		clients:   make(map[string]llm.LLMClient),
		breakers:  make(map[string]*circuit.Breaker),
		limiters:  make(map[string]*ratelimit.TokenBucketLimiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Client returns the client for providerKey and model. A blank model uses
// the provider's default_model. The same pair always yields the same client.
func (f *LLMClientFactory) Client(providerKey, model string) (llm.LLMClient, error) {
	providerKey = strings.TrimSpace(providerKey)
	provider, err := f.cfg.Provider(providerKey)
	if err != nil {
		return nil, fmt.Errorf("model client: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = provider.DefaultModel
	}
	if model == "" {
		return nil, fmt.Errorf("model client: provider %q has no model and no default_model", providerKey)
	}

	key := providerKey + ":" + model
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	apiKey, err := config.GetAPIKey(&provider)
	if err != nil {
		return nil, fmt.Errorf("model client %s: %w", key, err)
	}
	raw, err := f.construct(provider, apiKey, model)
	if err != nil {
		return nil, fmt.Errorf("model client %s: %w", key, err)
	}

	client := llm.Chain(raw,
		llmmetrics.Middleware(f.recorder, providerKey, nil, f.logger),
		circuit.Middleware(providerKey, f.breakerLocked(providerKey)),
		retry.Middleware(retry.NewPolicy(retryConfig(provider), nil)),
		ratelimit.Middleware(f.limiterLocked(providerKey, provider), f.recorder),
		timeout.Middleware(provider.Timeout()),
	)
	f.clients[key] = client
	f.logger.Debug("created client %s (%s)", key, provider.Kind)
	return client, nil
}

// Breaker returns the circuit breaker of a provider key, creating it if needed.
func (f *LLMClientFactory) Breaker(providerKey string) *circuit.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breakerLocked(providerKey)
}

func (f *LLMClientFactory) breakerLocked(providerKey string) *circuit.Breaker {
	b, ok := f.breakers[providerKey]
	if !ok {
		b = circuit.New(circuit.DefaultConfig)
		f.breakers[providerKey] = b
	}
	return b
}

func (f *LLMClientFactory) limiterLocked(providerKey string, p config.ProviderConfig) *ratelimit.TokenBucketLimiter {
	l, ok := f.limiters[providerKey]
	if !ok {
		limits := ratelimit.Config{TokensPerMinute: p.TokensPerMinute, MaxConcurrency: p.MaxConcurrency}
		if def, known := config.ProviderDefaults[p.Kind]; known {
			if limits.TokensPerMinute == 0 {
				limits.TokensPerMinute = def.TokensPerMinute
			}
			if limits.MaxConcurrency == 0 {
				limits.MaxConcurrency = def.MaxConcurrency
			}
		}
		l = ratelimit.NewTokenBucketLimiter(providerKey, limits)
		f.limiters[providerKey] = l
	}
	return l
}

func retryConfig(p config.ProviderConfig) retry.Config {
	rc := retry.DefaultConfig
	// max_retries counts retries, MaxAttempts counts calls.
	if p.MaxRetries >= 0 {
		rc.MaxAttempts = p.MaxRetries + 1
	}
	return rc
}

// NewProviderClient builds the SDK client for a provider kind.
func NewProviderClient(p config.ProviderConfig, apiKey, model string) (llm.LLMClient, error) {
	switch p.Kind {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, p.BaseURL, model), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, p.BaseURL, model), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, p.BaseURL, model), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", p.Kind)
	}
}
