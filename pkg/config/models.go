package config

import (
	"fmt"
	"os"
	"strings"
)

// ModelInfo is static metadata about a known model.
type ModelInfo struct {
	Provider         string
	InputCPM         float64 // USD per million input tokens
	OutputCPM        float64 // USD per million output tokens
	MaxContextTokens int
	MaxOutputTokens  int
}

// KnownModels lists models with pricing and limits. Unknown models are
// inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // static registry
var KnownModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, MaxContextTokens: 200000, MaxOutputTokens: 8192},
	"claude-opus-4-1":   {Provider: ProviderAnthropic, InputCPM: 15.0, OutputCPM: 75.0, MaxContextTokens: 200000, MaxOutputTokens: 16384},
	"gpt-4o":            {Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0, MaxContextTokens: 128000, MaxOutputTokens: 4096},
	"o4-mini":           {Provider: ProviderOpenAI, InputCPM: 1.1, OutputCPM: 4.4, MaxContextTokens: 128000, MaxOutputTokens: 16384},
	"deepseek-chat":     {Provider: ProviderOpenAI, InputCPM: 0.27, OutputCPM: 1.1, MaxContextTokens: 64000, MaxOutputTokens: 8192},
	"gemini-2.5-flash":  {Provider: ProviderGoogle, InputCPM: 0.30, OutputCPM: 2.50, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"gemini-2.5-pro":    {Provider: ProviderGoogle, InputCPM: 1.25, OutputCPM: 10.0, MaxContextTokens: 1048576, MaxOutputTokens: 65536},
	"qwen2.5-coder":     {Provider: ProviderOllama, MaxContextTokens: 32768, MaxOutputTokens: 8192},
}

// ProviderPattern maps a model name prefix to a provider kind.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns infer the provider of models missing from KnownModels.
//
//nolint:gochecknoglobals // static inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"deepseek-chat", ProviderOpenAI},
	{"deepseek-reasoner", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"ollama:", ProviderOllama},
}

// ProviderLimits are default rate limits per provider kind.
type ProviderLimits struct {
	TokensPerMinute int
	MaxConcurrency  int
}

// ProviderDefaults is consulted when a provider omits its limits.
//
//nolint:gochecknoglobals // static defaults
var ProviderDefaults = map[string]ProviderLimits{
	ProviderAnthropic: {TokensPerMinute: 300000, MaxConcurrency: 5},
	ProviderOpenAI:    {TokensPerMinute: 150000, MaxConcurrency: 5},
	ProviderGoogle:    {TokensPerMinute: 1200000, MaxConcurrency: 5},
	ProviderOllama:    {TokensPerMinute: 1000000, MaxConcurrency: 2},
}

// GetModelProvider returns the provider kind for a model name.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model %q: no known provider mapping or pattern match", modelName)
}

// GetModelInfo returns metadata for a model. Unknown models get conservative
// limits and the bool is false.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, ok := KnownModels[modelName]; ok {
		return info, true
	}
	provider, _ := GetModelProvider(modelName)
	return ModelInfo{
		Provider:         provider,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// CalculateCost prices a call; unknown models cost zero.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, ok := KnownModels[modelName]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1_000_000*info.InputCPM + float64(completionTokens)/1_000_000*info.OutputCPM
}

// Default environment variables per provider kind.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// GetAPIKey resolves the credential for a configured provider. For Ollama
// it returns the host URL instead.
func GetAPIKey(p *ProviderConfig) (string, error) {
	if p.Kind == ProviderOllama {
		if p.BaseURL != "" {
			return p.BaseURL, nil
		}
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		return "http://localhost:11434", nil
	}

	envVar := p.APIKeyEnv
	if envVar == "" {
		switch p.Kind {
		case ProviderAnthropic:
			envVar = EnvAnthropicAPIKey
		case ProviderOpenAI:
			envVar = EnvOpenAIAPIKey
		case ProviderGoogle:
			envVar = EnvGoogleAPIKey
		default:
			return "", fmt.Errorf("unknown provider kind: %s", p.Kind)
		}
	}
	key, err := GetSecret(envVar)
	if err != nil || key == "" {
		return "", fmt.Errorf("API key not found: %s not set in secrets file or environment", envVar)
	}
	return key, nil
}
