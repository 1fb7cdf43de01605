package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/internal/mocks"
	"g3/pkg/agent/llm"
	"g3/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"local":    {Kind: config.ProviderOllama, BaseURL: "http://127.0.0.1:11434", DefaultModel: "qwen2.5-coder"},
			"nomodel":  {Kind: config.ProviderOllama, BaseURL: "http://127.0.0.1:11434"},
			"deepseek": {Kind: config.ProviderOpenAI, BaseURL: "https://api.deepseek.com", APIKeyEnv: "G3_TEST_DEEPSEEK_KEY", DefaultModel: "deepseek-chat"},
		},
	}
}

func countingFactory(t *testing.T, built *int) *LLMClientFactory {
	t.Helper()
	return NewLLMClientFactory(testConfig(), WithConstructor(func(_ config.ProviderConfig, _ string, model string) (llm.LLMClient, error) {
		*built++
		m := mocks.NewMockLLMClient(model)
		m.RespondWith("ok")
		return m, nil
	}))
}

func TestClientIsMemoised(t *testing.T) {
	built := 0
	f := countingFactory(t, &built)

	a, err := f.Client("local", "qwen2.5-coder")
	require.NoError(t, err)
	b, err := f.Client("local", "")
	require.NoError(t, err)

	assert.Same(t, a, b, "blank model resolves to default and hits the cache")
	assert.Equal(t, 1, built)

	_, err = f.Client("local", "llama3")
	require.NoError(t, err)
	assert.Equal(t, 2, built)
}

func TestClientErrors(t *testing.T) {
	built := 0
	f := countingFactory(t, &built)

	_, err := f.Client("", "m")
	assert.Error(t, err, "blank provider key")

	_, err = f.Client("missing", "m")
	assert.Error(t, err, "unknown provider")

	_, err = f.Client("nomodel", "")
	assert.Error(t, err, "no model and no default")

	t.Setenv("G3_TEST_DEEPSEEK_KEY", "")
	_, err = f.Client("deepseek", "")
	assert.Error(t, err, "missing api key")
	assert.Equal(t, 0, built)
}

func TestClientIsWrapped(t *testing.T) {
	built := 0
	f := countingFactory(t, &built)
	c, err := f.Client("local", "")
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "qwen2.5-coder", c.GetModelName())
	assert.NotNil(t, f.Breaker("local"))
}

func TestNewProviderClientKinds(t *testing.T) {
	for _, kind := range []string{config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle, config.ProviderOllama} {
		c, err := NewProviderClient(config.ProviderConfig{Kind: kind}, "http://localhost:11434", "m")
		require.NoError(t, err, kind)
		assert.Equal(t, "m", c.GetModelName())
	}
	_, err := NewProviderClient(config.ProviderConfig{Kind: "bogus"}, "", "m")
	assert.Error(t, err)
}
