package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

func TestNewClientRejectsBadHost(t *testing.T) {
	_, err := NewOllamaClientWithModel("not a url", "m")
	assert.Error(t, err)

	c, err := NewOllamaClientWithModel("", "qwen2.5-coder")
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder", c.GetModelName())
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "qwen2.5-coder", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"qwen2.5-coder","message":{"role":"assistant","content":"done"},
			"done":true,"done_reason":"stop","prompt_eval_count":9,"eval_count":2}`))
	}))
	defer srv.Close()

	client, err := NewOllamaClientWithModel(srv.URL, "qwen2.5-coder")
	require.NoError(t, err)
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 9, resp.Usage.PromptTokens)
	assert.Equal(t, 2, resp.Usage.CompletionTokens)
}

func TestCompleteEmptyIsClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":""},"done":true}`))
	}))
	defer srv.Close()

	client, err := NewOllamaClientWithModel(srv.URL, "m")
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse), "got %v", err)
}
