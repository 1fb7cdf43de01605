package anthropic

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

func TestEnsureAlternation(t *testing.T) {
	sys, msgs, err := ensureAlternation([]llm.CompletionMessage{
		llm.NewSystemMessage("be brief"),
		llm.NewUserMessage("a"),
		llm.NewUserMessage("b"),
	})
	require.NoError(t, err)
	assert.Equal(t, "be brief", sys)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a\n\nb", msgs[0].Content)

	_, _, err = ensureAlternation([]llm.CompletionMessage{llm.NewSystemMessage("only")})
	assert.Error(t, err)

	_, _, err = ensureAlternation([]llm.CompletionMessage{{Role: llm.RoleAssistant, Content: "x"}})
	assert.Error(t, err)
}

func TestCompleteAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "claude-test", body["model"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":12,"output_tokens":3}}`))
	}))
	defer srv.Close()

	client := NewClaudeClientWithModel("key", srv.URL, "claude-test")
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 3, resp.Usage.CompletionTokens)
	assert.Equal(t, "claude-test", client.GetModelName())
}

func TestCompleteClassifiesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}))
	defer srv.Close()

	client := NewClaudeClientWithModel("bad", srv.URL, "claude-test")
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth), "got %v", err)
}
