package mocks

import (
	"context"
	"fmt"
	"sync"

	"g3/pkg/agent/llm"
)

// MockLLMClient is a scriptable llm.LLMClient that records its calls.
type MockLLMClient struct {
	CompleteFunc  func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)
	modelName     string
	CompleteCalls []llm.CompletionRequest
	mu            sync.Mutex
}

// NewMockLLMClient creates a mock that answers "Mock response".
func NewMockLLMClient(model string) *MockLLMClient {
	if model == "" {
		model = "mock-model"
	}
	m := &MockLLMClient{modelName: model}
	m.RespondWith("Mock response")
	return m
}

func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

// OnComplete installs a custom handler.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// RespondWith always returns content.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// FailWith always returns err.
func (m *MockLLMClient) FailWith(err error) {
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// RespondWithSequence returns the contents in order, repeating the last one.
func (m *MockLLMClient) RespondWithSequence(contents ...string) {
	idx := 0
	var mu sync.Mutex
	m.OnComplete(func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(contents) == 0 {
			return llm.CompletionResponse{}, fmt.Errorf("mock: no responses configured")
		}
		c := contents[len(contents)-1]
		if idx < len(contents) {
			c = contents[idx]
			idx++
		}
		return llm.CompletionResponse{Content: c, StopReason: "end_turn"}, nil
	})
}

// CallCount returns how many times Complete ran.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

// LastPrompt returns the flattened text of the most recent request.
func (m *MockLLMClient) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CompleteCalls) == 0 {
		return ""
	}
	return llm.PromptText(m.CompleteCalls[len(m.CompleteCalls)-1].Messages)
}

// Prompts returns the flattened text of every request.
func (m *MockLLMClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CompleteCalls))
	for i := range m.CompleteCalls {
		out[i] = llm.PromptText(m.CompleteCalls[i].Messages)
	}
	return out
}
