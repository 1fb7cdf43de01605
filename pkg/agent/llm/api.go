// Package llm defines the chat-completion capability every model provider
// is adapted to, and the middleware type used to decorate it.
package llm

import (
	"context"
	"fmt"
)

// CompletionRole is the author of a message.
type CompletionRole string

const (
	RoleSystem    CompletionRole = "system"
	RoleUser      CompletionRole = "user"
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is used for analysis and planning prompts.
	TemperatureDefault = 0.3
	// TemperatureDeterministic is used for code and structured output.
	TemperatureDeterministic = 0.2
)

// CompletionMessage is one message of a conversation.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// CompletionRequest is a single prompt-in, text-out call.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	Content    string
	StopReason string
	Usage      Usage
}

// LLMClient is a chat-completion capability bound to one provider and model.
type LLMClient interface { //nolint:revive // name kept across the codebase
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model this client calls.
	GetModelName() string
}

// NewCompletionRequest creates a request with default limits.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// LLMConfig is what a provider client needs to be constructed.
type LLMConfig struct { //nolint:revive // name kept across the codebase
	APIKey      string
	BaseURL     string
	ModelName   string
	MaxTokens   int
	Temperature float32
}

// Validate checks the fields every provider needs.
func (c *LLMConfig) Validate() error {
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// PromptText flattens messages into one text block, used by providers that
// take a single input string.
func PromptText(messages []CompletionMessage) string {
	var out string
	for i := range messages {
		if i > 0 {
			out += "\n\n"
		}
		out += messages[i].Content
	}
	return out
}
