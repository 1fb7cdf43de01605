// Package anthropic adapts the Anthropic Messages API to llm.LLMClient.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

// ClaudeClient calls one Claude model. Middleware is applied by the factory.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClientWithModel creates a client. baseURL may be empty.
func NewClaudeClientWithModel(apiKey, baseURL, model string) llm.LLMClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// ensureAlternation moves system messages to the system parameter and merges
// consecutive user turns so the conversation alternates and ends on a user.
func ensureAlternation(messages []llm.CompletionMessage) (systemPrompt string, merged []llm.CompletionMessage, err error) {
	if len(messages) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts, userParts []string
	flush := func() {
		if len(userParts) > 0 {
			merged = append(merged, llm.NewUserMessage(strings.Join(userParts, "\n\n")))
			userParts = nil
		}
	}
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleAssistant:
			flush()
			merged = append(merged, *msg)
		default:
			userParts = append(userParts, msg.Content)
		}
	}
	flush()

	if len(merged) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be user role, got: %s", merged[0].Role)
	}
	for i := 1; i < len(merged); i++ {
		if merged[i].Role == merged[i-1].Role {
			return "", nil, fmt.Errorf("alternation violation at index %d: consecutive %s messages", i, merged[i].Role)
		}
	}
	if merged[len(merged)-1].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("last message must be user role")
	}
	return strings.Join(systemParts, "\n\n"), merged, nil
}

//nolint:gocritic // value receiver matches interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, messages, err := ensureAlternation(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message alternation error: %v", err))
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
		Messages:    make([]anthropic.MessageParam, 0, len(messages)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for i := range messages {
		block := anthropic.NewTextBlock(messages[i].Content)
		if messages[i].Role == llm.RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text.WriteString(resp.Content[i].AsText().Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "Claude returned no text content")
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		t := llmerrors.ClassifyStatus(apiErr.StatusCode)
		// 529 overloaded
		if apiErr.StatusCode == 529 {
			t = llmerrors.ErrorTypeTransient
		}
		return &llmerrors.Error{Type: t, StatusCode: apiErr.StatusCode, Err: err, Message: fmt.Sprintf("anthropic status %d", apiErr.StatusCode)}
	}
	return llmerrors.Classify(err)
}
