// Package google adapts the Gemini API to llm.LLMClient.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

// GeminiClient calls one Gemini model. The SDK client is created on first use
// because construction needs a context.
type GeminiClient struct {
	client  *genai.Client
	initErr error
	apiKey  string
	baseURL string
	model   string
	once    sync.Once
}

// NewGeminiClientWithModel creates a client. baseURL may be empty.
func NewGeminiClientWithModel(apiKey, baseURL, model string) llm.LLMClient {
	return &GeminiClient{apiKey: apiKey, baseURL: baseURL, model: model}
}

func (g *GeminiClient) init(ctx context.Context) error {
	g.once.Do(func() {
		cfg := &genai.ClientConfig{APIKey: g.apiKey, Backend: genai.BackendGeminiAPI}
		if g.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
		}
		g.client, g.initErr = genai.NewClient(ctx, cfg)
	})
	if g.initErr != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, g.initErr, "failed to create Gemini client")
	}
	return nil
}

// convertMessages splits system text from the conversation; Gemini calls the
// assistant role "model".
func convertMessages(messages []llm.CompletionMessage) (contents []*genai.Content, system string, err error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}
	var systemParts []string
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case llm.RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, strings.Join(systemParts, "\n\n"), nil
}

//nolint:gocritic // value receiver matches interface
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	contents, system, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, err.Error())
	}
	if err := g.init(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	temperature := in.Temperature
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by config
	}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil || strings.TrimSpace(result.Text()) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	resp := llm.CompletionResponse{Content: result.Text()}
	if len(result.Candidates) > 0 {
		resp.StopReason = string(result.Candidates[0].FinishReason)
	}
	if result.UsageMetadata != nil {
		resp.Usage.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.Usage.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

func (g *GeminiClient) GetModelName() string {
	return g.model
}

func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Err:        err,
			Message:    apiErr.Message,
		}
	}
	return llmerrors.Classify(err)
}
