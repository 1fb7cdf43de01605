// Package openaiofficial adapts the OpenAI Chat Completions API, and any
// gateway that speaks it, to llm.LLMClient.
package openaiofficial

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
	"g3/pkg/config"
)

// OfficialClient calls one chat model.
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a client. A non-empty baseURL is
// normalised to end in /v1.
func NewOfficialClientWithModel(apiKey, baseURL, model string) llm.LLMClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(NormalizeBaseURL(baseURL)))
	}
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// NormalizeBaseURL makes an OpenAI-compatible base URL end in /v1/.
func NormalizeBaseURL(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if u == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/v1") {
		u += "/v1"
	}
	return u + "/"
}

func convertMessages(messages []llm.CompletionMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		switch messages[i].Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(messages[i].Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(messages[i].Content))
		default:
			out = append(out, openai.UserMessage(messages[i].Content))
		}
	}
	return out
}

//nolint:gocritic // value receiver matches interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	maxTokens := in.MaxTokens
	if info, ok := config.KnownModels[o.model]; ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(o.model),
		Messages:    convertMessages(in.Messages),
		Temperature: openai.Float(float64(in.Temperature)),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from chat completions API")
	}

	return llm.CompletionResponse{
		Content:    resp.Choices[0].Message.Content,
		StopReason: resp.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (o *OfficialClient) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
			Message:    fmt.Sprintf("openai status %d", apiErr.StatusCode),
		}
	}
	return llmerrors.Classify(err)
}
