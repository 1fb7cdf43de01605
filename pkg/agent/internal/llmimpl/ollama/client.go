// Package ollama adapts a local Ollama server to llm.LLMClient.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

// DefaultHost is used when no host is configured.
const DefaultHost = "http://localhost:11434"

// Client calls one local model.
type Client struct {
	client *api.Client
	model  string
}

// NewOllamaClientWithModel creates a client for hostURL.
func NewOllamaClientWithModel(hostURL, model string) (llm.LLMClient, error) {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", hostURL)
	}
	return &Client{client: api.NewClient(parsed, http.DefaultClient), model: model}, nil
}

//nolint:gocritic // value receiver matches interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}
	messages := make([]api.Message, 0, len(in.Messages))
	for i := range in.Messages {
		messages = append(messages, api.Message{Role: string(in.Messages[i].Role), Content: in.Messages[i].Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if strings.TrimSpace(response.Message.Content) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from ollama")
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: response.DoneReason,
		Usage: llm.Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}, nil
}

func (o *Client) GetModelName() string {
	return o.model
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &llmerrors.Error{
			Type:       llmerrors.ClassifyStatus(statusErr.StatusCode),
			StatusCode: statusErr.StatusCode,
			Err:        err,
			Message:    statusErr.ErrorMessage,
		}
	}
	return llmerrors.Classify(err)
}
