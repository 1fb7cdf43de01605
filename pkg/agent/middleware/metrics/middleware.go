// Package metrics records every model call: latency, token usage, cost and
// the classified error type.
package metrics

import (
	"context"
	"errors"
	"time"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
	"g3/pkg/config"
	"g3/pkg/logx"
	g3metrics "g3/pkg/metrics"
	"g3/pkg/utils"
)

// UsageExtractor returns token counts for a finished call.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor trusts provider-reported usage and falls back to
// counting tokens locally.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	promptTokens = resp.Usage.PromptTokens
	completionTokens = resp.Usage.CompletionTokens
	if promptTokens == 0 {
		promptTokens = utils.CountTokensSimple(llm.PromptText(req.Messages))
	}
	if completionTokens == 0 {
		completionTokens = utils.CountTokensSimple(resp.Content)
	}
	return promptTokens, completionTokens
}

// Middleware observes calls for provider into recorder.
func Middleware(recorder g3metrics.Recorder, provider string, extractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if extractor == nil {
		extractor = DefaultUsageExtractor
	}
	if recorder == nil {
		recorder = g3metrics.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				modelName := next.GetModelName()
				info := llm.CallInfoFrom(ctx)

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				obs := g3metrics.Request{
					Model:    modelName,
					Provider: provider,
					JobID:    info.JobID,
					Role:     info.Role,
					Duration: duration,
					Success:  err == nil,
				}
				if err == nil {
					obs.PromptTokens, obs.CompletionTokens = extractor(req, resp)
					obs.Cost = config.CalculateCost(modelName, obs.PromptTokens, obs.CompletionTokens)
				} else {
					obs.ErrorType = errorType(err)
				}
				recorder.ObserveRequest(obs)

				if logger != nil {
					if err != nil {
						logger.WithJob(info.JobID).Warn("model call failed: provider=%s model=%s role=%s task=%s error=%s duration=%dms",
							provider, modelName, info.Role, info.Task, obs.ErrorType, duration.Milliseconds())
					} else {
						logger.WithJob(info.JobID).Info("model call: provider=%s model=%s role=%s task=%s tokens=%d+%d duration=%dms",
							provider, modelName, info.Role, info.Task, obs.PromptTokens, obs.CompletionTokens, duration.Milliseconds())
					}
				}
				return resp, err //nolint:wrapcheck // pass through
			},
			next.GetModelName,
		)
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return llmerrors.TypeOf(err).String()
	}
}
