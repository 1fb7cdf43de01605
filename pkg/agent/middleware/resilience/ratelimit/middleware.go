package ratelimit

import (
	"context"
	"time"

	"g3/pkg/agent/llm"
	"g3/pkg/metrics"
	"g3/pkg/utils"
)

// Middleware acquires capacity from limiter before each call. The estimate is
// prompt tokens plus the requested completion budget.
func Middleware(limiter *TokenBucketLimiter, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop()
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				tokens := utils.CountTokensSimple(llm.PromptText(req.Messages)) + req.MaxTokens

				start := time.Now()
				release, err := limiter.Acquire(ctx, tokens)
				if err != nil {
					recorder.IncThrottle(limiter.provider, "rate_limit")
					return llm.CompletionResponse{}, err
				}
				defer release()
				if wait := time.Since(start); wait > limiter.pollInterval {
					recorder.ObserveQueueWait(limiter.provider, wait)
				}

				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
