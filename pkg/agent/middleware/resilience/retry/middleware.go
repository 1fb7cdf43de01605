package retry

import (
	"context"
	"fmt"
	"time"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
	"g3/pkg/logx"
)

// Middleware retries Complete according to policy. When every attempt fails
// with a retryable error the result is a ServiceUnavailable error so the
// router can move on to another provider.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("llm-retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error
				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if delay := policy.CalculateDelay(attempt); delay > 0 {
						select {
						case <-ctx.Done():
							return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
						case <-time.After(delay):
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err
					if !policy.ShouldRetry(err) {
						return llm.CompletionResponse{}, err //nolint:wrapcheck // pass through
					}
					info := llm.CallInfoFrom(ctx)
					logger.Debug("job %s %s: attempt %d/%d on %s failed: %v",
						info.JobID, info.Role, attempt, policy.Config.MaxAttempts, next.GetModelName(), err)
				}
				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
