// Package timeout bounds each model call.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

// Middleware gives every Complete its own deadline. A zero duration disables
// it. Hitting the deadline is a transient failure the retry and router layers
// handle like any other; cancellation of the caller's context passes through
// untouched.
func Middleware(d time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if d <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				callCtx, cancel := context.WithTimeout(ctx, d)
				defer cancel()

				resp, err := next.Complete(callCtx, req)
				if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
					msg := fmt.Sprintf("%s did not answer within %s", next.GetModelName(), d)
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, msg)
				}
				return resp, err //nolint:wrapcheck // pass through
			},
			next.GetModelName,
		)
	}
}
