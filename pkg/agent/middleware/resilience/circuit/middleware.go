package circuit

import (
	"context"
	"errors"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

// Middleware guards a client with breaker. Bad prompts and cancellations are
// caller faults and do not count against the provider.
func Middleware(provider string, breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					cerr := &Error{Provider: provider, State: breaker.State()}
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeServiceUnavailable, cerr, cerr.Error())
				}

				resp, err := next.Complete(ctx, req)
				switch {
				case err == nil:
					breaker.Record(true)
				case errors.Is(err, context.Canceled), llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt):
				default:
					breaker.Record(false)
				}
				return resp, err //nolint:wrapcheck // pass through
			},
			next.GetModelName,
		)
	}
}
