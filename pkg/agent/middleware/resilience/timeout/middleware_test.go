package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

func slowClient(delay time.Duration) llm.LLMClient {
	return llm.WrapClient(
		func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			select {
			case <-time.After(delay):
				return llm.CompletionResponse{Content: "ok"}, nil
			case <-ctx.Done():
				return llm.CompletionResponse{}, ctx.Err()
			}
		},
		func() string { return "slow-model" },
	)
}

func TestDeadlineIsTransient(t *testing.T) {
	client := Middleware(10 * time.Millisecond)(slowClient(time.Second))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if !llmerrors.Is(err, llmerrors.ErrorTypeTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cause should be kept, got %v", err)
	}
}

func TestCallerCancellationPassesThrough(t *testing.T) {
	client := Middleware(time.Minute)(slowClient(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, llm.CompletionRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if llmerrors.Is(err, llmerrors.ErrorTypeTransient) {
		t.Error("caller cancellation must not look retryable")
	}
}

func TestFastCallAndDisabled(t *testing.T) {
	for _, d := range []time.Duration{0, time.Minute} {
		resp, err := Middleware(d)(slowClient(0)).Complete(context.Background(), llm.CompletionRequest{})
		if err != nil || resp.Content != "ok" {
			t.Errorf("timeout %s: got %q, %v", d, resp.Content, err)
		}
	}
}
