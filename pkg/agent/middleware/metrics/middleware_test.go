package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
	g3metrics "g3/pkg/metrics"
)

type captureRecorder struct {
	g3metrics.NoopRecorder
	mu   sync.Mutex
	reqs []g3metrics.Request
}

func (c *captureRecorder) ObserveRequest(r g3metrics.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
}

func TestMiddlewareRecordsSuccess(t *testing.T) {
	rec := &captureRecorder{}
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "ok", Usage: llm.Usage{PromptTokens: 11, CompletionTokens: 7}}, nil
		},
		func() string { return "gpt-4o" },
	)
	client := Middleware(rec, "openai", nil, nil)(base)

	ctx := llm.WithCallInfo(context.Background(), llm.CallInfo{JobID: "job-1", Role: "coder"})
	if _, err := client.Complete(ctx, llm.CompletionRequest{}); err != nil {
		t.Fatal(err)
	}
	if len(rec.reqs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(rec.reqs))
	}
	got := rec.reqs[0]
	if !got.Success || got.JobID != "job-1" || got.Role != "coder" || got.Provider != "openai" || got.Model != "gpt-4o" {
		t.Errorf("unexpected observation: %+v", got)
	}
	if got.PromptTokens != 11 || got.CompletionTokens != 7 {
		t.Errorf("expected provider usage, got %d+%d", got.PromptTokens, got.CompletionTokens)
	}
}

func TestMiddlewareRecordsErrorType(t *testing.T) {
	rec := &captureRecorder{}
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeRateLimit, "slow")
		},
		func() string { return "m" },
	)
	client := Middleware(rec, "p", nil, nil)(base)
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if !llmerrors.Is(err, llmerrors.ErrorTypeRateLimit) {
		t.Fatalf("error should pass through, got %v", err)
	}
	if rec.reqs[0].Success || rec.reqs[0].ErrorType != "rate_limit" {
		t.Errorf("unexpected observation: %+v", rec.reqs[0])
	}
}

func TestErrorType(t *testing.T) {
	if errorType(context.Canceled) != "canceled" {
		t.Error("canceled")
	}
	if errorType(context.DeadlineExceeded) != "timeout" {
		t.Error("timeout")
	}
	if errorType(errors.New("x")) != "unknown" {
		t.Error("unknown")
	}
}

func TestDefaultUsageExtractorCountsWhenMissing(t *testing.T) {
	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{llm.NewUserMessage("hello there world")}}
	p, c := DefaultUsageExtractor(req, llm.CompletionResponse{Content: "hi"})
	if p == 0 || c == 0 {
		t.Errorf("expected local counts, got %d+%d", p, c)
	}
}
