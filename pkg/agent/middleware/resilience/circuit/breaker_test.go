package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"g3/pkg/agent/llm"
	"g3/pkg/agent/llmerrors"
)

func TestBreakerTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(Config{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Minute})
	b.now = func() time.Time { return now }

	b.Record(false)
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after one failure, got %s", b.State())
	}
	b.Record(false)
	if b.State() != Open {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker should reject")
	}

	now = now.Add(2 * time.Minute)
	if !b.Allow() || b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after cool-down, got %s", b.State())
	}
	b.Record(true)
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after trial success, got %s", b.State())
	}
}

func TestMiddlewareRejectsWhenOpen(t *testing.T) {
	calls := 0
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{}, errors.New("503 overloaded")
		},
		func() string { return "m" },
	)
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour})
	client := Middleware("anthropic", b)(base)

	_, _ = client.Complete(context.Background(), llm.CompletionRequest{})
	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if calls != 1 {
		t.Errorf("expected provider to be called once, got %d", calls)
	}
	if !llmerrors.IsServiceUnavailable(err) {
		t.Errorf("expected service unavailable, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Provider != "anthropic" {
		t.Errorf("expected circuit error for anthropic, got %v", err)
	}
}

func TestMiddlewareIgnoresBadPrompt(t *testing.T) {
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "too long")
		},
		func() string { return "m" },
	)
	b := New(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour})
	client := Middleware("p", b)(base)
	_, _ = client.Complete(context.Background(), llm.CompletionRequest{})
	if b.State() != Closed {
		t.Errorf("bad prompt should not trip the breaker, state %s", b.State())
	}
}
