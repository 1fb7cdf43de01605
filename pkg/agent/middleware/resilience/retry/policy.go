// Package retry re-issues model calls that failed for transient reasons.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"g3/pkg/agent/llmerrors"
)

// Config is the backoff schedule.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor"`
	Jitter        bool          `json:"jitter"`
}

// DefaultConfig makes three attempts in total.
//
//nolint:gochecknoglobals // package defaults
var DefaultConfig = Config{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Cancellation, auth and bad prompts
// are final; unclassified errors are classified from their text first.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var llmErr *llmerrors.Error
	if !errors.As(llmerrors.Classify(err), &llmErr) {
		return false
	}
	return llmErr.IsRetryable()
}

// Policy pairs a schedule with a classifier.
type Policy struct {
	Classifier Classifier
	Config     Config
}

// NewPolicy creates a policy, defaulting the classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Policy{Config: config, Classifier: classifier}
}

// CalculateDelay returns the wait before attempt (1-based). The first attempt
// never waits.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		// +/-10%
		delay += time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
	}
	return delay
}

// ShouldRetry applies the policy's classifier.
func (p *Policy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}
