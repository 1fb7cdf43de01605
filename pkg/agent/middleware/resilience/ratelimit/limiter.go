// Package ratelimit holds model calls back when a provider's token budget or
// concurrency cap is used up.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"g3/pkg/logx"
)

// Config is a provider's budget. Zero values disable the matching limit.
type Config struct {
	TokensPerMinute int `json:"tokens_per_minute"`
	MaxConcurrency  int `json:"max_concurrency"`
}

// Stats is a snapshot for diagnostics.
type Stats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

const refillInterval = 6 * time.Second

// TokenBucketLimiter refills a tenth of the per-minute budget every six
// seconds and caps concurrent requests.
type TokenBucketLimiter struct {
	lastRefill      time.Time
	now             func() time.Time
	logger          *logx.Logger
	provider        string
	mu              sync.Mutex
	availableTokens int
	tokensPerRefill int
	maxCapacity     int
	activeRequests  int
	maxConcurrency  int
	tokenLimitHits  int64
	concurrencyHits int64
	pollInterval    time.Duration
}

// NewTokenBucketLimiter creates a limiter with a full bucket.
func NewTokenBucketLimiter(provider string, cfg Config) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		provider:        provider,
		availableTokens: cfg.TokensPerMinute,
		tokensPerRefill: cfg.TokensPerMinute / 10,
		maxCapacity:     cfg.TokensPerMinute,
		maxConcurrency:  cfg.MaxConcurrency,
		now:             time.Now,
		lastRefill:      time.Now(),
		pollInterval:    100 * time.Millisecond,
		logger:          logx.NewLogger("ratelimit"),
	}
}

// Acquire blocks until tokens and a slot are available or ctx ends. The
// returned func releases the slot. Requests larger than the whole bucket are
// clamped so they can still run once the bucket is full.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int) (func(), error) {
	first := true
	for {
		l.mu.Lock()
		l.refillLocked()

		need := tokens
		if l.maxCapacity > 0 && need > l.maxCapacity {
			need = l.maxCapacity
		}
		hasTokens := l.maxCapacity == 0 || l.availableTokens >= need
		hasSlot := l.maxConcurrency == 0 || l.activeRequests < l.maxConcurrency

		if hasTokens && hasSlot {
			if l.maxCapacity > 0 {
				l.availableTokens -= need
			}
			l.activeRequests++
			l.mu.Unlock()
			var once sync.Once
			return func() { once.Do(l.release) }, nil
		}

		if first {
			if !hasTokens {
				l.tokenLimitHits++
				l.logger.Info("%s token limit hit, waiting for refill (need %d, have %d)", l.provider, need, l.availableTokens)
			}
			if !hasSlot {
				l.concurrencyHits++
				l.logger.Info("%s concurrency limit hit (active %d/%d)", l.provider, l.activeRequests, l.maxConcurrency)
			}
			first = false
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("rate limit wait for %s: %w", l.provider, ctx.Err())
		case <-time.After(l.pollInterval):
		}
	}
}

func (l *TokenBucketLimiter) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activeRequests--
}

func (l *TokenBucketLimiter) refillLocked() {
	if l.maxCapacity == 0 {
		return
	}
	now := l.now()
	steps := int(now.Sub(l.lastRefill) / refillInterval)
	if steps <= 0 {
		return
	}
	l.lastRefill = l.lastRefill.Add(time.Duration(steps) * refillInterval)
	l.availableTokens += steps * l.tokensPerRefill
	if l.availableTokens > l.maxCapacity {
		l.availableTokens = l.maxCapacity
	}
}

// Stats returns a snapshot.
func (l *TokenBucketLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return Stats{
		Provider:        l.provider,
		AvailableTokens: l.availableTokens,
		MaxCapacity:     l.maxCapacity,
		ActiveRequests:  l.activeRequests,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}
