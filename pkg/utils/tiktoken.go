// Package utils holds small helpers shared across g3 packages.
package utils

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with a cl100k codec. Anthropic, Gemini and
// local models use different vocabularies; cl100k is close enough for
// budgeting and rate limiting.
type TokenCounter struct {
	codec tokenizer.Codec
}

var (
	defaultCounter     *TokenCounter //nolint:gochecknoglobals
	defaultCounterOnce sync.Once     //nolint:gochecknoglobals
)

// NewTokenCounter creates a counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the token count, or a len/4 estimate when the codec
// is unavailable.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// TruncateToTokenLimit keeps the head of text so it fits in limit tokens.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	if limit <= 0 {
		return ""
	}
	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)
	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "\n...[truncated]"
}

// CountTokensSimple counts with a shared counter.
func CountTokensSimple(text string) int {
	return sharedCounter().CountTokens(text)
}

// TruncateTokensSimple truncates with a shared counter.
func TruncateTokensSimple(text string, limit int) string {
	return sharedCounter().TruncateToTokenLimit(text, limit)
}

func sharedCounter() *TokenCounter {
	defaultCounterOnce.Do(func() {
		// On error the nil counter falls back to estimates.
		defaultCounter, _ = NewTokenCounter()
	})
	return defaultCounter
}

// TruncateChars cuts s to at most n bytes, marking the cut. The cut backs
// off to a rune boundary so the result stays valid UTF-8.
func TruncateChars(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n...[truncated]"
}
