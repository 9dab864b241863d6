// Package utils provides tiktoken-based token estimation for agent output.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token usage of captured agent output. The agent is
// an opaque subprocess, so GPT-4 encoding is an approximation used for
// display and history only, never for control decisions.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter with GPT-4 encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

//nolint:gochecknoglobals // Lazy shared codec so per-loop estimates skip re-init
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// EstimateTokens counts tokens in text using a shared counter. If the codec
// cannot be built, every call falls back to character-based estimation.
func EstimateTokens(text string) int {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter()
		if err == nil {
			defaultCounter = counter
		}
	})
	return defaultCounter.CountTokens(text)
}
