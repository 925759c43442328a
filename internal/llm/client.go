// Package llm provides the responders that answer analysis queries for the
// development analysis service.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrRejected marks failures that resubmitting the same query cannot fix.
// Responders wrap it; every other error is reported as retryable.
var ErrRejected = errors.New("query rejected")

// ChunkFunc receives each piece of answer text as it is produced. Returning an
// error stops the responder.
type ChunkFunc func(text string) error

// Answer is the final result of one query.
type Answer struct {
	Text      string `json:"answer"`
	Model     string `json:"model"`
	TokensIn  int    `json:"tokens_in,omitempty"`
	TokensOut int    `json:"tokens_out,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Responder answers a natural-language query about the user's data.
type Responder interface {
	// Respond streams the answer to onChunk and returns the full answer.
	Respond(ctx context.Context, query string, onChunk ChunkFunc) (*Answer, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of responder.
type Provider string

const (
	ProviderEcho      Provider = "echo"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

const (
	defaultMaxTokens = 1024

	analystPrompt = "You are a data analyst. Answer the user's question about their data " +
		"in a few short sentences. If the data needed is unknown, say what you would query."
)

// NewResponder creates a responder for provider.
func NewResponder(provider Provider, apiKey string) (Responder, error) {
	switch Provider(strings.ToLower(string(provider))) {
	case ProviderEcho, "":
		return NewEchoResponder(), nil
	case ProviderAnthropic:
		return NewAnthropicResponder(apiKey)
	case ProviderOpenAI:
		return NewOpenAIResponder(apiKey)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
