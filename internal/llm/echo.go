package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EchoResponder answers from a fixed script without calling any model. It is
// the default for local development and tests.
type EchoResponder struct {
	// Replies maps a query to its canned answer.
	Replies map[string]string
	// Delay is slept before every chunk.
	Delay time.Duration
}

// NewEchoResponder creates a responder with no script.
func NewEchoResponder() *EchoResponder {
	return &EchoResponder{Replies: map[string]string{}}
}

// Name returns the provider name.
func (r *EchoResponder) Name() string {
	return string(ProviderEcho)
}

// Respond emits the scripted answer word by word.
func (r *EchoResponder) Respond(ctx context.Context, query string, onChunk ChunkFunc) (*Answer, error) {
	start := time.Now()

	text, ok := r.Replies[query]
	if !ok {
		text = fmt.Sprintf("Here is what I found for %q.", query)
	}

	for _, word := range strings.SplitAfter(text, " ") {
		if r.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := onChunk(word); err != nil {
			return nil, err
		}
	}

	return &Answer{
		Text:      text,
		Model:     "echo",
		TokensOut: len(strings.Fields(text)),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
