package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-20241022"

// AnthropicResponder answers queries with an Anthropic model.
type AnthropicResponder struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicResponder creates a new Anthropic responder.
func NewAnthropicResponder(apiKey string) (*AnthropicResponder, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	return &AnthropicResponder{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  defaultAnthropicModel,
	}, nil
}

// Name returns the provider name.
func (r *AnthropicResponder) Name() string {
	return string(ProviderAnthropic)
}

// Respond streams a message for query.
func (r *AnthropicResponder) Respond(ctx context.Context, query string, onChunk ChunkFunc) (*Answer, error) {
	start := time.Now()

	prompt := analystPrompt + "\n\nQuestion: " + query
	stream := r.client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(r.model),
		MaxTokens: anthropic.F(int64(defaultMaxTokens)),
		Messages: anthropic.F([]anthropic.MessageParam{{
			Role: anthropic.F(anthropic.MessageParamRoleUser),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(prompt),
				},
			}),
		}}),
	})

	var content strings.Builder
	var tokensOut int
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if event.Delta.Type != "text_delta" {
				continue
			}
			content.WriteString(event.Delta.Text)
			if err := onChunk(event.Delta.Text); err != nil {
				return nil, err
			}
		case anthropic.MessageStreamEventTypeMessageDelta:
			tokensOut = int(event.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return &Answer{
		Text:      content.String(),
		Model:     r.model,
		TokensIn:  len(prompt) / 4,
		TokensOut: tokensOut,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
