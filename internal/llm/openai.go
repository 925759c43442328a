package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIResponder answers queries with an OpenAI chat model.
type OpenAIResponder struct {
	client *openai.Client
	model  string
}

// NewOpenAIResponder creates a new OpenAI responder.
func NewOpenAIResponder(apiKey string) (*OpenAIResponder, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIResponder{
		client: openai.NewClient(apiKey),
		model:  defaultOpenAIModel,
	}, nil
}

// Name returns the provider name.
func (r *OpenAIResponder) Name() string {
	return string(ProviderOpenAI)
}

// Respond streams a chat completion for query.
func (r *OpenAIResponder) Respond(ctx context.Context, query string, onChunk ChunkFunc) (*Answer, error) {
	start := time.Now()

	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analystPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		MaxTokens: defaultMaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			if err := onChunk(delta); err != nil {
				return nil, err
			}
		}
	}

	// Streaming responses carry no usage; estimate.
	return &Answer{
		Text:      content.String(),
		Model:     r.model,
		TokensIn:  len(query) / 4,
		TokensOut: content.Len() / 4,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
