package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoResponder_StreamsScriptedAnswer(t *testing.T) {
	r := NewEchoResponder()
	r.Replies["반도체 수출"] = "수출이 12% 증가했습니다."

	var chunks []string
	ans, err := r.Respond(context.Background(), "반도체 수출", func(text string) error {
		chunks = append(chunks, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "수출이 12% 증가했습니다.", ans.Text)
	assert.Equal(t, ans.Text, strings.Join(chunks, ""))
	assert.Len(t, chunks, 3)
}

func TestEchoResponder_DefaultAnswer(t *testing.T) {
	ans, err := NewEchoResponder().Respond(context.Background(), "sales", func(string) error { return nil })
	require.NoError(t, err)
	assert.Contains(t, ans.Text, `"sales"`)
}

func TestEchoResponder_StopsOnChunkError(t *testing.T) {
	stop := errors.New("client gone")
	calls := 0
	_, err := NewEchoResponder().Respond(context.Background(), "a b c", func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestEchoResponder_HonoursCancellation(t *testing.T) {
	r := &EchoResponder{Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Respond(ctx, "q", func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewResponder(t *testing.T) {
	r, err := NewResponder("", "")
	require.NoError(t, err)
	assert.Equal(t, "echo", r.Name())

	_, err = NewResponder(ProviderOpenAI, "")
	assert.Error(t, err)
	_, err = NewResponder(ProviderAnthropic, "")
	assert.Error(t, err)

	r, err = NewResponder("OpenAI", "sk-test")
	require.NoError(t, err)
	assert.Equal(t, "openai", r.Name())

	r, err = NewResponder(ProviderAnthropic, "key")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", r.Name())

	_, err = NewResponder("mistral", "key")
	assert.Error(t, err)
}
