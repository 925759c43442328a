package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/internal/retry"
)

type eventSink struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (s *eventSink) emit(ev model.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []model.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.StreamEvent(nil), s.events...)
}

// sseServer writes records one flush at a time.
func sseServer(t *testing.T, records ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, rec := range records {
			fmt.Fprint(w, rec)
			flusher.Flush()
		}
	}))
}

func TestStream_DeliversUntilResult(t *testing.T) {
	var body model.StreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		flusher := w.(http.Flusher)
		for _, rec := range []string{
			"data: {\"step\":\"parsing\",\"progress\":0}\n\n",
			"data: {\"chunk\":\"수출\"}\n\n",
			"data: {\"result\":{\"ok\":true}}\n\n",
			"data: {\"chunk\":\"late\"}\n\n",
		} {
			fmt.Fprint(w, rec)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	sink := &eventSink{}
	req := model.StreamRequest{Query: "반도체 수출", RequestID: "req-1"}
	err := NewStreamClient(srv.URL, nil, nil).Stream(context.Background(), req, sink.emit)

	require.NoError(t, err)
	assert.Equal(t, req, body)
	events := sink.all()
	require.Len(t, events, 3)
	assert.Equal(t, model.ProgressEvent("parsing", 0), events[0])
	assert.Equal(t, model.ChunkEvent("수출"), events[1])
	assert.Equal(t, model.EventResult, events[2].Kind)
	assert.JSONEq(t, `{"ok":true}`, string(events[2].Payload))
}

func TestStream_EOFWithoutTerminalIsRetryable(t *testing.T) {
	srv := sseServer(t, "data: {\"chunk\":\"partial\"}\n\n")
	defer srv.Close()

	sink := &eventSink{}
	err := NewStreamClient(srv.URL, nil, nil).Stream(context.Background(), model.StreamRequest{RequestID: "r"}, sink.emit)

	require.ErrorIs(t, err, retry.ErrConnection)
	events := sink.all()
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, model.EventError, last.Kind)
	assert.Equal(t, model.ErrorKindConnection, last.ErrKind)
	assert.True(t, last.Retryable)
}

func TestStream_DoneWithoutResultSynthesizesResult(t *testing.T) {
	srv := sseServer(t, "data: {\"chunk\":\"a\"}\n\n", "data: [DONE]\n\n")
	defer srv.Close()

	sink := &eventSink{}
	err := NewStreamClient(srv.URL, nil, nil).Stream(context.Background(), model.StreamRequest{RequestID: "r"}, sink.emit)

	require.NoError(t, err)
	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, model.ResultEvent(nil), events[1])
}

func TestStream_TrailingRecordWithoutSeparator(t *testing.T) {
	srv := sseServer(t, "data: {\"result\":{\"n\":1}}")
	defer srv.Close()

	sink := &eventSink{}
	err := NewStreamClient(srv.URL, nil, nil).Stream(context.Background(), model.StreamRequest{}, sink.emit)

	require.NoError(t, err)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, model.EventResult, sink.all()[0].Kind)
}

func TestStream_HTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		kind      model.ErrorKind
		retryable bool
	}{
		{"server error is retryable", http.StatusBadGateway, model.ErrorKindConnection, true},
		{"rate limited is retryable", http.StatusTooManyRequests, model.ErrorKindConnection, true},
		{"bad request is terminal", http.StatusBadRequest, model.ErrorKindProtocol, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			sink := &eventSink{}
			err := NewStreamClient(srv.URL, nil, nil).Stream(context.Background(), model.StreamRequest{}, sink.emit)

			require.Error(t, err)
			require.Len(t, sink.all(), 1)
			ev := sink.all()[0]
			assert.Equal(t, tt.kind, ev.ErrKind)
			assert.Equal(t, tt.retryable, ev.Retryable)
			assert.Contains(t, ev.Message, "nope")
		})
	}
}

func TestStream_CancelEmitsNothingFurther(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"chunk\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &eventSink{}
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewStreamClient(srv.URL, nil, nil).Stream(ctx, model.StreamRequest{}, sink.emit)
	}()

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, retry.ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	assert.Len(t, sink.all(), 1)
}
