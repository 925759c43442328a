package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querysession/internal/codec"
	"github.com/capitalize-ai/querysession/internal/llm"
	"github.com/capitalize-ai/querysession/internal/model"
)

type failingResponder struct{ err error }

func (failingResponder) Name() string { return "failing" }

func (r failingResponder) Respond(context.Context, string, llm.ChunkFunc) (*llm.Answer, error) {
	return nil, r.err
}

func newTestServer(t *testing.T, responder llm.Responder) (*Server, *httptest.Server) {
	t.Helper()
	if responder == nil {
		echo := llm.NewEchoResponder()
		echo.Replies["반도체 수출"] = "수출이 12% 증가했습니다."
		responder = echo
	}
	srv := NewServer(responder, ServerConfig{MaxQueryLength: 100}, nil)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return srv, ts
}

func postStream(t *testing.T, url, body string) ([]model.StreamEvent, *codec.StreamDecoder) {
	t.Helper()
	resp, err := http.Post(url+"/api/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	d := codec.NewStreamDecoder(nil)
	events := d.Feed(raw)
	return append(events, d.Flush()...), d
}

func TestStream_EmitsProgressChunksAndResult(t *testing.T) {
	_, ts := newTestServer(t, nil)

	events, d := postStream(t, ts.URL, `{"query":"반도체 수출","request_id":"r1"}`)
	assert.True(t, d.Done())

	var percents []float64
	var text strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case model.EventProgress:
			percents = append(percents, ev.Percent)
		case model.EventChunk:
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, []float64{0, 40, 100}, percents)
	assert.Equal(t, "수출이 12% 증가했습니다.", text.String())

	last := events[len(events)-1]
	require.Equal(t, model.EventResult, last.Kind)
	var payload ResultPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, "수출이 12% 증가했습니다.", payload.Answer)
	assert.Equal(t, "반도체 수출", payload.Query)
	assert.Equal(t, "r1", payload.RequestID)
}

func TestStream_RejectsInvalidRequests(t *testing.T) {
	_, ts := newTestServer(t, nil)

	for _, body := range []string{`{"query":"  "}`, `not json`, fmt.Sprintf(`{"query":%q}`, strings.Repeat("a", 101))} {
		resp, err := http.Post(ts.URL+"/api/stream", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestStream_ResponderFailure(t *testing.T) {
	_, ts := newTestServer(t, failingResponder{err: errors.New("model overloaded")})

	events, _ := postStream(t, ts.URL, `{"query":"q"}`)
	last := events[len(events)-1]
	assert.Equal(t, model.EventError, last.Kind)
	assert.Equal(t, "model overloaded", last.Message)
	assert.True(t, last.Retryable)

	_, ts = newTestServer(t, failingResponder{err: fmt.Errorf("%w: unsupported question", llm.ErrRejected)})
	events, _ = postStream(t, ts.URL, `{"query":"q"}`)
	assert.False(t, events[len(events)-1].Retryable)
}

func dialSocket(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, model.StreamEvent, bool) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	id, ev, ok, err := codec.DecodeEnvelope(raw)
	require.NoError(t, err)
	return id, ev, ok
}

func TestSocket_PingAndStream(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialSocket(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, codec.PingFrame()))
	_, _, ok := readEnvelope(t, conn)
	assert.False(t, ok, "pong carries no event")
	assert.Equal(t, 1, srv.Sockets.Active())

	frame, err := codec.EncodeEnvelope(model.ActionStream, model.StreamRequest{Query: "반도체 수출", RequestID: "r1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	var kinds []model.EventKind
	for {
		id, ev, ok := readEnvelope(t, conn)
		require.True(t, ok)
		assert.Equal(t, "r1", id)
		kinds = append(kinds, ev.Kind)
		if ev.Terminal() {
			assert.Equal(t, model.EventResult, ev.Kind)
			break
		}
	}
	assert.Equal(t, model.EventProgress, kinds[0])
	assert.Equal(t, model.EventProgress, kinds[1])
	assert.Equal(t, model.EventChunk, kinds[2])
	assert.Equal(t, model.EventProgress, kinds[len(kinds)-2])
}

func TestSocket_ProtocolErrors(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialSocket(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"dance"}`)))
	_, ev, ok := readEnvelope(t, conn)
	require.True(t, ok)
	assert.Equal(t, model.EventError, ev.Kind)
	assert.Contains(t, ev.Message, "unknown action")

	frame, err := codec.EncodeEnvelope(model.ActionStream, model.StreamRequest{Query: " ", RequestID: "r2"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	id, ev, ok := readEnvelope(t, conn)
	require.True(t, ok)
	assert.Equal(t, "r2", id)
	assert.False(t, ev.Retryable)
}

func TestSocket_DropAllIsAbnormalClosure(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialSocket(t, ts)

	require.Eventually(t, func() bool { return srv.Sockets.Active() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Sockets.DropAll())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway))
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		assert.Equal(t, websocket.CloseAbnormalClosure, ce.Code)
	}
}

func TestDrain_ClosesSocketsAndFailsReadiness(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	conn := dialSocket(t, ts)
	require.Eventually(t, func() bool { return srv.Sockets.Active() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, srv.Drain())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, bytes.Contains(body, []byte("api_requests_total")))
}
