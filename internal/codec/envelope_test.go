package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querysession/internal/model"
)

func TestEncodeEnvelope(t *testing.T) {
	b, err := EncodeEnvelope(model.ActionStream, model.StreamRequest{
		Query:     "반도체 수출",
		RequestID: "req-1",
		Context:   map[string]any{"session_id": "s-1"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"stream","data":{"query":"반도체 수출","request_id":"req-1","context":{"session_id":"s-1"}}}`, string(b))

	assert.JSONEq(t, `{"action":"ping"}`, string(PingFrame()))
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantID string
		wantOK bool
		want   model.StreamEvent
	}{
		{
			name:   "progress",
			raw:    `{"type":"progress","request_id":"r1","data":{"step":"collect","progress":40}}`,
			wantID: "r1", wantOK: true,
			want: model.ProgressEvent("collect", 40),
		},
		{
			name:   "progress with percent and id in data",
			raw:    `{"type":"progress","data":{"step":"s","percent":100,"request_id":"r2"}}`,
			wantID: "r2", wantOK: true,
			want: model.ProgressEvent("s", 100),
		},
		{
			name:   "stream chunk",
			raw:    `{"type":"stream","request_id":"r1","data":{"chunk":"abc"}}`,
			wantID: "r1", wantOK: true,
			want: model.ChunkEvent("abc"),
		},
		{
			name:   "stream content",
			raw:    `{"type":"stream","request_id":"r1","data":{"content":"abc"}}`,
			wantID: "r1", wantOK: true,
			want: model.ChunkEvent("abc"),
		},
		{
			name:   "complete with embedded error",
			raw:    `{"type":"complete","request_id":"r1","data":{"error":{"message":"overloaded","retryable":true}}}`,
			wantID: "r1", wantOK: true,
			want: model.ErrorEvent(model.ErrorKindProtocol, "overloaded", true),
		},
		{
			name:   "error message",
			raw:    `{"type":"error","request_id":"r1","message":"분석 실패"}`,
			wantID: "r1", wantOK: true,
			want: model.ErrorEvent(model.ErrorKindProtocol, "분석 실패", false),
		},
		{
			name:   "pong",
			raw:    `{"type":"pong"}`,
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ev, ok, err := DecodeEnvelope([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, ev)
			}
		})
	}
}

func TestDecodeEnvelope_Complete(t *testing.T) {
	id, ev, ok, err := DecodeEnvelope([]byte(`{"type":"complete","request_id":"r9","data":{"summary":"done","items":[1,2]}}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "r9", id)
	assert.Equal(t, model.EventResult, ev.Kind)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "done", payload["summary"])
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	_, _, ok, err := DecodeEnvelope([]byte(`{"type":`))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDecode)

	_, _, ok, err = DecodeEnvelope([]byte(`{"type":"mystery"}`))
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDecode)
}
