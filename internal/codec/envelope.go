package codec

import (
	"encoding/json"
	"fmt"

	"github.com/capitalize-ai/querysession/internal/model"
)

// EncodeEnvelope marshals an outbound socket frame.
func EncodeEnvelope(action string, data any) ([]byte, error) {
	b, err := json.Marshal(model.OutboundEnvelope{Action: action, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", action, err)
	}
	return b, nil
}

// PingFrame returns the liveness probe frame.
func PingFrame() []byte {
	b, _ := EncodeEnvelope(model.ActionPing, nil)
	return b
}

// envelopeData covers the fields the service puts in the data member of the
// different inbound envelope types.
type envelopeData struct {
	Step      string          `json:"step"`
	Progress  *float64        `json:"progress"`
	Percent   *float64        `json:"percent"`
	Chunk     *string         `json:"chunk"`
	Content   *string         `json:"content"`
	Message   string          `json:"message"`
	Error     json.RawMessage `json:"error"`
	Retryable bool            `json:"retryable"`
	RequestID string          `json:"request_id"`
}

// DecodeEnvelope parses one inbound socket frame. ok is false for frames that
// carry no request event (pong) and for frames that failed to decode, in which
// case err wraps ErrDecode.
func DecodeEnvelope(raw []byte) (requestID string, ev model.StreamEvent, ok bool, err error) {
	var env model.InboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", model.StreamEvent{}, false, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var data envelopeData
	if present(env.Data) {
		// Result payloads may be arrays or scalars; only objects carry fields.
		_ = json.Unmarshal(env.Data, &data)
	}

	requestID = env.RequestID
	if requestID == "" {
		requestID = data.RequestID
	}

	switch env.Type {
	case model.TypePong:
		return requestID, model.StreamEvent{}, false, nil

	case model.TypeProgress:
		pct := data.Progress
		if pct == nil {
			pct = data.Percent
		}
		var p float64
		if pct != nil {
			p = *pct
		}
		return requestID, model.ProgressEvent(data.Step, p), true, nil

	case model.TypeStream:
		switch {
		case data.Chunk != nil:
			return requestID, model.ChunkEvent(*data.Chunk), true, nil
		case data.Content != nil:
			return requestID, model.ChunkEvent(*data.Content), true, nil
		default:
			return requestID, model.StreamEvent{}, false, fmt.Errorf("%w: stream envelope without chunk", ErrDecode)
		}

	case model.TypeComplete:
		if present(data.Error) {
			msg, retryable := decodeError(data.Error)
			return requestID, model.ErrorEvent(model.ErrorKindProtocol, msg, retryable || data.Retryable), true, nil
		}
		return requestID, model.ResultEvent(env.Data), true, nil

	case model.TypeError:
		msg := env.Message
		if msg == "" {
			msg = data.Message
		}
		if msg == "" && present(data.Error) {
			msg, _ = decodeError(data.Error)
		}
		return requestID, model.ErrorEvent(model.ErrorKindProtocol, msg, data.Retryable), true, nil

	default:
		return requestID, model.StreamEvent{}, false, fmt.Errorf("%w: unknown envelope type %q", ErrDecode, env.Type)
	}
}
