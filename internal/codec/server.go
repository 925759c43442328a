package codec

import (
	"encoding/json"
	"fmt"

	"github.com/capitalize-ai/querysession/internal/model"
)

// DoneRecord ends a chunked stream.
const DoneRecord = "data: " + doneSentinel + "\n\n"

type errorBody struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// PongEnvelope answers a liveness probe.
func PongEnvelope() model.InboundEnvelope {
	return model.InboundEnvelope{Type: model.TypePong}
}

// NewInboundEnvelope builds the socket frame the analysis service sends for
// one event of request requestID.
func NewInboundEnvelope(requestID string, ev model.StreamEvent) (model.InboundEnvelope, error) {
	env := model.InboundEnvelope{RequestID: requestID}

	var data any
	switch ev.Kind {
	case model.EventProgress:
		env.Type = model.TypeProgress
		pct := ev.Percent
		data = model.StreamRecord{Step: ev.Step, Progress: &pct}
	case model.EventChunk:
		env.Type = model.TypeStream
		text := ev.Text
		data = model.StreamRecord{Chunk: &text}
	case model.EventResult:
		env.Type = model.TypeComplete
		env.Data = ev.Payload
		return env, nil
	case model.EventError:
		env.Type = model.TypeError
		env.Message = ev.Message
		data = errorBody{Message: ev.Message, Retryable: ev.Retryable}
	default:
		return env, fmt.Errorf("%w: cannot encode %q event", ErrDecode, ev.Kind)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return env, fmt.Errorf("failed to marshal %s envelope: %w", env.Type, err)
	}
	env.Data = raw
	return env, nil
}

// NewRecord builds the chunked stream record for one event.
func NewRecord(requestID string, ev model.StreamEvent) (model.StreamRecord, error) {
	rec := model.StreamRecord{RequestID: requestID}
	switch ev.Kind {
	case model.EventProgress:
		pct := ev.Percent
		rec.Step = ev.Step
		rec.Progress = &pct
	case model.EventChunk:
		text := ev.Text
		rec.Chunk = &text
	case model.EventResult:
		rec.Result = ev.Payload
		if len(rec.Result) == 0 {
			rec.Result = json.RawMessage("{}")
		}
	case model.EventError:
		raw, err := json.Marshal(errorBody{Message: ev.Message, Retryable: ev.Retryable})
		if err != nil {
			return rec, fmt.Errorf("failed to marshal error record: %w", err)
		}
		rec.Error = raw
		rec.Retryable = ev.Retryable
	default:
		return rec, fmt.Errorf("%w: cannot encode %q event", ErrDecode, ev.Kind)
	}
	return rec, nil
}
