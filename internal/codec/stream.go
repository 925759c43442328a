package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

// ErrDecode wraps every framing or JSON error reported by this package.
var ErrDecode = errors.New("decode error")

const doneSentinel = "[DONE]"

var (
	sepLF   = []byte("\n\n")
	sepCRLF = []byte("\r\n\r\n")
)

// StreamDecoder reassembles chunked stream records across arbitrary chunk
// boundaries. It is not safe for concurrent use.
type StreamDecoder struct {
	buf    []byte
	done   bool
	closed bool
	logger *logger.Logger
}

// NewStreamDecoder creates a decoder for one response stream.
func NewStreamDecoder(log *logger.Logger) *StreamDecoder {
	return &StreamDecoder{logger: logger.OrNop(log)}
}

// Feed appends raw bytes and returns the events of every record completed by
// them. Empty input yields no events.
func (d *StreamDecoder) Feed(chunk []byte) []model.StreamEvent {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []model.StreamEvent
	for {
		idx, sepLen := nextSeparator(d.buf)
		if idx < 0 {
			break
		}
		record := d.buf[:idx]
		if ev, ok := d.parseRecord(record); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[idx+sepLen:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush parses a trailing record that was not followed by a blank line. It is
// called once the underlying body reaches EOF.
func (d *StreamDecoder) Flush() []model.StreamEvent {
	rest := bytes.TrimSpace(d.buf)
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	if ev, ok := d.parseRecord(rest); ok {
		return []model.StreamEvent{ev}
	}
	return nil
}

// Done reports whether the [DONE] sentinel was seen.
func (d *StreamDecoder) Done() bool { return d.done }

// Closed reports whether a terminal event was emitted.
func (d *StreamDecoder) Closed() bool { return d.closed }

// Buffered returns the number of bytes waiting for a record separator.
func (d *StreamDecoder) Buffered() int { return len(d.buf) }

func nextSeparator(buf []byte) (int, int) {
	lf := bytes.Index(buf, sepLF)
	crlf := bytes.Index(buf, sepCRLF)
	switch {
	case lf < 0 && crlf < 0:
		return -1, 0
	case crlf < 0 || (lf >= 0 && lf < crlf):
		return lf, len(sepLF)
	default:
		return crlf, len(sepCRLF)
	}
}

func (d *StreamDecoder) parseRecord(record []byte) (model.StreamEvent, bool) {
	var data []string
	for _, line := range strings.Split(string(record), "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "", strings.HasPrefix(line, ":"):
			// blank or comment
		default:
			// event:, id:, retry: carry nothing this protocol needs
		}
	}
	if len(data) == 0 {
		return model.StreamEvent{}, false
	}

	body := strings.TrimSpace(strings.Join(data, "\n"))
	if body == doneSentinel {
		d.done = true
		return model.StreamEvent{}, false
	}

	ev, err := DecodeRecord([]byte(body))
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("stream").Inc()
		d.logger.Warn("dropping malformed stream record",
			zap.Error(err),
			zap.Int("bytes", len(body)),
		)
		return model.StreamEvent{}, false
	}

	if d.closed {
		// Re-delivered or trailing records after the terminal event.
		d.logger.Debug("ignoring stream record after terminal event", zap.Stringer("event", ev))
		return model.StreamEvent{}, false
	}
	if ev.Terminal() {
		d.closed = true
	}
	return ev, true
}

// DecodeRecord parses the JSON body of a single stream record.
func DecodeRecord(body []byte) (model.StreamEvent, error) {
	var rec model.StreamRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return model.StreamEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	switch {
	case present(rec.Error):
		msg, retryable := decodeError(rec.Error)
		return model.ErrorEvent(model.ErrorKindProtocol, msg, retryable || rec.Retryable), nil
	case present(rec.Result):
		if embedded, ok := embeddedError(rec.Result); ok {
			msg, retryable := decodeError(embedded)
			return model.ErrorEvent(model.ErrorKindProtocol, msg, retryable || rec.Retryable), nil
		}
		return model.ResultEvent(rec.Result), nil
	case rec.Chunk != nil:
		return model.ChunkEvent(*rec.Chunk), nil
	case rec.Progress != nil || rec.Step != "":
		var pct float64
		if rec.Progress != nil {
			pct = *rec.Progress
		}
		return model.ProgressEvent(rec.Step, pct), nil
	default:
		return model.StreamEvent{}, fmt.Errorf("%w: record carries no known field", ErrDecode)
	}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// embeddedError extracts a non-null "error" member from an object payload.
func embeddedError(payload json.RawMessage) (json.RawMessage, bool) {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, false
	}
	if !present(probe.Error) {
		return nil, false
	}
	return probe.Error, true
}

// decodeError accepts either a bare string or {message, retryable}.
func decodeError(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, false
	}
	var obj struct {
		Message   string `json:"message"`
		Error     string `json:"error"`
		Retryable bool   `json:"retryable"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		msg := obj.Message
		if msg == "" {
			msg = obj.Error
		}
		return msg, obj.Retryable
	}
	return string(raw), false
}
