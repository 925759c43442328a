package model

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates StreamEvent.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventChunk    EventKind = "chunk"
	EventResult   EventKind = "result"
	EventError    EventKind = "error"
)

// ErrorKind classifies Error events and failures for retry decisions.
type ErrorKind string

const (
	ErrorKindConnection ErrorKind = "connection"
	ErrorKindTimeout    ErrorKind = "timeout"
	ErrorKindProtocol   ErrorKind = "protocol"
	ErrorKindCancelled  ErrorKind = "cancelled"
)

// StreamEvent is a single decoded event of a logical request stream.
type StreamEvent struct {
	Kind EventKind `json:"kind"`

	// Progress
	Step    string  `json:"step,omitempty"`
	Percent float64 `json:"percent,omitempty"`

	// Chunk
	Text string `json:"text,omitempty"`

	// Result
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error
	Message   string    `json:"message,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	ErrKind   ErrorKind `json:"err_kind,omitempty"`
}

// Terminal reports whether the event ends a request's lifecycle. Retryable
// errors are terminal too: the request is resubmitted under a new id.
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventResult || e.Kind == EventError
}

func (e StreamEvent) String() string {
	switch e.Kind {
	case EventProgress:
		return fmt.Sprintf("progress(%s %.0f%%)", e.Step, e.Percent)
	case EventChunk:
		return fmt.Sprintf("chunk(%d bytes)", len(e.Text))
	case EventError:
		return fmt.Sprintf("error(%s retryable=%t: %s)", e.ErrKind, e.Retryable, e.Message)
	default:
		return string(e.Kind)
	}
}

// ProgressEvent builds a Progress event.
func ProgressEvent(step string, percent float64) StreamEvent {
	return StreamEvent{Kind: EventProgress, Step: step, Percent: percent}
}

// ChunkEvent builds a Chunk event.
func ChunkEvent(text string) StreamEvent {
	return StreamEvent{Kind: EventChunk, Text: text}
}

// ResultEvent builds a Result event.
func ResultEvent(payload json.RawMessage) StreamEvent {
	return StreamEvent{Kind: EventResult, Payload: payload}
}

// ErrorEvent builds an Error event.
func ErrorEvent(kind ErrorKind, message string, retryable bool) StreamEvent {
	return StreamEvent{Kind: EventError, ErrKind: kind, Message: message, Retryable: retryable}
}

// ConnectionState is the lifecycle state of the connection manager.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Envelope actions sent by the client.
const (
	ActionPing   = "ping"
	ActionStream = "stream"
)

// Inbound envelope types sent by the service.
const (
	TypeProgress = "progress"
	TypeStream   = "stream"
	TypeComplete = "complete"
	TypeError    = "error"
	TypePong     = "pong"
)

// OutboundEnvelope is a client-to-service socket frame.
type OutboundEnvelope struct {
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
}

// InboundEnvelope is a service-to-client socket frame.
type InboundEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// StreamRecord is the JSON body of one chunked stream record. Exactly one of
// the groups is expected to be set.
type StreamRecord struct {
	Step      string          `json:"step,omitempty"`
	Progress  *float64        `json:"progress,omitempty"`
	Chunk     *string         `json:"chunk,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}
