package model

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn of a conversation. Terminal messages are immutable;
// a pending placeholder is replaced by its terminal counterpart, never mutated.
type ChatMessage struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role"`
	Content       string          `json:"content"`
	CreatedAt     time.Time       `json:"created_at"`
	SourceQuery   string          `json:"source_query,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
	IsPending     bool            `json:"is_pending,omitempty"`
}

// QueryPayload is the body of a "stream" request.
type QueryPayload struct {
	Query   string         `json:"query"`
	Context map[string]any `json:"context,omitempty"`
}

// OutboundRequest is one in-flight logical query.
type OutboundRequest struct {
	RequestID   string       `json:"request_id"`
	Payload     QueryPayload `json:"payload"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// StreamRequest is the data object of an outbound "stream" envelope and the
// request body of the chunked stream endpoint.
type StreamRequest struct {
	Query     string         `json:"query"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// NewStreamRequest builds the wire form of an outbound request.
func NewStreamRequest(req *OutboundRequest) StreamRequest {
	return StreamRequest{
		Query:     req.Payload.Query,
		Context:   req.Payload.Context,
		RequestID: req.RequestID,
	}
}
