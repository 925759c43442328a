// Package model defines data structures for the query session manager.
package model

import (
	"time"
)

// ConversationSession is a persisted, ordered conversation between the user and
// the analysis service.
type ConversationSession struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Messages      []ChatMessage `json:"messages"`
	CreatedAt     time.Time     `json:"created_at"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
	MessageCount  int           `json:"message_count"`
}

// Clone returns a deep copy of the session. Message slices are never shared
// between the store and its callers.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = make([]ChatMessage, len(s.Messages))
	copy(cp.Messages, s.Messages)
	return &cp
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Preview       string    `json:"preview"`
	MessageCount  int       `json:"message_count"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
