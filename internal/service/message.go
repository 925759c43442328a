package service

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/capitalize-ai/querysession/internal/model"
)

const (
	// WelcomeText opens every new session.
	WelcomeText = "Hi! Ask me anything about your data and I'll analyze it for you."

	// DefaultTitle names a session without any user message.
	DefaultTitle = "New conversation"

	titleLength   = 40
	previewLength = 80
	ellipsis      = "…"
)

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewWelcomeMessage builds the assistant greeting a session starts with.
func NewWelcomeMessage(now time.Time) model.ChatMessage {
	return model.ChatMessage{
		ID:        newID(),
		Role:      model.RoleAssistant,
		Content:   WelcomeText,
		CreatedAt: now,
	}
}

// NewUserMessage builds the user turn of a query.
func NewUserMessage(query string, now time.Time) model.ChatMessage {
	return model.ChatMessage{
		ID:        newID(),
		Role:      model.RoleUser,
		Content:   query,
		CreatedAt: now,
	}
}

// NewPendingMessage builds the placeholder shown while a query streams. It is
// never persisted.
func NewPendingMessage(query string, retryCount int, now time.Time) model.ChatMessage {
	return model.ChatMessage{
		ID:          newID(),
		Role:        model.RoleAssistant,
		CreatedAt:   now,
		SourceQuery: query,
		RetryCount:  retryCount,
		IsPending:   true,
	}
}

// NewAssistantMessage builds the terminal reply of a completed query. When
// nothing was streamed the content is taken from the result payload.
func NewAssistantMessage(query, streamed string, payload json.RawMessage, retryCount int, now time.Time) model.ChatMessage {
	content := streamed
	if strings.TrimSpace(content) == "" {
		content = payloadText(payload)
	}
	return model.ChatMessage{
		ID:            newID(),
		Role:          model.RoleAssistant,
		Content:       content,
		CreatedAt:     now,
		SourceQuery:   query,
		ResultPayload: payload,
		RetryCount:    retryCount,
	}
}

// NewErrorMessage builds the terminal reply of a failed query. The service's
// message is kept verbatim.
func NewErrorMessage(query, message string, retryCount int, now time.Time) model.ChatMessage {
	return model.ChatMessage{
		ID:          newID(),
		Role:        model.RoleAssistant,
		Content:     message,
		CreatedAt:   now,
		SourceQuery: query,
		IsError:     true,
		RetryCount:  retryCount,
	}
}

// payloadText picks a human readable field out of a result payload.
func payloadText(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err == nil {
		for _, key := range []string{"answer", "summary", "content", "text", "message"} {
			var s string
			if raw, ok := fields[key]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

// truncateMessages enforces the per-session cap: the first message and the
// max-1 most recent ones are kept, minus a leading assistant reply whose user
// turn was dropped.
func truncateMessages(msgs []model.ChatMessage, max int) []model.ChatMessage {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	if max == 1 {
		return msgs[:1]
	}

	tail := msgs[len(msgs)-(max-1):]
	if tail[0].Role == model.RoleAssistant {
		tail = tail[1:]
	}

	out := make([]model.ChatMessage, 0, 1+len(tail))
	out = append(out, msgs[0])
	return append(out, tail...)
}

// deriveTitle is the first user message, or DefaultTitle.
func deriveTitle(msgs []model.ChatMessage) string {
	for _, m := range msgs {
		if m.Role == model.RoleUser && strings.TrimSpace(m.Content) != "" {
			return truncateRunes(oneLine(m.Content), titleLength)
		}
	}
	return DefaultTitle
}

// derivePreview is the most recent user message.
func derivePreview(msgs []model.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return truncateRunes(oneLine(msgs[i].Content), previewLength)
		}
	}
	return ""
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + ellipsis
}
