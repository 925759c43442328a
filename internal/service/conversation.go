// Package service holds the session store and the query orchestrator.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/kv"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

const (
	DefaultStorageKey  = "querysession.sessions"
	DefaultMaxMessages = 50
	DefaultMaxSessions = 20
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStorage         = errors.New("storage error")
	ErrPendingMessage  = errors.New("pending messages are not persisted")
)

// SessionConfig configures the session store.
type SessionConfig struct {
	Key         string
	MaxMessages int
	MaxSessions int
}

// ConversationService persists bounded conversation history. The whole
// history lives under one key, so every mutation is a read-modify-write of
// that key under a single mutex.
type ConversationService struct {
	store  kv.Store
	cfg    SessionConfig
	clock  Clock
	logger *logger.Logger

	mu sync.Mutex
}

// NewConversationService creates a session store over store.
func NewConversationService(store kv.Store, cfg SessionConfig, log *logger.Logger) *ConversationService {
	if cfg.Key == "" {
		cfg.Key = DefaultStorageKey
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &ConversationService{
		store:  store,
		cfg:    cfg,
		clock:  SystemClock{},
		logger: logger.OrNop(log).Named("sessions"),
	}
}

// WithClock replaces the time source.
func (s *ConversationService) WithClock(c Clock) *ConversationService {
	s.clock = c
	return s
}

// CreateSession stores a new session holding seed and returns its id.
func (s *ConversationService) CreateSession(ctx context.Context, seed ...model.ChatMessage) (string, error) {
	for _, m := range seed {
		if m.IsPending {
			return "", ErrPendingMessage
		}
	}

	now := s.clock.Now()
	session := &model.ConversationSession{
		ID:            newID(),
		Messages:      append([]model.ChatMessage(nil), seed...),
		CreatedAt:     now,
		LastUpdatedAt: now,
	}

	err := s.mutate(ctx, "create", func(sessions []*model.ConversationSession) ([]*model.ConversationSession, string, error) {
		return append(sessions, session), session.ID, nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("session created", zap.String("session_id", session.ID))
	return session.ID, nil
}

// AppendMessage adds a terminal message to session id.
func (s *ConversationService) AppendMessage(ctx context.Context, id string, msg model.ChatMessage) error {
	if msg.IsPending {
		return ErrPendingMessage
	}
	return s.update(ctx, "append", id, func(session *model.ConversationSession) {
		session.Messages = append(session.Messages, msg)
	})
}

// ReplaceMessages overwrites the messages of session id.
func (s *ConversationService) ReplaceMessages(ctx context.Context, id string, msgs []model.ChatMessage) error {
	kept := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsPending {
			kept = append(kept, m)
		}
	}
	return s.update(ctx, "replace", id, func(session *model.ConversationSession) {
		session.Messages = kept
	})
}

// GetSession returns a copy of session id.
func (s *ConversationService) GetSession(ctx context.Context, id string) (*model.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.ID == id {
			return session.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// ListSummaries returns every session, most recently updated first.
func (s *ConversationService) ListSummaries(ctx context.Context) ([]model.SessionSummary, error) {
	s.mu.Lock()
	sessions, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdatedAt.After(sessions[j].LastUpdatedAt)
	})

	summaries := make([]model.SessionSummary, len(sessions))
	for i, session := range sessions {
		summaries[i] = model.SessionSummary{
			ID:            session.ID,
			Title:         session.Title,
			Preview:       derivePreview(session.Messages),
			MessageCount:  session.MessageCount,
			CreatedAt:     session.CreatedAt,
			LastUpdatedAt: session.LastUpdatedAt,
		}
	}
	return summaries, nil
}

// DeleteSession removes session id.
func (s *ConversationService) DeleteSession(ctx context.Context, id string) error {
	err := s.mutate(ctx, "delete", func(sessions []*model.ConversationSession) ([]*model.ConversationSession, string, error) {
		for i, session := range sessions {
			if session.ID == id {
				return append(sessions[:i], sessions[i+1:]...), "", nil
			}
		}
		return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("session deleted", zap.String("session_id", id))
	return nil
}

func (s *ConversationService) update(ctx context.Context, op, id string, fn func(*model.ConversationSession)) error {
	return s.mutate(ctx, op, func(sessions []*model.ConversationSession) ([]*model.ConversationSession, string, error) {
		for _, session := range sessions {
			if session.ID == id {
				fn(session)
				session.LastUpdatedAt = s.clock.Now()
				return sessions, id, nil
			}
		}
		return nil, "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	})
}

// mutate runs one read-modify-write cycle. fn returns the new session list
// and the id of the session it touched, which is never evicted.
func (s *ConversationService) mutate(
	ctx context.Context,
	op string,
	fn func([]*model.ConversationSession) ([]*model.ConversationSession, string, error),
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return err
	}

	sessions, touched, err := fn(sessions)
	if err != nil {
		return err
	}

	for _, session := range sessions {
		s.normalize(session)
	}
	sessions = s.evict(sessions, touched)

	if err := s.save(ctx, sessions); err != nil {
		metrics.StorageErrors.WithLabelValues(op).Inc()
		return err
	}
	return nil
}

// normalize enforces the message cap and the derived fields.
func (s *ConversationService) normalize(session *model.ConversationSession) {
	if before := len(session.Messages); before > s.cfg.MaxMessages {
		session.Messages = truncateMessages(session.Messages, s.cfg.MaxMessages)
		s.logger.Debug("session truncated",
			zap.String("session_id", session.ID),
			zap.Int("dropped", before-len(session.Messages)),
		)
	}
	session.MessageCount = len(session.Messages)
	session.Title = deriveTitle(session.Messages)
}

// evict drops least-recently-updated sessions beyond the session cap.
func (s *ConversationService) evict(sessions []*model.ConversationSession, keep string) []*model.ConversationSession {
	for len(sessions) > s.cfg.MaxSessions {
		oldest := -1
		for i, session := range sessions {
			if session.ID == keep {
				continue
			}
			if oldest < 0 || session.LastUpdatedAt.Before(sessions[oldest].LastUpdatedAt) {
				oldest = i
			}
		}
		if oldest < 0 {
			break
		}

		s.logger.Info("session evicted",
			zap.String("session_id", sessions[oldest].ID),
			zap.Time("last_updated_at", sessions[oldest].LastUpdatedAt),
		)
		metrics.SessionEvictions.Inc()
		sessions = append(sessions[:oldest], sessions[oldest+1:]...)
	}
	return sessions
}

func (s *ConversationService) load(ctx context.Context) ([]*model.ConversationSession, error) {
	data, err := s.store.Get(ctx, s.cfg.Key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: failed to load sessions: %v", ErrStorage, err)
	}

	var sessions []*model.ConversationSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		// Unreadable history is discarded so the store keeps working.
		metrics.StorageErrors.WithLabelValues("decode").Inc()
		s.logger.Error("discarding unreadable session history", zap.Error(err))
		return nil, nil
	}
	return sessions, nil
}

func (s *ConversationService) save(ctx context.Context, sessions []*model.ConversationSession) error {
	if sessions == nil {
		sessions = []*model.ConversationSession{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal sessions: %v", ErrStorage, err)
	}
	if err := s.store.Set(ctx, s.cfg.Key, data); err != nil {
		return fmt.Errorf("%w: failed to save sessions: %v", ErrStorage, err)
	}
	return nil
}
