package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/correlator"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/internal/retry"
	"github.com/capitalize-ai/querysession/internal/transport"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
	"github.com/capitalize-ai/querysession/pkg/tracing"
)

// DefaultMaxQueryLength bounds a query in characters.
const DefaultMaxQueryLength = 4000

const fallbackErrorText = "The query failed."

var (
	ErrInvalidQuery   = errors.New("invalid query")
	ErrQueryInFlight  = errors.New("a query is already in flight")
	ErrNothingToRetry = errors.New("no failed query to retry")
)

// QueryState is the lifecycle of the current query.
type QueryState int

const (
	QueryIdle QueryState = iota
	QueryAwaitingConnection
	QueryStreaming
	QueryCompleted
	QueryFailed
	QueryCancelled
)

func (s QueryState) String() string {
	switch s {
	case QueryIdle:
		return "idle"
	case QueryAwaitingConnection:
		return "awaiting_connection"
	case QueryStreaming:
		return "streaming"
	case QueryCompleted:
		return "completed"
	case QueryFailed:
		return "failed"
	case QueryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the orchestrator for the UI layer.
type Snapshot struct {
	SessionID      string
	State          QueryState
	RequestID      string
	Query          string
	RetryCount     int
	Step           string
	Percent        float64
	Streaming      string
	RetryScheduled bool
	RetryDelay     time.Duration
	LastError      string
	CanRetry       bool
}

// QueryConfig configures the orchestrator.
type QueryConfig struct {
	MaxQueryLength int
	// MaxMessages caps the active transcript the same way the session store
	// caps stored sessions.
	MaxMessages    int
	RequestTimeout time.Duration
	Policy         retry.Policy
}

type inflight struct {
	req           *model.OutboundRequest
	query         string
	retryCount    int
	sessionID     string
	placeholderID string
	span          trace.Span
	buffer        strings.Builder
	step          string
	percent       float64
}

type scheduledRetry struct {
	seq        uint64
	query      string
	retryCount int
	delay      time.Duration
	timer      Timer
}

// QueryService drives one query at a time from submission to a persisted
// terminal message, retrying transient failures on its own.
type QueryService struct {
	transport transport.Transport
	router    *correlator.Correlator
	sessions  *ConversationService
	cfg       QueryConfig
	clock     Clock
	tracer    trace.Tracer
	logger    *logger.Logger

	mu          sync.Mutex
	sessionID   string
	transcript  []model.ChatMessage
	state       QueryState
	current     *inflight
	retry       *scheduledRetry
	retrySeq    uint64
	failedQuery string
	lastErr     string

	updateListeners  []func(Snapshot)
	messageListeners []func(model.ChatMessage)
}

// NewQueryService creates an orchestrator. The router must be the one the
// transport delivers into.
func NewQueryService(
	tr transport.Transport,
	router *correlator.Correlator,
	sessions *ConversationService,
	cfg QueryConfig,
	log *logger.Logger,
) *QueryService {
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLength
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &QueryService{
		transport: tr,
		router:    router,
		sessions:  sessions,
		cfg:       cfg,
		clock:     SystemClock{},
		tracer:    tracing.Tracer("querysession"),
		logger:    logger.OrNop(log).Named("query"),
	}
}

// WithClock replaces the time source used for timestamps and retry delays.
func (s *QueryService) WithClock(c Clock) *QueryService {
	s.clock = c
	return s
}

// OnUpdate registers a listener for every state change.
func (s *QueryService) OnUpdate(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateListeners = append(s.updateListeners, fn)
}

// OnMessage registers a listener for every terminal message added to the
// transcript.
func (s *QueryService) OnMessage(fn func(model.ChatMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageListeners = append(s.messageListeners, fn)
}

// Submit starts a query in the active session, creating the session first if
// there is none. Transport failures do not fail Submit; they go through the
// retry path and are reported through listeners.
func (s *QueryService) Submit(ctx context.Context, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if n := utf8.RuneCountInString(query); n > s.cfg.MaxQueryLength {
		return "", fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidQuery, n, s.cfg.MaxQueryLength)
	}

	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return "", ErrQueryInFlight
	}

	var added []model.ChatMessage
	if s.sessionID == "" {
		added = append(added, s.startSessionLocked(ctx))
	}
	user := NewUserMessage(query, s.clock.Now())
	s.transcript = append(s.transcript, user)
	s.persistLocked(ctx, user)
	added = append(added, user)
	s.failedQuery = ""

	fl := s.beginLocked(ctx, query, 0)
	notify := s.changedLocked(added...)
	s.mu.Unlock()
	notify()

	return s.launch(ctx, fl)
}

// Retry resubmits the last query that failed for good, with a fresh retry
// budget and without adding another user turn.
func (s *QueryService) Retry(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return "", ErrQueryInFlight
	}
	if s.failedQuery == "" {
		s.mu.Unlock()
		return "", ErrNothingToRetry
	}
	query := s.failedQuery
	s.failedQuery = ""
	fl := s.beginLocked(ctx, query, 0)
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	return s.launch(ctx, fl)
}

// Cancel abandons the in-flight query or the scheduled retry. Late events of
// the query are dropped and nothing is persisted. It reports whether there
// was anything to cancel.
func (s *QueryService) Cancel() bool {
	s.mu.Lock()
	notify, ok := s.cancelLocked()
	s.mu.Unlock()
	notify()
	return ok
}

// NewTopic cancels any query and switches to a fresh session.
func (s *QueryService) NewTopic(ctx context.Context) string {
	s.mu.Lock()
	cancelled, _ := s.cancelLocked()
	welcome := s.startSessionLocked(ctx)
	id := s.sessionID
	notify := s.changedLocked(welcome)
	s.mu.Unlock()

	cancelled()
	notify()
	return id
}

// LoadSession makes a stored session the active one.
func (s *QueryService) LoadSession(ctx context.Context, id string) error {
	session, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cancelled, _ := s.cancelLocked()
	s.sessionID = session.ID
	s.transcript = session.Messages
	s.state = QueryIdle
	s.lastErr = ""
	s.failedQuery = ""
	if n := len(session.Messages); n > 0 && session.Messages[n-1].IsError {
		s.failedQuery = session.Messages[n-1].SourceQuery
	}
	notify := s.changedLocked()
	s.mu.Unlock()

	cancelled()
	notify()
	return nil
}

// Sessions lists stored sessions, most recently updated first.
func (s *QueryService) Sessions(ctx context.Context) ([]model.SessionSummary, error) {
	return s.sessions.ListSummaries(ctx)
}

// DeleteSession removes a stored session. Deleting the active session also
// clears the transcript.
func (s *QueryService) DeleteSession(ctx context.Context, id string) error {
	err := s.sessions.DeleteSession(ctx, id)

	s.mu.Lock()
	if id != s.sessionID {
		s.mu.Unlock()
		return err
	}
	cancelled, _ := s.cancelLocked()
	s.sessionID = ""
	s.transcript = nil
	s.state = QueryIdle
	s.failedQuery = ""
	s.lastErr = ""
	notify := s.changedLocked()
	s.mu.Unlock()

	cancelled()
	notify()
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Transcript returns the active session's messages, including the pending
// placeholder of an in-flight query.
func (s *QueryService) Transcript() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatMessage(nil), s.transcript...)
}

// Snapshot returns the current state.
func (s *QueryService) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Close cancels any query and shuts the transport down.
func (s *QueryService) Close() {
	s.Cancel()
	s.transport.Close()
}

func (s *QueryService) busyLocked() bool {
	return s.current != nil || s.retry != nil
}

// startSessionLocked creates a session seeded with the welcome message. When
// storage fails the session lives in memory only.
func (s *QueryService) startSessionLocked(ctx context.Context) model.ChatMessage {
	welcome := NewWelcomeMessage(s.clock.Now())
	id, err := s.sessions.CreateSession(ctx, welcome)
	if err != nil {
		id = newID()
		s.logger.Warn("session not persisted", zap.String("session_id", id), zap.Error(err))
	}
	s.sessionID = id
	s.transcript = []model.ChatMessage{welcome}
	s.state = QueryIdle
	s.failedQuery = ""
	s.lastErr = ""
	return welcome
}

// beginLocked makes a new request current and shows its placeholder.
func (s *QueryService) beginLocked(ctx context.Context, query string, retryCount int) *inflight {
	now := s.clock.Now()
	req := &model.OutboundRequest{
		RequestID:   newID(),
		Payload:     model.QueryPayload{Query: query},
		SubmittedAt: now,
	}
	_, span := s.tracer.Start(ctx, "query",
		trace.WithAttributes(
			attribute.String("session_id", s.sessionID),
			attribute.String("request_id", req.RequestID),
			attribute.String("transport", s.transport.Name()),
			attribute.Int("retry_count", retryCount),
		),
	)

	placeholder := NewPendingMessage(query, retryCount, now)
	s.transcript = append(s.transcript, placeholder)
	s.capLocked()

	fl := &inflight{
		req:           req,
		query:         query,
		retryCount:    retryCount,
		sessionID:     s.sessionID,
		placeholderID: placeholder.ID,
		span:          span,
	}
	s.current = fl
	s.state = QueryAwaitingConnection
	s.lastErr = ""
	return fl
}

// launch registers the request for routing and hands it to the transport.
func (s *QueryService) launch(ctx context.Context, fl *inflight) (string, error) {
	id := fl.req.RequestID
	log := s.logger.WithQuery(fl.sessionID, id)

	if err := s.router.Register(id, func(ev model.StreamEvent) { s.handleEvent(fl, ev) }, s.cfg.RequestTimeout); err != nil {
		log.Error("failed to register request", zap.Error(err))
		s.handleEvent(fl, model.ErrorEvent(model.ErrorKindProtocol, err.Error(), false))
		return id, err
	}

	log.Info("submitting query", zap.Int("retry_count", fl.retryCount))
	if err := s.transport.Submit(ctx, fl.req); err != nil {
		// A connection drop may already have failed the request.
		if s.router.Cancel(id) {
			kind := retry.Classify(err)
			s.handleEvent(fl, model.ErrorEvent(kind, err.Error(), retry.Transient(kind)))
		}
		return id, nil
	}

	s.mu.Lock()
	notify := func() {}
	if s.current == fl && s.state == QueryAwaitingConnection {
		s.state = QueryStreaming
		notify = s.changedLocked()
	}
	s.mu.Unlock()
	notify()

	return id, nil
}

// handleEvent applies one routed event. Events of a request that is no longer
// current are ignored.
func (s *QueryService) handleEvent(fl *inflight, ev model.StreamEvent) {
	s.mu.Lock()
	if s.current != fl {
		s.mu.Unlock()
		return
	}

	notify := func() {}
	switch ev.Kind {
	case model.EventProgress:
		fl.step = ev.Step
		fl.percent = ev.Percent
		s.state = QueryStreaming
		notify = s.changedLocked()
	case model.EventChunk:
		fl.buffer.WriteString(ev.Text)
		s.state = QueryStreaming
		notify = s.changedLocked()
	case model.EventResult:
		notify = s.completeLocked(fl, ev)
	case model.EventError:
		notify = s.failLocked(fl, ev)
	}
	s.mu.Unlock()
	notify()
}

func (s *QueryService) completeLocked(fl *inflight, ev model.StreamEvent) func() {
	msg := NewAssistantMessage(fl.query, fl.buffer.String(), ev.Payload, fl.retryCount, s.clock.Now())
	s.replaceLocked(fl.placeholderID, &msg)
	s.capLocked()
	s.current = nil
	s.state = QueryCompleted
	s.finishLocked(fl, "completed", nil)
	s.persistLocked(context.Background(), msg)

	s.logger.WithQuery(fl.sessionID, fl.req.RequestID).Info("query completed",
		zap.Int("content_length", len(msg.Content)),
	)
	return s.changedLocked(msg)
}

func (s *QueryService) failLocked(fl *inflight, ev model.StreamEvent) func() {
	kind := ev.ErrKind
	if kind == "" {
		kind = model.ErrorKindProtocol
	}
	if kind == model.ErrorKindCancelled {
		notify, _ := s.cancelLocked()
		return notify
	}

	log := s.logger.WithQuery(fl.sessionID, fl.req.RequestID)
	s.current = nil
	s.lastErr = ev.Message

	if ev.Retryable && fl.retryCount < s.cfg.Policy.MaxAttempts {
		s.replaceLocked(fl.placeholderID, nil)
		delay := s.cfg.Policy.NextDelay(fl.retryCount)
		s.retrySeq++
		r := &scheduledRetry{
			seq:        s.retrySeq,
			query:      fl.query,
			retryCount: fl.retryCount + 1,
			delay:      delay,
		}
		r.timer = s.clock.AfterFunc(delay, func() { s.autoRetry(r.seq) })
		s.retry = r
		s.state = QueryFailed
		s.finishLocked(fl, "retrying", errors.New(ev.Message))
		metrics.QueryRetries.WithLabelValues(string(kind)).Inc()

		log.Warn("query failed, retry scheduled",
			zap.String("kind", string(kind)),
			zap.String("message", ev.Message),
			zap.Int("retry_count", r.retryCount),
			zap.Duration("delay", delay),
		)
		return s.changedLocked()
	}

	text := ev.Message
	if strings.TrimSpace(text) == "" {
		text = fallbackErrorText
	}
	msg := NewErrorMessage(fl.query, text, fl.retryCount, s.clock.Now())
	s.replaceLocked(fl.placeholderID, &msg)
	s.capLocked()
	s.failedQuery = fl.query
	s.state = QueryFailed
	s.finishLocked(fl, "failed", errors.New(ev.Message))
	s.persistLocked(context.Background(), msg)

	log.Error("query failed",
		zap.String("kind", string(kind)),
		zap.String("message", ev.Message),
		zap.Int("retry_count", fl.retryCount),
	)
	return s.changedLocked(msg)
}

func (s *QueryService) autoRetry(seq uint64) {
	s.mu.Lock()
	r := s.retry
	if r == nil || r.seq != seq || s.current != nil {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	fl := s.beginLocked(context.Background(), r.query, r.retryCount)
	notify := s.changedLocked()
	s.mu.Unlock()
	notify()

	_, _ = s.launch(context.Background(), fl)
}

func (s *QueryService) cancelLocked() (func(), bool) {
	cancelled := false
	if fl := s.current; fl != nil {
		s.router.Cancel(fl.req.RequestID)
		s.transport.Abort(fl.req.RequestID)
		s.replaceLocked(fl.placeholderID, nil)
		s.current = nil
		s.finishLocked(fl, "cancelled", nil)
		s.logger.WithQuery(fl.sessionID, fl.req.RequestID).Info("query cancelled")
		cancelled = true
	}
	if s.retry != nil {
		s.retry.timer.Stop()
		s.retry = nil
		cancelled = true
	}
	if !cancelled {
		return func() {}, false
	}
	s.state = QueryCancelled
	s.lastErr = ""
	return s.changedLocked(), true
}

// replaceLocked swaps the message with id for msg, or removes it when msg is
// nil.
func (s *QueryService) replaceLocked(id string, msg *model.ChatMessage) {
	for i := range s.transcript {
		if s.transcript[i].ID != id {
			continue
		}
		if msg != nil {
			s.transcript[i] = *msg
		} else {
			s.transcript = append(s.transcript[:i], s.transcript[i+1:]...)
		}
		return
	}
	if msg != nil {
		s.transcript = append(s.transcript, *msg)
	}
}

// capLocked truncates the transcript to MaxMessages, counting the pending
// placeholder, which always stays last.
func (s *QueryService) capLocked() {
	if len(s.transcript) <= s.cfg.MaxMessages {
		return
	}
	terminal := s.terminalTranscriptLocked()
	pending := len(s.transcript) - len(terminal)
	kept := truncateMessages(terminal, s.cfg.MaxMessages-pending)
	out := make([]model.ChatMessage, 0, len(kept)+pending)
	out = append(out, kept...)
	for _, m := range s.transcript {
		if m.IsPending {
			out = append(out, m)
		}
	}
	s.transcript = out
}

func (s *QueryService) finishLocked(fl *inflight, outcome string, err error) {
	if err != nil {
		fl.span.RecordError(err)
		fl.span.SetStatus(codes.Error, outcome)
	}
	fl.span.SetAttributes(attribute.String("outcome", outcome))
	fl.span.End()
	metrics.RecordQuery(s.transport.Name(), outcome, s.clock.Now().Sub(fl.req.SubmittedAt).Seconds())
}

// persistLocked appends msg to the stored session. Failures leave the
// in-memory transcript authoritative. A session missing from storage is
// recreated from the transcript.
func (s *QueryService) persistLocked(ctx context.Context, msg model.ChatMessage) {
	if s.sessionID == "" {
		return
	}

	err := s.sessions.AppendMessage(ctx, s.sessionID, msg)
	if errors.Is(err, ErrSessionNotFound) {
		var id string
		id, err = s.sessions.CreateSession(ctx, s.terminalTranscriptLocked()...)
		if err == nil {
			s.logger.Info("session recreated in storage",
				zap.String("previous_id", s.sessionID),
				zap.String("session_id", id),
			)
			s.sessionID = id
		}
	}
	if err != nil {
		s.logger.Warn("message not persisted",
			zap.String("session_id", s.sessionID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (s *QueryService) terminalTranscriptLocked() []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(s.transcript))
	for _, m := range s.transcript {
		if !m.IsPending {
			out = append(out, m)
		}
	}
	return out
}

func (s *QueryService) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID: s.sessionID,
		State:     s.state,
		LastError: s.lastErr,
		CanRetry:  s.failedQuery != "" && !s.busyLocked(),
	}
	if fl := s.current; fl != nil {
		snap.RequestID = fl.req.RequestID
		snap.Query = fl.query
		snap.RetryCount = fl.retryCount
		snap.Step = fl.step
		snap.Percent = fl.percent
		snap.Streaming = fl.buffer.String()
	}
	if r := s.retry; r != nil {
		snap.Query = r.query
		snap.RetryCount = r.retryCount
		snap.RetryScheduled = true
		snap.RetryDelay = r.delay
	}
	return snap
}

// changedLocked captures the current snapshot and returns the listener calls
// to run once the lock is released.
func (s *QueryService) changedLocked(msgs ...model.ChatMessage) func() {
	snap := s.snapshotLocked()
	updates := append([]func(Snapshot){}, s.updateListeners...)
	messages := append([]func(model.ChatMessage){}, s.messageListeners...)
	return func() {
		for _, m := range msgs {
			for _, fn := range messages {
				fn(m)
			}
		}
		for _, fn := range updates {
			fn(snap)
		}
	}
}
