package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/codec"
	"github.com/capitalize-ai/querysession/internal/middleware"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

const (
	socketWriteTimeout = 10 * time.Second
	socketReadLimit    = 64 << 10
)

// inboundAction is a client frame with its data left raw.
type inboundAction struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// SocketHandler serves the bidirectional socket protocol at /ws.
type SocketHandler struct {
	analyzer       *Analyzer
	maxQueryLength int
	upgrader       websocket.Upgrader
	logger         *logger.Logger

	mu       sync.Mutex
	sessions map[*socketSession]struct{}
}

// NewSocketHandler creates a socket handler.
func NewSocketHandler(analyzer *Analyzer, maxQueryLength int, log *logger.Logger) *SocketHandler {
	return &SocketHandler{
		analyzer:       analyzer,
		maxQueryLength: maxQueryLength,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:   logger.OrNop(log).Named("socket"),
		sessions: make(map[*socketSession]struct{}),
	}
}

// ServeHTTP handles GET /ws.
func (h *SocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the error response.
		h.logger.Warn("socket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(socketReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	s := &socketSession{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger.With(zap.String("correlation_id", middleware.GetCorrelationID(r.Context()))),
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	metrics.IncrementStreamConnections("socket")

	s.logger.Info("socket opened", zap.String("remote_addr", r.RemoteAddr))
	h.serve(s)

	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
	metrics.DecrementStreamConnections("socket")
}

// Active returns the number of open sockets.
func (h *SocketHandler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll sends a close frame with code to every open socket.
func (h *SocketHandler) CloseAll(code int, reason string) int {
	sessions := h.snapshot()
	for _, s := range sessions {
		s.close(code, reason)
	}
	return len(sessions)
}

// DropAll tears every open socket down without a close frame. Clients observe
// an abnormal closure.
func (h *SocketHandler) DropAll() int {
	sessions := h.snapshot()
	for _, s := range sessions {
		_ = s.conn.UnderlyingConn().Close()
	}
	return len(sessions)
}

func (h *SocketHandler) snapshot() []*socketSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*socketSession, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *SocketHandler) serve(s *socketSession) {
	defer func() {
		s.cancel()
		s.wg.Wait()
		_ = s.conn.Close()
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("socket closed", zap.Error(err))
			}
			return
		}

		var msg inboundAction
		if err := json.Unmarshal(raw, &msg); err != nil {
			metrics.DecodeErrors.WithLabelValues("server").Inc()
			s.send("", model.ErrorEvent(model.ErrorKindProtocol, "malformed frame", false))
			continue
		}

		switch msg.Action {
		case model.ActionPing:
			s.write(codec.PongEnvelope())
		case model.ActionStream:
			h.startRequest(s, msg.Data)
		default:
			s.send("", model.ErrorEvent(model.ErrorKindProtocol, "unknown action "+msg.Action, false))
		}
	}
}

func (h *SocketHandler) startRequest(s *socketSession, data json.RawMessage) {
	var req model.StreamRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.send("", model.ErrorEvent(model.ErrorKindProtocol, "invalid stream request", false))
		return
	}
	if err := middleware.ValidateRequestID(req.RequestID); err != nil {
		s.send("", model.ErrorEvent(model.ErrorKindProtocol, err.Error(), false))
		return
	}
	if err := middleware.ValidateQuery(req.Query, h.maxQueryLength); err != nil {
		s.send(req.RequestID, model.ErrorEvent(model.ErrorKindProtocol, err.Error(), false))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := h.analyzer.Run(s.ctx, req, func(ev model.StreamEvent) error {
			return s.send(req.RequestID, ev)
		})
		if err != nil && s.ctx.Err() == nil {
			s.logger.Warn("analysis aborted", zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}()
}

type socketSession struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger

	writeMu sync.Mutex
}

func (s *socketSession) send(requestID string, ev model.StreamEvent) error {
	env, err := codec.NewInboundEnvelope(requestID, ev)
	if err != nil {
		return err
	}
	return s.write(env)
}

func (s *socketSession) write(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *socketSession) close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()
}
