package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/codec"
	"github.com/capitalize-ai/querysession/internal/correlator"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

// Transport submits requests whose events are routed through a correlator.
// The caller registers the request with the correlator before Submit.
type Transport interface {
	Name() string
	Submit(ctx context.Context, req *model.OutboundRequest) error
	// Abort stops delivery for a request the caller already cancelled.
	Abort(requestID string)
	Close()
}

// SocketTransport multiplexes requests over a Manager's shared connection.
type SocketTransport struct {
	manager *Manager
	router  *correlator.Correlator
	logger  *logger.Logger
}

// NewSocketTransport wires the manager's inbound frames and closures into
// router.
func NewSocketTransport(manager *Manager, router *correlator.Correlator, log *logger.Logger) *SocketTransport {
	t := &SocketTransport{
		manager: manager,
		router:  router,
		logger:  logger.OrNop(log).Named("socket"),
	}
	manager.SetFrameHandler(t.handleFrame)
	manager.OnClose(t.handleClose)
	return t
}

func (t *SocketTransport) Name() string { return "socket" }

// Manager returns the underlying connection manager.
func (t *SocketTransport) Manager() *Manager { return t.manager }

// Submit connects if needed and sends the stream envelope.
func (t *SocketTransport) Submit(ctx context.Context, req *model.OutboundRequest) error {
	if err := t.manager.Connect(ctx); err != nil {
		return err
	}
	return t.manager.Send(model.OutboundEnvelope{
		Action: model.ActionStream,
		Data:   model.NewStreamRequest(req),
	})
}

// Abort is a no-op: the shared socket stays open and late frames for the
// request are dropped by the correlator.
func (t *SocketTransport) Abort(string) {}

// Close disconnects the shared socket.
func (t *SocketTransport) Close() {
	t.manager.Disconnect("client shutdown")
}

func (t *SocketTransport) handleFrame(data []byte) {
	requestID, ev, ok, err := codec.DecodeEnvelope(data)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("envelope").Inc()
		t.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if !ok {
		return
	}

	target, found := t.router.Resolve(requestID)
	if !found {
		metrics.DroppedEvents.WithLabelValues(string(ev.Kind)).Inc()
		t.logger.Debug("dropping frame for unknown request",
			zap.String("request_id", requestID),
			zap.Stringer("event", ev),
		)
		return
	}
	t.router.Dispatch(target, ev)
}

// handleClose fails every outstanding request when the shared socket ends.
// Only an abnormal close is retryable. A clean close from the service ends
// its requests for good, and a close the caller started cancels them.
func (t *SocketTransport) handleClose(ce *CloseError) {
	var ev model.StreamEvent
	switch {
	case ce.ByCaller:
		ev = model.ErrorEvent(model.ErrorKindCancelled, "connection closed by client", false)
	case ce.Clean():
		ev = model.ErrorEvent(model.ErrorKindConnection,
			fmt.Sprintf("connection closed by the analysis service (%d): %s", ce.Code, ce.Reason), false)
	default:
		ev = model.ErrorEvent(model.ErrorKindConnection,
			fmt.Sprintf("connection closed (%d): %s", ce.Code, ce.Reason), true)
	}
	if n := t.router.FailAll(ev); n > 0 {
		t.logger.Info("failed outstanding requests on close",
			zap.Int("requests", n),
			zap.Int("code", ce.Code),
			zap.Bool("by_caller", ce.ByCaller),
		)
	}
}

// StreamTransport runs one chunked HTTP stream per request.
type StreamTransport struct {
	client *StreamClient
	router *correlator.Correlator
	logger *logger.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewStreamTransport creates a stream transport delivering into router.
func NewStreamTransport(client *StreamClient, router *correlator.Correlator, log *logger.Logger) *StreamTransport {
	return &StreamTransport{
		client:  client,
		router:  router,
		logger:  logger.OrNop(log).Named("stream"),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *StreamTransport) Name() string { return "stream" }

// Submit starts the stream in the background and returns immediately. The
// stream outlives ctx; Abort or Close stops it.
func (t *StreamTransport) Submit(_ context.Context, req *model.OutboundRequest) error {
	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.cancels[req.RequestID] = cancel
	t.mu.Unlock()

	metrics.IncrementStreamConnections("client")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer metrics.DecrementStreamConnections("client")
		defer t.forget(req.RequestID)

		id := req.RequestID
		_ = t.client.Stream(ctx, model.NewStreamRequest(req), func(ev model.StreamEvent) {
			t.router.Dispatch(id, ev)
		})
	}()
	return nil
}

// Abort cancels the stream of requestID.
func (t *StreamTransport) Abort(requestID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[requestID]
	delete(t.cancels, requestID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close cancels every running stream and waits for them to finish.
func (t *StreamTransport) Close() {
	t.mu.Lock()
	for id, cancel := range t.cancels {
		cancel()
		delete(t.cancels, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *StreamTransport) forget(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cancel, ok := t.cancels[requestID]; ok {
		cancel()
		delete(t.cancels, requestID)
	}
}
