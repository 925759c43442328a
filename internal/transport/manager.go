package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/codec"
	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/internal/retry"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrDisconnected = errors.New("disconnected by caller")
)

// FrameHandler receives every inbound frame of the current connection, in
// order, from the read goroutine.
type FrameHandler func(data []byte)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// ConnectTimeout bounds an open attempt and the wait for a pong.
	ConnectTimeout time.Duration
	// PingInterval is the liveness probe period. Zero or less disables
	// periodic probing; the probe sent on open is always sent.
	PingInterval time.Duration
	Policy       retry.Policy
}

// DefaultManagerConfig returns a 10s connect timeout, a 30s ping interval and
// the default retry policy.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectTimeout: DefaultConnectTimeout,
		PingInterval:   DefaultPingInterval,
		Policy:         retry.DefaultPolicy(),
	}
}

// Manager owns one physical connection and its lifecycle: connect, liveness,
// automatic reconnection with backoff and caller-initiated disconnect.
type Manager struct {
	dialer Dialer
	cfg    ManagerConfig
	logger *logger.Logger

	mu           sync.Mutex
	state        model.ConnectionState
	conn         Conn
	gen          uint64
	stop         chan struct{}
	lastSeen     time.Time
	attempts     int
	attemptSeq   uint64
	attemptDone  chan struct{}
	lastErr      error
	reconnection *time.Timer

	handler         FrameHandler
	stateObservers  []func(from, to model.ConnectionState)
	closeObservers  []func(ce *CloseError)
	failedObservers []func(attempts int, err error)
}

// NewManager creates a disconnected manager.
func NewManager(dialer Dialer, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Manager{
		dialer: dialer,
		cfg:    cfg,
		logger: logger.OrNop(log).Named("connection"),
		state:  model.StateDisconnected,
	}
}

// SetFrameHandler installs the inbound frame handler.
func (m *Manager) SetFrameHandler(h FrameHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// OnStateChange registers a state transition observer.
func (m *Manager) OnStateChange(fn func(from, to model.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateObservers = append(m.stateObservers, fn)
}

// OnClose registers an observer for every connection closure, including the
// ones the caller starts with Disconnect.
func (m *Manager) OnClose(fn func(ce *CloseError)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeObservers = append(m.closeObservers, fn)
}

// OnFailed registers an observer called once the reconnect budget is
// exhausted. The manager is Disconnected when it fires.
func (m *Manager) OnFailed(fn func(attempts int, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedObservers = append(m.failedObservers, fn)
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnect attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the connection. It returns nil immediately when already
// connected, and a caller arriving while an attempt is in flight waits for
// that attempt's outcome. Calling Connect while Reconnecting skips the
// remaining backoff delay.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case model.StateConnected:
		m.mu.Unlock()
		return nil
	case model.StateConnecting:
		done := m.attemptDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.state == model.StateConnected {
				return nil
			}
			return m.lastErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	resuming := m.state == model.StateReconnecting
	m.stopReconnectLocked()
	m.attemptSeq++
	seq := m.attemptSeq
	done := make(chan struct{})
	m.attemptDone = done
	notify := m.setStateLocked(model.StateConnecting)
	m.mu.Unlock()
	notify()

	return m.attempt(ctx, seq, done, resuming)
}

func (m *Manager) attempt(ctx context.Context, seq uint64, done chan struct{}, resuming bool) error {
	defer close(done)

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()

	m.mu.Lock()
	if seq != m.attemptSeq || m.state != model.StateConnecting {
		m.lastErr = ErrDisconnected
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(CloseNormal, "disconnected")
		}
		return ErrDisconnected
	}

	if err != nil {
		if timedOut && !errors.Is(err, retry.ErrTimeout) {
			err = fmt.Errorf("%w: no open within %s: %v", retry.ErrTimeout, m.cfg.ConnectTimeout, err)
		} else if !errors.Is(err, retry.ErrConnection) && !errors.Is(err, retry.ErrTimeout) {
			err = fmt.Errorf("%w: %v", retry.ErrConnection, err)
		}
		m.lastErr = err
		if resuming {
			metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
		}
		m.logger.Warn("connection attempt failed",
			zap.Int("attempt", m.attempts),
			zap.Error(err),
		)

		var notify func()
		if resuming {
			notify = m.scheduleReconnectLocked(err)
		} else {
			notify = m.setStateLocked(model.StateDisconnected)
		}
		m.mu.Unlock()
		notify()
		return err
	}

	if resuming {
		metrics.ReconnectAttempts.WithLabelValues("success").Inc()
	}
	m.gen++
	gen := m.gen
	stop := make(chan struct{})
	m.conn = conn
	m.stop = stop
	m.attempts = 0
	m.lastErr = nil
	openedAt := time.Now()
	m.lastSeen = time.Time{}
	notify := m.setStateLocked(model.StateConnected)
	m.mu.Unlock()

	m.logger.Info("connected")
	notify()

	go m.readLoop(conn, gen)
	if err := conn.WriteMessage(codec.PingFrame()); err != nil {
		m.logger.Warn("failed to send open probe", zap.Error(err))
	}
	go m.keepAlive(gen, stop, openedAt)

	return nil
}

// Disconnect closes the connection with code 1000. No reconnect follows.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.attempts = 0
	conn := m.conn
	m.detachLocked()
	var notify func()
	if m.state != model.StateDisconnected {
		notify = m.setStateLocked(model.StateDisconnected)
	}
	closeObservers := append([]func(*CloseError){}, m.closeObservers...)
	m.mu.Unlock()

	if conn == nil {
		if notify != nil {
			notify()
		}
		return
	}

	m.logger.Info("disconnecting", zap.String("reason", reason))
	if err := conn.Close(CloseNormal, reason); err != nil {
		m.logger.Debug("close failed", zap.Error(err))
	}
	metrics.ConnectionCloses.WithLabelValues(strconv.Itoa(CloseNormal)).Inc()
	if notify != nil {
		notify()
	}
	ce := &CloseError{Code: CloseNormal, Reason: reason, ByCaller: true}
	for _, fn := range closeObservers {
		fn(ce)
	}
}

// Send writes one envelope on the open connection. Nothing is queued while
// the connection is not open.
func (m *Manager) Send(env model.OutboundEnvelope) error {
	data, err := codec.EncodeEnvelope(env.Action, env.Data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	connected := m.state == model.StateConnected && conn != nil
	m.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("%w: failed to send %s frame: %v", retry.ErrConnection, env.Action, err)
	}
	return nil
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			ce := &CloseError{Code: CloseAbnormal, Reason: err.Error()}
			errors.As(err, &ce)
			m.lost(gen, ce)
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		m.lastSeen = time.Now()
		h := m.handler
		m.mu.Unlock()

		if h != nil {
			h(data)
		}
	}
}

// keepAlive checks that something arrives within ConnectTimeout of every
// probe, and sends a probe every PingInterval.
func (m *Manager) keepAlive(gen uint64, stop <-chan struct{}, sentAt time.Time) {
	for {
		if !sleep(stop, m.cfg.ConnectTimeout) {
			return
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		alive := !m.lastSeen.Before(sentAt)
		conn := m.conn
		m.mu.Unlock()

		if !alive {
			m.lost(gen, &CloseError{
				Code:   CloseAbnormal,
				Reason: "no pong within " + m.cfg.ConnectTimeout.String(),
			})
			return
		}

		if m.cfg.PingInterval <= 0 {
			return
		}
		wait := m.cfg.PingInterval - m.cfg.ConnectTimeout
		if wait > 0 && !sleep(stop, wait) {
			return
		}

		sentAt = time.Now()
		if err := conn.WriteMessage(codec.PingFrame()); err != nil {
			m.logger.Debug("ping failed", zap.Error(err))
			return
		}
	}
}

// lost handles the end of connection gen, unless the caller already
// disconnected it.
func (m *Manager) lost(gen uint64, ce *CloseError) {
	m.mu.Lock()
	if gen != m.gen || m.state != model.StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.detachLocked()

	var notify func()
	if ce.Clean() {
		notify = m.setStateLocked(model.StateDisconnected)
	} else {
		notify = m.scheduleReconnectLocked(ce)
	}
	closeObservers := append([]func(*CloseError){}, m.closeObservers...)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(ce.Code, ce.Reason)
	}
	metrics.ConnectionCloses.WithLabelValues(strconv.Itoa(ce.Code)).Inc()
	m.logger.Warn("connection closed",
		zap.Int("code", ce.Code),
		zap.String("reason", ce.Reason),
	)
	notify()
	for _, fn := range closeObservers {
		fn(ce)
	}
}

// scheduleReconnectLocked moves to Reconnecting with the next backoff delay,
// or reports Failed and settles in Disconnected once the budget is spent.
func (m *Manager) scheduleReconnectLocked(cause error) func() {
	if !m.cfg.Policy.ShouldRetry(m.attempts, retry.Classify(cause)) {
		attempts := m.attempts
		m.attempts = 0
		failed := append([]func(int, error){}, m.failedObservers...)
		notify := m.setStateLocked(model.StateDisconnected)
		m.logger.Error("giving up reconnecting",
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return func() {
			notify()
			for _, fn := range failed {
				fn(attempts, cause)
			}
		}
	}

	delay := m.cfg.Policy.NextDelay(m.attempts)
	m.attempts++
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
	)
	m.reconnection = time.AfterFunc(delay, m.reconnect)
	return m.setStateLocked(model.StateReconnecting)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.state != model.StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnection = nil
	m.mu.Unlock()

	_ = m.Connect(context.Background())
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnection != nil {
		m.reconnection.Stop()
		m.reconnection = nil
	}
}

// detachLocked forgets the current connection so its goroutines exit.
func (m *Manager) detachLocked() {
	m.gen++
	m.conn = nil
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

// setStateLocked changes the state and returns the observer notification to
// run once the lock is released.
func (m *Manager) setStateLocked(to model.ConnectionState) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	m.state = to
	metrics.RecordTransition(from.String(), to.String())
	observers := append([]func(model.ConnectionState, model.ConnectionState){}, m.stateObservers...)
	return func() {
		for _, fn := range observers {
			fn(from, to)
		}
	}
}

func sleep(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
