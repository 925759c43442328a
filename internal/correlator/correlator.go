// Package correlator routes stream events of a shared connection to the
// logical request that caused them.
package correlator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/querysession/internal/model"
	"github.com/capitalize-ai/querysession/pkg/logger"
	"github.com/capitalize-ai/querysession/pkg/metrics"
)

const (
	// DefaultRequestTimeout bounds the wait for a request's terminal event.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultMaxOutstanding bounds the routing table.
	DefaultMaxOutstanding = 64
)

var (
	ErrDuplicateRequest = errors.New("request id already outstanding")
	ErrTooManyRequests  = errors.New("too many outstanding requests")
	ErrEmptyRequestID   = errors.New("request id is required")
	ErrRequestTimeout   = errors.New("request timed out")
)

// Handler receives every event routed to one request. It is called without
// the correlator lock held and must not block for long.
type Handler func(ev model.StreamEvent)

// Config configures a Correlator.
type Config struct {
	RequestTimeout time.Duration
	MaxOutstanding int
}

type entry struct {
	handler      Handler
	timer        *time.Timer
	registeredAt time.Time
	timeout      time.Duration
}

// Correlator is a bounded requestID → handler table.
type Correlator struct {
	mu             sync.Mutex
	entries        map[string]*entry
	timeout        time.Duration
	maxOutstanding int
	logger         *logger.Logger
}

// New creates a correlator.
func New(cfg Config, log *logger.Logger) *Correlator {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = DefaultMaxOutstanding
	}
	return &Correlator{
		entries:        make(map[string]*entry),
		timeout:        cfg.RequestTimeout,
		maxOutstanding: cfg.MaxOutstanding,
		logger:         logger.OrNop(log).Named("correlator"),
	}
}

// Register starts routing events for id to h and arms the request timeout
// (the configured default when timeout is zero). Firing the timeout is
// equivalent to receiving a retryable timeout Error.
func (c *Correlator) Register(id string, h Handler, timeout time.Duration) error {
	if id == "" {
		return ErrEmptyRequestID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}
	if len(c.entries) >= c.maxOutstanding {
		return ErrTooManyRequests
	}

	if timeout <= 0 {
		timeout = c.timeout
	}
	e := &entry{handler: h, registeredAt: time.Now(), timeout: timeout}
	e.timer = time.AfterFunc(timeout, func() {
		c.expire(id, e)
	})
	c.entries[id] = e
	metrics.OutstandingRequests.Inc()

	return nil
}

// Dispatch routes ev to the handler registered for id. It returns false and
// does nothing when id is unknown: already completed, cancelled or never seen.
// Terminal events deregister the request before the handler runs.
func (c *Correlator) Dispatch(id string, ev model.StreamEvent) bool {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		metrics.DroppedEvents.WithLabelValues(string(ev.Kind)).Inc()
		c.logger.Debug("dropping event for unregistered request",
			zap.String("request_id", id),
			zap.Stringer("event", ev),
		)
		return false
	}
	if ev.Terminal() {
		c.removeLocked(id, e)
	}
	c.mu.Unlock()

	e.handler(ev)
	return true
}

// Cancel deregisters id without invoking its handler. Late events for id are
// dropped afterwards.
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return false
	}
	c.removeLocked(id, e)
	return true
}

// FailAll delivers ev to every outstanding request and clears the table. It is
// used when the shared connection drops.
func (c *Correlator) FailAll(ev model.StreamEvent) int {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.entries))
	for id, e := range c.entries {
		c.removeLocked(id, e)
		handlers = append(handlers, e.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return len(handlers)
}

// Resolve maps the request id of an inbound frame to a registered id. Frames
// without an id are attributed to the only outstanding request, if there is
// exactly one.
func (c *Correlator) Resolve(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != "" {
		_, ok := c.entries[id]
		return id, ok
	}
	if len(c.entries) != 1 {
		return "", false
	}
	for only := range c.entries {
		return only, true
	}
	return "", false
}

// Outstanding returns the number of registered requests.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Pending reports whether id is registered.
func (c *Correlator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Correlator) expire(id string, e *entry) {
	c.mu.Lock()
	current, ok := c.entries[id]
	if !ok || current != e {
		c.mu.Unlock()
		return
	}
	c.removeLocked(id, e)
	c.mu.Unlock()

	c.logger.Warn("request timed out",
		zap.String("request_id", id),
		zap.Duration("after", time.Since(e.registeredAt)),
	)
	e.handler(model.ErrorEvent(model.ErrorKindTimeout,
		fmt.Sprintf("%s: no response within %s", ErrRequestTimeout, e.timeout), true))
}

func (c *Correlator) removeLocked(id string, e *entry) {
	e.timer.Stop()
	delete(c.entries, id)
	metrics.OutstandingRequests.Dec()
}
