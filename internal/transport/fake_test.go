package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/capitalize-ai/querysession/internal/codec"
)

// fakeConn is an in-memory Conn. The "server" side pushes frames with
// deliver and ends the connection with serverClose.
type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	autoPong bool

	mu       sync.Mutex
	written  [][]byte
	closeErr *CloseError
	closedBy string
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 64),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()

	if c.autoPong && string(data) == string(codec.PingFrame()) {
		c.deliver(`{"type":"pong"}`)
	}
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.finish("client", code, reason)
	return nil
}

func (c *fakeConn) serverClose(code int, reason string) {
	c.finish("server", code, reason)
}

func (c *fakeConn) finish(by string, code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = &CloseError{Code: code, Reason: reason}
		c.closedBy = by
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) deliver(frame string) {
	c.in <- []byte(frame)
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

func (c *fakeConn) closeInfo() (string, *CloseError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedBy, c.closeErr
}

// fakeDialer hands out fakeConns. While failing is set every dial is refused;
// a non-nil gate makes Dial wait for it (or for ctx).
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	dials    int
	failing  bool
	autoPong bool
	gate     chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{autoPong: true}
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	d.dials++
	gate := d.gate
	failing := d.failing
	autoPong := d.autoPong
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn(autoPong)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
