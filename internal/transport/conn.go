// Package transport owns the physical connection to the analysis service:
// a persistent socket shared by all requests, or one chunked HTTP stream per
// request.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/querysession/internal/retry"
)

// Close codes with special handling.
const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseNoStatus  = websocket.CloseNoStatusReceived
	CloseAbnormal  = websocket.CloseAbnormalClosure
)

const writeTimeout = 10 * time.Second

// Conn is one open bidirectional message connection.
type Conn interface {
	// ReadMessage blocks for the next frame. A closed connection is reported
	// as a *CloseError.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens connections. Implementations must honor ctx cancellation and
// deadline.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// CloseError reports how a connection ended. ByCaller is set when the
// connection was closed through Manager.Disconnect.
type CloseError struct {
	Code     int
	Reason   string
	ByCaller bool
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// Unwrap classifies every close as a connection error.
func (e *CloseError) Unwrap() error { return retry.ErrConnection }

// Clean reports whether the close code ends the connection without retry.
func (e *CloseError) Clean() bool {
	return e.Code == CloseNormal || e.Code == CloseGoingAway
}

// SocketDialer dials the analysis service socket endpoint.
type SocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

// NewSocketDialer creates a dialer for url.
func NewSocketDialer(url string, handshakeTimeout time.Duration) *SocketDialer {
	return &SocketDialer{URL: url, HandshakeTimeout: handshakeTimeout}
}

// Dial implements Dialer.
func (d *SocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dial %s: %v", retry.ErrTimeout, d.URL, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", retry.ErrConnection, d.URL, err)
	}

	return &socketConn{conn: conn}, nil
}

type socketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *socketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, &CloseError{Code: CloseAbnormal, Reason: err.Error()}
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *socketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *socketConn) Close(code int, reason string) error {
	c.writeMu.Lock()
	// 1005 and 1006 are never sent on the wire.
	if code != CloseNoStatus && code != CloseAbnormal {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
	}
	c.writeMu.Unlock()
	return c.conn.Close()
}
