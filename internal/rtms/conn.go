package rtms

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens provider WebSocket connections. The default implementation wraps
// gorilla's websocket.Dialer; tests may substitute their own.
type Dialer interface {
	DialContext(ctx context.Context, url string) (*websocket.Conn, error)
}

// WSDialer is the gorilla/websocket backed Dialer.
type WSDialer struct {
	Dialer *websocket.Dialer
}

// NewWSDialer returns a Dialer with the given handshake timeout.
func NewWSDialer(handshakeTimeout time.Duration) *WSDialer {
	return &WSDialer{Dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

// DialContext dials url and returns the raw connection.
func (d *WSDialer) DialContext(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// wsConn serializes writes; gorilla allows one concurrent writer per connection
// and the signaling socket is written from both of a session's read loops.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex
	closeOnce    sync.Once
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		_ = c.conn.Close()
	})
}
