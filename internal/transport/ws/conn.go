// Package ws provides the WebSocket transport used by the synchronization
// client.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/omochice/dmsync/internal/chat"
)

const closeWriteWait = time.Second

// Conn adapts gorilla/websocket to the chat.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	remoteAddr string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps a websocket.Conn.
func NewConn(conn *websocket.Conn) *Conn {
	addr := ""
	if a := conn.RemoteAddr(); a != nil {
		addr = a.String()
	}
	return &Conn{conn: conn, remoteAddr: addr}
}

// Read implements chat.Conn.
// Close frames from the peer are reported as *chat.CloseError.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &chat.CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

// Write implements chat.Conn.
// Frames are sent as text messages because the payload is JSON.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close implements chat.Conn.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Dialer opens client connections.
type Dialer struct {
	HandshakeTimeout time.Duration
}

// Dial connects to url and returns the connection as a chat.Conn.
func (d Dialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial websocket: status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dial websocket")
	}
	return NewConn(conn), nil
}

// Compile-time check that Conn implements chat.Conn
var _ chat.Conn = (*Conn)(nil)
