// Package chattest provides an in-memory chat.Conn for tests.
package chattest

import (
	"context"
	"errors"
	"sync"

	"github.com/omochice/dmsync/internal/chat"
)

// ErrClosed is returned by Write after the connection was closed locally.
var ErrClosed = errors.New("chattest: connection closed")

// Conn is a mock implementation of chat.Conn. Frames pushed with Push are
// returned by Read; Drop ends the read loop with the given error.
type Conn struct {
	readCh chan []byte
	endCh  chan error

	mu          sync.Mutex
	written     [][]byte
	writeErr    error
	closed      bool
	closeCode   int
	closeReason string
	closedCh    chan struct{}
	remoteAddr  string
}

// NewConn creates a mock connection.
func NewConn(addr string) *Conn {
	return &Conn{
		readCh:     make(chan []byte, 16),
		endCh:      make(chan error, 1),
		closedCh:   make(chan struct{}),
		remoteAddr: addr,
	}
}

// Read implements chat.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-c.readCh:
		return data, nil
	case err := <-c.endCh:
		return nil, err
	case <-c.closedCh:
		return nil, ErrClosed
	}
}

// Write implements chat.Conn.
func (c *Conn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.written = append(c.written, copied)
	return nil
}

// Close implements chat.Conn.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.closedCh)
	return nil
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Push queues a frame for Read.
func (c *Conn) Push(data []byte) {
	c.readCh <- data
}

// Drop makes the pending or next Read fail with err, as if the peer went away.
func (c *Conn) Drop(err error) {
	c.endCh <- err
}

// DropWithCode is Drop with a close frame carrying code.
func (c *Conn) DropWithCode(code int) {
	c.Drop(&chat.CloseError{Code: code})
}

// SetWriteErr makes subsequent writes fail.
func (c *Conn) SetWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// Written returns a copy of all frames written so far.
func (c *Conn) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// Closed reports whether Close was called and with which code.
func (c *Conn) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// Compile-time check that Conn implements chat.Conn
var _ chat.Conn = (*Conn)(nil)
