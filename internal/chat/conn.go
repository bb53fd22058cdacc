// Package chat provides the transport-agnostic pieces of the synchronization
// layer: the frame connection abstraction and the subscription hub.
package chat

import (
	"context"
	"errors"
	"fmt"
)

// WebSocket close codes the synchronization layer distinguishes.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
)

// Conn abstracts a bidirectional, frame-oriented connection.
// This interface isolates transport details from session logic.
type Conn interface {
	// Read reads a single frame.
	// Returns a *CloseError when the peer closed the connection with a close frame.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame. Implementations serialize concurrent writers.
	Write(ctx context.Context, data []byte) error

	// Close sends a close frame with code and reason, then releases the connection.
	Close(code int, reason string) error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed: code=%d", e.Code)
	}
	return fmt.Sprintf("connection closed: code=%d reason=%q", e.Code, e.Reason)
}

// CloseCode extracts the close code carried by err. Errors without a close
// frame (network failures, EOF) count as abnormal closure.
func CloseCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}
