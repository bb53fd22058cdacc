// Package client implements the transport session: the single live
// connection an authenticated identity keeps to the message server.
package client

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/omochice/dmsync/internal/chat"
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ErrServer wraps error frames sent by the server.
var ErrServer = errors.New("server error")

// Dialer opens frame connections. internal/transport/ws provides the
// production implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (chat.Conn, error)
}

// Sender is the write path views use to dispatch a message over the live
// connection. Send reports whether the frame was dispatched.
type Sender interface {
	Send(receiverID int64, content string) bool
}

// Config holds the reconnection and I/O policy of a Session.
type Config struct {
	// ServerURL is the http(s) base URL of the message server.
	ServerURL    string
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default policy for serverURL.
func DefaultConfig(serverURL string) Config {
	return Config{
		ServerURL:    serverURL,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.ServerURL)
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// WebSocketURL derives the push endpoint from the server base URL.
func WebSocketURL(base, credential string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/direct-messages/ws/"
	u.RawQuery = url.Values{"token": {credential}}.Encode()
	return u.String(), nil
}
