package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/pkg/protocol"
)

const manualDisconnectReason = "Manual disconnect"

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it to drive reconnects by hand.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Session.
type Option func(*Session)

// WithAfterFunc overrides the timer used for reconnect scheduling.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Session) { s.afterFunc = fn }
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// Session owns at most one live connection for an authenticated identity.
// Inbound messages are published on the message hub given to NewSession;
// state changes and connection-level errors have their own hubs.
type Session struct {
	cfg       Config
	dialer    Dialer
	messages  *chat.Hub[protocol.Message]
	states    *chat.Hub[State]
	errs      *chat.Hub[error]
	afterFunc AfterFunc
	logger    zerolog.Logger

	mu         sync.Mutex
	identity   protocol.Identity
	credential string
	loggedIn   bool
	state      State
	attempt    int
	exhausted  bool
	foreground bool
	conn       chat.Conn
	gen        uint64
	cancelDial context.CancelFunc
	timer      Timer
}

// NewSession creates a disconnected Session.
func NewSession(cfg Config, dialer Dialer, messages *chat.Hub[protocol.Message], opts ...Option) *Session {
	s := &Session{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		messages:   messages,
		states:     chat.NewHub[State]("session-state"),
		errs:       chat.NewHub[error]("session-errors"),
		afterFunc:  realAfterFunc,
		logger:     log.With().Str("component", "session").Logger(),
		foreground: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// States returns the hub state transitions are published on.
func (s *Session) States() *chat.Hub[State] {
	return s.states
}

// Errors returns the hub non-fatal connection errors are published on.
func (s *Session) Errors() *chat.Hub[error] {
	return s.errs
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the reconnect attempt counter.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Exhausted reports whether the session gave up reconnecting.
func (s *Session) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Identity returns the identity passed to the last Connect.
func (s *Session) Identity() protocol.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Connect opens a connection for identity unless one is already open or
// opening. Dial failures are not returned; they are published on Errors and
// handled by the reconnection policy.
func (s *Session) Connect(identity protocol.Identity, credential string) {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	if s.exhausted || s.timer == nil {
		s.attempt = 0
	}
	s.identity = identity
	s.credential = credential
	s.loggedIn = true
	s.exhausted = false
	s.stopTimerLocked()
	start := s.dialLocked()
	s.mu.Unlock()

	s.states.Publish(StateConnecting)
	start()
}

// Disconnect closes the connection intentionally. No reconnect follows until
// the next Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.gen++
	s.stopTimerLocked()
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	conn := s.conn
	s.conn = nil
	s.attempt = 0
	s.exhausted = false
	s.loggedIn = false
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(chat.CloseNormal, manualDisconnectReason); err != nil {
			s.logger.Debug().Err(err).Msg("close after manual disconnect")
		}
	}
	if changed {
		s.logger.Info().Msg("disconnected")
		s.states.Publish(StateDisconnected)
	}
}

// Send writes a message frame over the live connection. It returns false
// without attempting anything when the session is not connected.
func (s *Session) Send(receiverID int64, content string) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		s.logger.Debug().Int64("receiver", receiverID).Msg("not connected, cannot send message")
		return false
	}

	data, err := protocol.SendRequest{ReceiverID: receiverID, Content: content}.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("encode send request")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		s.logger.Warn().Err(err).Int64("receiver", receiverID).Msg("send over websocket failed")
		return false
	}
	return true
}

// Resume is the foreground-resumed event. A logged-in session that is not
// connected or connecting dials immediately, also after reconnects were
// exhausted.
func (s *Session) Resume() {
	s.mu.Lock()
	s.foreground = true
	if !s.loggedIn || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	if s.exhausted {
		s.exhausted = false
		s.attempt = 0
	}
	s.logger.Info().Msg("resumed, reconnecting")
	start := s.dialLocked()
	s.mu.Unlock()

	s.states.Publish(StateConnecting)
	start()
}

// SetForeground records host visibility. While in the background a firing
// reconnect timer does not dial; returning to the foreground resumes.
func (s *Session) SetForeground(foreground bool) {
	if foreground {
		s.Resume()
		return
	}
	s.mu.Lock()
	s.foreground = false
	s.mu.Unlock()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// dialLocked moves to Connecting and returns the function that starts the
// dial. Callers publish Connecting before calling it so subscribers never
// see the outcome of the dial first.
func (s *Session) dialLocked() func() {
	s.gen++
	gen := s.gen
	s.state = StateConnecting

	target, err := WebSocketURL(s.cfg.ServerURL, s.credential)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	s.cancelDial = cancel
	return func() { go s.dial(ctx, cancel, gen, target, err) }
}

func (s *Session) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, target string, urlErr error) {
	defer cancel()

	var conn chat.Conn
	err := urlErr
	if err == nil {
		s.logger.Debug().Uint64("gen", gen).Msg("connecting")
		conn, err = s.dialer.Dial(ctx, target)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close(chat.CloseNormal, manualDisconnectReason)
		}
		return
	}
	s.cancelDial = nil

	if err != nil {
		s.state = StateDisconnected
		s.scheduleReconnectLocked()
		s.mu.Unlock()

		s.logger.Warn().Err(err).Msg("connect failed")
		s.errs.Publish(errors.Wrap(err, "connect"))
		s.states.Publish(StateDisconnected)
		return
	}

	s.conn = conn
	s.state = StateConnected
	s.attempt = 0
	s.exhausted = false
	s.mu.Unlock()

	s.logger.Info().Str("remote", conn.RemoteAddr()).Msg("connected")
	s.states.Publish(StateConnected)
	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn chat.Conn) {
	for {
		data, err := conn.Read(context.Background())
		if err != nil {
			s.handleClosed(gen, conn, err)
			return
		}
		if !s.current(gen) {
			return
		}
		s.dispatch(data)
	}
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Session) handleClosed(gen uint64, conn chat.Conn, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateDisconnected
	code := chat.CloseCode(err)
	if code != chat.CloseNormal && s.loggedIn {
		s.scheduleReconnectLocked()
	}
	s.mu.Unlock()

	_ = conn.Close(chat.CloseNormal, "")
	s.logger.Info().Int("code", code).Err(err).Msg("connection closed")
	s.states.Publish(StateDisconnected)
}

func (s *Session) scheduleReconnectLocked() {
	if s.attempt >= s.cfg.MaxAttempts {
		s.exhausted = true
		s.logger.Warn().Int("attempts", s.attempt).Msg("giving up reconnecting")
		return
	}
	delay := ReconnectDelay(s.cfg.BaseDelay, s.cfg.MaxDelay, s.attempt)
	gen := s.gen
	s.logger.Info().
		Dur("delay", delay).
		Int("attempt", s.attempt+1).
		Int("max_attempts", s.cfg.MaxAttempts).
		Msg("scheduling reconnect")
	s.timer = s.afterFunc(delay, func() { s.fireReconnect(gen) })
}

func (s *Session) fireReconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.loggedIn || s.state != StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.attempt++
	if !s.foreground {
		s.mu.Unlock()
		s.logger.Debug().Msg("in background, reconnect deferred until resume")
		return
	}
	start := s.dialLocked()
	s.mu.Unlock()

	s.states.Publish(StateConnecting)
	start()
}

func (s *Session) dispatch(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("discarding inbound frame")
		return
	}

	switch frame.Type {
	case protocol.FrameNewMessage:
		s.publishMessage(*frame.Message)
	case protocol.FrameMessageStatus:
		s.logger.Debug().
			Str("status", frame.Status.Status).
			Int64("id", frame.Status.Message.ID).
			Msg("message status")
		s.publishMessage(frame.Status.Message)
	case protocol.FrameError:
		s.logger.Error().Str("detail", frame.Error).Msg("server reported error")
		s.errs.Publish(errors.Wrap(ErrServer, frame.Error))
	}
}

func (s *Session) publishMessage(msg protocol.Message) {
	if msg.Sender == nil {
		self := s.Identity()
		if msg.SenderID == self.ID {
			msg.Sender = &self
		}
	}
	s.messages.Publish(msg)
}

// Compile-time check that Session implements Sender
var _ Sender = (*Session)(nil)
