// Package server implements the reference direct-message server: a REST API
// over net/http and a push endpoint over gobwas/ws, both backed by a
// store.Store.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/server/store"
	"github.com/omochice/dmsync/pkg/protocol"
)

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("server stopped")

// Server serves the HTTP API and websocket endpoint for the configured users.
type Server struct {
	address  string
	store    store.Store
	tokens   map[string]int64
	log      zerolog.Logger
	handler  http.Handler
	listener net.Listener
	http     *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	peers  map[int64]*peer
	conns  map[*peer]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger replaces the default component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.log = logger }
}

// New creates a server listening on address once started. Every user is
// written to st and accepted with its static token.
func New(ctx context.Context, address string, st store.Store, users []config.UserConfig, opts ...Option) (*Server, error) {
	s := &Server{
		address: address,
		store:   st,
		tokens:  make(map[string]int64, len(users)),
		log:     log.With().Str("component", "server").Logger(),
		peers:   make(map[int64]*peer),
		conns:   make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, u := range users {
		identity := protocol.Identity{
			ID:        u.ID,
			Username:  u.Username,
			FullName:  u.FullName,
			AvatarURL: u.AvatarURL,
			Email:     u.Email,
		}
		if err := st.UpsertUser(ctx, identity); err != nil {
			return nil, errors.Wrapf(err, "seed user %d", u.ID)
		}
		s.tokens[u.Token] = u.ID
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = s.routes()
	return s, nil
}

// Handler returns the server's HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	s.listener = listener
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Serve accepts connections until Stop. It returns ErrServerClosed after a
// clean stop.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	s.log.Info().Str("addr", s.Addr()).Msg("server started")
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return errors.Wrap(err, "serve")
}

// Start listens and serves. It blocks until Stop.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting requests, closes every websocket with the going-away
// code and waits for connection goroutines to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	s.closeAll(ws.StatusGoingAway, "Server shutting down")
	s.wg.Wait()
	s.log.Info().Msg("server stopped")
	return err
}

// Addr returns the listening address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) authenticate(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	id, ok := s.tokens[token]
	return id, ok
}
