package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/dmsync/internal/server/store"
	"github.com/omochice/dmsync/pkg/protocol"
)

const (
	defaultHistoryLimit = 50
	maxBodySize         = 1 << 20
)

type authedHandler func(w http.ResponseWriter, r *http.Request, self protocol.Identity)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /direct-messages/ws/{$}", s.handleWebSocket)
	mux.HandleFunc("GET /direct-messages/{$}", s.authed(s.handleListMessages))
	mux.HandleFunc("POST /direct-messages/{$}", s.authed(s.handleCreateMessage))
	mux.HandleFunc("GET /direct-messages/conversations", s.authed(s.handleConversations))
	mux.HandleFunc("GET /direct-messages/unread-count", s.authed(s.handleUnreadCount))
	mux.HandleFunc("PUT /direct-messages/{id}/read", s.authed(s.handleMarkRead))
	mux.HandleFunc("GET /users/me", s.authed(s.handleMe))
	mux.HandleFunc("GET /users/search/{$}", s.authed(s.handleSearchUsers))
	mux.HandleFunc("GET /users/{id}", s.authed(s.handleGetUser))
	return s.withRequestLog(mux)
}

// withRequestLog tags each request with an id and logs it on completion.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		logger := s.log.With().Str("request_id", id).Logger()
		w.Header().Set("X-Request-Id", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context())))
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		id, known := s.authenticate(strings.TrimSpace(token))
		if !ok || !known {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}
		self, err := s.store.User(r.Context(), id)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		h(w, r, self)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, self protocol.Identity) {
	q := r.URL.Query()
	other, err := queryInt(q.Get("other_user_id"), 0)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "other_user_id must be an integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), defaultHistoryLimit)
	if err != nil || limit < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
		return
	}
	skip, err := queryInt(q.Get("skip"), 0)
	if err != nil || skip < 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "skip must be a non-negative integer")
		return
	}
	if limit == 0 {
		writeJSON(w, http.StatusOK, []protocol.Message{})
		return
	}

	msgs, err := s.store.Conversation(r.Context(), self.ID, other, int(limit), int(skip))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

// handleCreateMessage stores a message sent over the request path and pushes
// it, with the sender attached, to the receiver.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, self protocol.Identity) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read body")
		return
	}
	req, err := protocol.DecodeSendRequest(body)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, detailInvalidFormat)
		return
	}

	msg, err := s.store.CreateMessage(r.Context(), self.ID, req.ReceiverID, req.Content)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("User with id %d not found", req.ReceiverID))
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	sender := self
	msg.Sender = &sender

	s.deliver(req.ReceiverID, protocol.NewMessageFrame(msg))
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, self protocol.Identity) {
	partners, err := s.store.Partners(r.Context(), self.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(partners))
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, self protocol.Identity) {
	n, err := s.store.UnreadCount(r.Context(), self.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, self protocol.Identity) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "message id must be an integer")
		return
	}
	switch err := s.store.MarkRead(r.Context(), id, self.ID); {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("Message with id %d not found", id))
	case errors.Is(err, store.ErrForbidden):
		writeDetail(w, http.StatusForbidden, "You can only mark messages addressed to you as read")
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, self protocol.Identity) {
	writeJSON(w, http.StatusOK, self)
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, self protocol.Identity) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), store.DefaultSearchLimit)
	if err != nil || limit <= 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
		return
	}
	users, err := s.store.SearchUsers(r.Context(), q.Get("query"), int(limit), self.ID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(users))
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ protocol.Identity) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "user id must be an integer")
		return
	}
	user, err := s.store.User(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, fmt.Sprintf("User with id %d not found", id))
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func queryInt(raw string, def int64) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
