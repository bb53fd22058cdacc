package server

import (
	"net/http"

	"github.com/gobwas/ws"

	"github.com/omochice/dmsync/pkg/protocol"
)

// Error details sent to a websocket client as {"error": ...} frames.
const (
	detailInvalidFormat = "Invalid message format"
	detailSaveFailed    = "Failed to save message"
)

// handleWebSocket upgrades the request and authenticates it by its token
// query parameter. A bad token is closed with the policy violation code.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	userID, ok := s.authenticate(r.URL.Query().Get("token"))
	p := newPeer(userID, conn, s.log)
	if !ok {
		p.log.Info().Msg("rejecting websocket with invalid token")
		p.close(ws.StatusPolicyViolation, "Invalid token")
		return
	}
	if !s.register(p) {
		p.close(ws.StatusGoingAway, "Server shutting down")
		return
	}
	p.log.Info().Msg("websocket connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		p.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		defer s.unregister(p)
		err := p.readLoop(func(data []byte) { s.handleFrame(p, data) })
		if err != nil {
			p.log.Debug().Err(err).Msg("websocket read ended")
		}
		p.close(ws.StatusNormalClosure, "")
		p.log.Info().Msg("websocket disconnected")
	}()
}

// handleFrame stores one send request, pushes new_message to the receiver
// and confirms to the sender with message_status.
func (s *Server) handleFrame(p *peer, data []byte) {
	req, err := protocol.DecodeSendRequest(data)
	if err != nil {
		p.log.Debug().Err(err).Msg("invalid frame")
		s.sendTo(p, protocol.NewErrorFrame(detailInvalidFormat))
		return
	}

	msg, err := s.store.CreateMessage(s.ctx, p.userID, req.ReceiverID, req.Content)
	if err != nil {
		p.log.Warn().Err(err).Int64("receiver_id", req.ReceiverID).Msg("failed to save message")
		s.sendTo(p, protocol.NewErrorFrame(detailSaveFailed))
		return
	}

	status := protocol.StatusSent
	if s.deliver(req.ReceiverID, protocol.NewMessageFrame(msg)) {
		status = protocol.StatusDelivered
	}
	s.sendTo(p, protocol.NewStatusFrame(status, msg))
}

// deliver queues frame for userID's connection. It reports whether the
// user was connected and the frame was queued.
func (s *Server) deliver(userID int64, frame protocol.Frame) bool {
	s.mu.RLock()
	p, ok := s.peers[userID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.sendTo(p, frame)
}

func (s *Server) sendTo(p *peer, frame protocol.Frame) bool {
	data, err := frame.Encode()
	if err != nil {
		s.log.Error().Err(err).Stringer("type", frame.Type).Msg("failed to encode frame")
		return false
	}
	return p.enqueue(data)
}

// register makes p the user's live connection. A previous connection for the
// same user stays open but no longer receives pushes.
func (s *Server) register(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.peers[p.userID] = p
	s.conns[p] = struct{}{}
	return true
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, p)
	if s.peers[p.userID] == p {
		delete(s.peers, p.userID)
	}
}

// ClientCount returns the number of users with a live connection.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// DropConnections closes every open websocket with code.
func (s *Server) DropConnections(code int, reason string) {
	s.closeAll(ws.StatusCode(code), reason)
}

func (s *Server) closeAll(code ws.StatusCode, reason string) {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.RUnlock()
	for _, p := range peers {
		p.close(code, reason)
	}
}
