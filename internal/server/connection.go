package server

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	outgoingBuffer = 16
	writeTimeout   = 10 * time.Second
)

// peer is one authenticated websocket connection, upgraded with gobwas/ws.
// Frames queued with enqueue are written by writeLoop; every write to conn
// holds writeMu.
type peer struct {
	userID   int64
	conn     net.Conn
	outgoing chan []byte
	done     chan struct{}
	log      zerolog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newPeer(userID int64, conn net.Conn, logger zerolog.Logger) *peer {
	return &peer{
		userID:   userID,
		conn:     conn,
		outgoing: make(chan []byte, outgoingBuffer),
		done:     make(chan struct{}),
		log:      logger.With().Int64("user_id", userID).Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// Write implements io.Writer for control frame replies.
func (p *peer) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.Write(b)
}

func (p *peer) writeText(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteServerText(p.conn, data)
}

// enqueue queues data without blocking. It reports false when the peer is
// closed or its queue is full.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.outgoing <- data:
		return true
	default:
		p.log.Warn().Msg("outgoing queue full, dropping frame")
		return false
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.outgoing:
			if err := p.writeText(data); err != nil {
				p.log.Debug().Err(err).Msg("write failed")
				p.close(ws.StatusAbnormalClosure, "")
				return
			}
		}
	}
}

// readLoop passes every data frame to handle until the connection fails or
// the client closes it. A close from the client returns nil.
func (p *peer) readLoop(handle func(data []byte)) error {
	control := wsutil.ControlFrameHandler(p, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         p.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				if _, ok := err.(wsutil.ClosedError); ok {
					return nil
				}
				return err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		handle(data)
	}
}

// close sends a close frame with code (unless it is the abnormal closure
// code, which never goes on the wire) and closes the connection.
func (p *peer) close(code ws.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		p.writeMu.Lock()
		if code != ws.StatusAbnormalClosure {
			_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
			_ = ws.WriteFrame(p.conn, frame)
		}
		_ = p.conn.Close()
		p.writeMu.Unlock()
	})
}
