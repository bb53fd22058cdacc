package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/server/store"
	"github.com/omochice/dmsync/pkg/protocol"
)

func wsURL(base, token string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/direct-messages/ws/?token=" + token
}

func dial(t *testing.T, base, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base, token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.DecodeFrame(data)
	require.NoError(t, err)
	return frame
}

func waitClients(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.ClientCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestWebSocket_RejectsInvalidToken(t *testing.T) {
	srv, ts := newTestServer(t)

	conn := dial(t, ts.URL, "nope")
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode(t, conn))
	assert.Equal(t, 0, srv.ClientCount())
}

func TestWebSocket_DeliversToConnectedReceiver(t *testing.T) {
	srv, ts := newTestServer(t)

	alice := dial(t, ts.URL, "alice-token")
	bob := dial(t, ts.URL, "bob-token")
	waitClients(t, srv, 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"receiver_id": 2, "content": "hi bob"}`)))

	pushed := readFrame(t, bob)
	require.Equal(t, protocol.FrameNewMessage, pushed.Type)
	assert.Equal(t, "hi bob", pushed.Message.Content)
	assert.Equal(t, int64(1), pushed.Message.SenderID)
	assert.Nil(t, pushed.Message.Sender, "push path carries no sender")

	status := readFrame(t, alice)
	require.Equal(t, protocol.FrameMessageStatus, status.Type)
	assert.Equal(t, protocol.StatusDelivered, status.Status.Status)
	assert.Equal(t, pushed.Message.ID, status.Status.Message.ID)
}

func TestWebSocket_OfflineReceiverGetsSentStatus(t *testing.T) {
	srv, ts := newTestServer(t)

	alice := dial(t, ts.URL, "alice-token")
	waitClients(t, srv, 1)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"receiver_id": 3, "content": "later"}`)))

	status := readFrame(t, alice)
	require.Equal(t, protocol.FrameMessageStatus, status.Type)
	assert.Equal(t, protocol.StatusSent, status.Status.Status)

	msgs, err := srv.store.Conversation(context.Background(), 1, 3, 50, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	srv, ts := newTestServer(t)

	alice := dial(t, ts.URL, "alice-token")
	waitClients(t, srv, 1)

	tests := []struct {
		payload string
		detail  string
	}{
		{`{"content": "no receiver"}`, "Invalid message format"},
		{`not json`, "Invalid message format"},
		{`{"receiver_id": 99, "content": "nobody"}`, "Failed to save message"},
	}
	for _, tt := range tests {
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(tt.payload)))
		frame := readFrame(t, alice)
		require.Equal(t, protocol.FrameError, frame.Type, tt.payload)
		assert.Equal(t, tt.detail, frame.Error, tt.payload)
	}
	assert.Equal(t, 1, srv.ClientCount(), "error frames keep the connection open")
}

func TestWebSocket_RequestPathPushesWithSender(t *testing.T) {
	srv, ts := newTestServer(t)

	bob := dial(t, ts.URL, "bob-token")
	waitClients(t, srv, 1)

	status, _ := doRequest(t, ts, http.MethodPost, "/direct-messages/", "alice-token",
		`{"receiver_id": 2, "content": "via http"}`)
	require.Equal(t, http.StatusCreated, status)

	frame := readFrame(t, bob)
	require.Equal(t, protocol.FrameNewMessage, frame.Type)
	require.NotNil(t, frame.Message.Sender)
	assert.Equal(t, "alice", frame.Message.Sender.Username)
}

func TestWebSocket_DropConnections(t *testing.T) {
	srv, ts := newTestServer(t)

	alice := dial(t, ts.URL, "alice-token")
	waitClients(t, srv, 1)

	srv.DropConnections(websocket.CloseInternalServerErr, "restarting")
	assert.Equal(t, websocket.CloseInternalServerErr, closeCode(t, alice))
	waitClients(t, srv, 0)
}

func TestServer_StartStop(t *testing.T) {
	srv, err := New(context.Background(), "127.0.0.1:0", store.NewMemory(), testUsers)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	require.NotEmpty(t, srv.Addr())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	conn := dial(t, "http://"+srv.Addr(), "alice-token")
	waitClients(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	assert.Equal(t, websocket.CloseGoingAway, closeCode(t, conn))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}
