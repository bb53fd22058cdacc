package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/api"
	"github.com/omochice/dmsync/internal/app"
	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/internal/config"
	"github.com/omochice/dmsync/internal/conversation"
	"github.com/omochice/dmsync/internal/server"
	"github.com/omochice/dmsync/internal/server/store"
	"github.com/omochice/dmsync/internal/transport/ws"
	"github.com/omochice/dmsync/pkg/protocol"
)

const waitFor = 3 * time.Second

var users = []config.UserConfig{
	{ID: 1, Username: "alice", Token: "alice-token"},
	{ID: 2, Username: "bob", Token: "bob-token"},
	{ID: 3, Username: "carol", Token: "carol-token"},
}

func startServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	srv, err := server.New(context.Background(), ":0", store.NewMemory(), users)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, ts
}

func clientConfig(ts *httptest.Server, token string, baseDelay time.Duration) config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.Server = ts.URL
	cfg.Token = token
	cfg.Reconnect.BaseDelay = baseDelay
	cfg.Reconnect.MaxDelay = 10 * baseDelay
	return cfg
}

func login(t *testing.T, ts *httptest.Server, token string, baseDelay time.Duration) *app.Context {
	t.Helper()
	c, err := app.Open(context.Background(), clientConfig(ts, token, baseDelay))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.Eventually(t, func() bool { return !c.Offline() }, waitFor, 10*time.Millisecond)
	return c
}

func confirmedContents(v *conversation.View) []string {
	var out []string
	for _, e := range v.Entries() {
		if e.Kind == conversation.Confirmed {
			out = append(out, e.Message.Content)
		}
	}
	return out
}

// gatedDialer refuses every dial until opened.
type gatedDialer struct {
	inner ws.Dialer
	open  atomic.Bool
	dials atomic.Int32
}

func (d *gatedDialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	d.dials.Add(1)
	if !d.open.Load() {
		return nil, errors.New("connection refused")
	}
	return d.inner.Dial(ctx, url)
}

func TestOpen_LoadsIdentityAndRecents(t *testing.T) {
	_, ts := startServer(t)
	carol := api.New(ts.URL, "carol-token")
	_, err := carol.SendMessage(context.Background(), "hello alice", 1)
	require.NoError(t, err)

	c := login(t, ts, "alice-token", 50*time.Millisecond)

	assert.Equal(t, "alice", c.Self().Username)
	recents := c.Recents().List()
	require.Len(t, recents, 1)
	assert.Equal(t, "carol", recents[0].Username)
}

func TestOpen_RejectsBadCredential(t *testing.T) {
	_, ts := startServer(t)

	_, err := app.Open(context.Background(), clientConfig(ts, "forged", time.Second))
	require.Error(t, err)
	assert.True(t, api.IsStatus(err, http.StatusUnauthorized))
}

func TestSendAndReceiveOverPush(t *testing.T) {
	_, ts := startServer(t)
	alice := login(t, ts, "alice-token", 50*time.Millisecond)
	bob := login(t, ts, "bob-token", 50*time.Millisecond)
	ctx := context.Background()

	aliceView, err := alice.OpenViewByID(ctx, 2)
	require.NoError(t, err)
	bobView, err := bob.OpenViewByID(ctx, 1)
	require.NoError(t, err)

	entry, err := aliceView.Send(ctx, "hi bob")
	require.NoError(t, err)
	assert.Equal(t, conversation.Pending, entry.Kind)

	require.Eventually(t, func() bool {
		entries := aliceView.Entries()
		return len(entries) == 1 && entries[0].Kind == conversation.Confirmed
	}, waitFor, 10*time.Millisecond, "echo confirms the pending entry")
	assert.Equal(t, entry.LocalID, aliceView.Entries()[0].LocalID)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"hi bob"}, confirmedContents(bobView))
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		head, ok := bob.Recents().Head()
		return ok && head.ID == 1
	}, waitFor, 10*time.Millisecond, "an unseen sender refreshes the recent list")

	head, ok := alice.Recents().Head()
	require.True(t, ok)
	assert.Equal(t, int64(2), head.ID)
}

func TestSendFallsBackWhileOffline(t *testing.T) {
	srv, ts := startServer(t)
	alice := login(t, ts, "alice-token", 5*time.Second)
	ctx := context.Background()

	view, err := alice.OpenViewByID(ctx, 2)
	require.NoError(t, err)

	srv.DropConnections(websocket.CloseInternalServerErr, "restarting")
	require.Eventually(t, alice.Offline, waitFor, 10*time.Millisecond)

	_, err = view.Send(ctx, "sent over http")
	require.NoError(t, err)

	entries := view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, conversation.Confirmed, entries[0].Kind)
	assert.Equal(t, "sent over http", entries[0].Message.Content)
	assert.Positive(t, entries[0].Message.ID)
}

func TestReconnectResyncsOpenViews(t *testing.T) {
	srv, ts := startServer(t)
	alice := login(t, ts, "alice-token", 200*time.Millisecond)
	ctx := context.Background()

	view, err := alice.OpenViewByID(ctx, 2)
	require.NoError(t, err)

	srv.DropConnections(websocket.CloseInternalServerErr, "restarting")
	require.Eventually(t, alice.Offline, waitFor, 5*time.Millisecond)

	bob := api.New(ts.URL, "bob-token")
	_, err = bob.SendMessage(ctx, "while you were away", 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !alice.Offline() }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"while you were away"}, confirmedContents(view))
	}, waitFor, 10*time.Millisecond)
}

func TestFirstConnectAfterFailedDialsResyncsViews(t *testing.T) {
	_, ts := startServer(t)
	ctx := context.Background()
	dialer := &gatedDialer{}

	cfg := clientConfig(ts, "alice-token", 20*time.Millisecond)
	cfg.Reconnect.MaxAttempts = 50
	alice, err := app.Open(ctx, cfg, app.WithDialer(dialer))
	require.NoError(t, err)
	t.Cleanup(alice.Close)
	require.Eventually(t, func() bool { return dialer.dials.Load() > 0 }, waitFor, 5*time.Millisecond)
	assert.True(t, alice.Offline())

	view, err := alice.OpenViewByID(ctx, 2)
	require.NoError(t, err)
	require.Empty(t, confirmedContents(view))

	bob := api.New(ts.URL, "bob-token")
	_, err = bob.SendMessage(ctx, "while you were away", 1)
	require.NoError(t, err)

	dialer.open.Store(true)
	alice.Resume()
	require.Eventually(t, func() bool { return !alice.Offline() }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"while you were away"}, confirmedContents(view))
	}, waitFor, 10*time.Millisecond)
}

func TestOpenViewReusesAndCloses(t *testing.T) {
	_, ts := startServer(t)
	alice := login(t, ts, "alice-token", 50*time.Millisecond)
	ctx := context.Background()

	bob := protocol.Identity{ID: 2, Username: "bob"}
	first, err := alice.OpenView(ctx, bob)
	require.NoError(t, err)
	second, err := alice.OpenView(ctx, bob)
	require.NoError(t, err)
	assert.Same(t, first, second)

	alice.CloseView(bob.ID)
	_, err = first.Send(ctx, "after close")
	assert.ErrorIs(t, err, conversation.ErrClosed)

	_, err = alice.OpenViewByID(ctx, 404)
	assert.True(t, api.IsStatus(err, http.StatusNotFound))
}

func TestCloseLogsOut(t *testing.T) {
	srv, ts := startServer(t)
	alice := login(t, ts, "alice-token", 50*time.Millisecond)

	view, err := alice.OpenViewByID(context.Background(), 2)
	require.NoError(t, err)

	alice.Close()
	assert.True(t, alice.Offline())
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 }, waitFor, 10*time.Millisecond)

	_, err = view.Send(context.Background(), "gone")
	assert.ErrorIs(t, err, conversation.ErrClosed)
	_, err = alice.OpenViewByID(context.Background(), 2)
	assert.ErrorIs(t, err, app.ErrClosed)
}
