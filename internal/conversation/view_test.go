package conversation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/internal/conversation"
	"github.com/omochice/dmsync/internal/recent"
	"github.com/omochice/dmsync/pkg/protocol"
)

var (
	alice = protocol.Identity{ID: 1, Username: "alice"}
	bob   = protocol.Identity{ID: 2, Username: "bob"}
	carol = protocol.Identity{ID: 3, Username: "carol"}
)

func msg(id, from, to int64, content string) protocol.Message {
	return protocol.Message{ID: id, Content: content, SenderID: from, ReceiverID: to}
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	sent      []protocol.SendRequest
}

func (s *fakeSender) Send(receiverID int64, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false
	}
	s.sent = append(s.sent, protocol.SendRequest{ReceiverID: receiverID, Content: content})
	return true
}

type fakeFallback struct {
	mu      sync.Mutex
	history map[int64][]protocol.Message
	err     error
	gates   map[int64]chan struct{}
	send    func(content string, receiverID int64) (protocol.Message, error)
}

func newFakeFallback() *fakeFallback {
	return &fakeFallback{
		history: make(map[int64][]protocol.Message),
		gates:   make(map[int64]chan struct{}),
	}
}

func (f *fakeFallback) FetchHistory(ctx context.Context, partnerID int64) ([]protocol.Message, error) {
	f.mu.Lock()
	gate := f.gates[partnerID]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]protocol.Message, len(f.history[partnerID]))
	copy(out, f.history[partnerID])
	return out, nil
}

func (f *fakeFallback) SendMessage(_ context.Context, content string, receiverID int64) (protocol.Message, error) {
	f.mu.Lock()
	send := f.send
	f.mu.Unlock()
	if send == nil {
		return protocol.Message{}, errors.New("fallback unavailable")
	}
	return send(content, receiverID)
}

func (f *fakeFallback) setHistory(partnerID int64, msgs ...protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[partnerID] = msgs
}

func (f *fakeFallback) block(partnerID int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[partnerID] = gate
	return gate
}

func (f *fakeFallback) unblock(partnerID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.gates, partnerID)
}

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) AfterFunc(_ time.Duration, fn func()) conversation.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) fireAll() {
	m.mu.Lock()
	timers := append([]*manualTimer(nil), m.timers...)
	m.mu.Unlock()
	for _, t := range timers {
		if !t.stopped {
			t.fn()
		}
	}
}

type fixture struct {
	view     *conversation.View
	hub      *chat.Hub[protocol.Message]
	sender   *fakeSender
	fallback *fakeFallback
	recents  *recent.Cache
	timers   *manualTimers
	changes  atomic.Int32
}

func newFixture(t *testing.T, partner protocol.Identity, opts ...conversation.Option) *fixture {
	t.Helper()
	f := &fixture{
		hub:      chat.NewHub[protocol.Message]("messages"),
		sender:   &fakeSender{},
		fallback: newFakeFallback(),
		timers:   &manualTimers{},
	}
	f.recents = recent.New(f.fallback)
	opts = append([]conversation.Option{
		conversation.WithAfterFunc(f.timers.AfterFunc),
		conversation.WithOnChange(func() { f.changes.Add(1) }),
	}, opts...)
	f.view = conversation.New(alice, partner, conversation.Deps{
		Sender:   f.sender,
		Fallback: f.fallback,
		Hub:      f.hub,
		Recents:  f.recents,
	}, opts...)
	t.Cleanup(f.view.Close)
	return f
}

// Conversations lets the fixture's fallback double as the recent-chats fetcher.
func (f *fakeFallback) Conversations(context.Context) ([]protocol.Identity, error) {
	return nil, nil
}

func ids(entries []conversation.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID())
	}
	return out
}

func kinds(entries []conversation.Entry) []conversation.Kind {
	out := make([]conversation.Kind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func TestView_OpenLoadsHistory(t *testing.T) {
	f := newFixture(t, bob)
	f.fallback.setHistory(bob.ID,
		msg(1, 1, 2, "hi"),
		msg(2, 2, 1, "hello"),
		msg(2, 2, 1, "hello"),
		msg(3, 1, 3, "not this conversation"),
	)

	require.NoError(t, f.view.Open(context.Background()))

	assert.Equal(t, []int64{1, 2}, ids(f.view.Entries()))
	assert.False(t, f.view.Loading())
	assert.NoError(t, f.view.Err())
	assert.Equal(t, 1, f.hub.Len())
	assert.Positive(t, f.changes.Load())
}

func TestView_PushDedup(t *testing.T) {
	f := newFixture(t, bob)
	f.fallback.setHistory(bob.ID, msg(1, 2, 1, "a"))
	require.NoError(t, f.view.Open(context.Background()))

	f.hub.Publish(msg(1, 2, 1, "a"))
	f.hub.Publish(msg(2, 2, 1, "b"))
	f.hub.Publish(msg(2, 2, 1, "b"))
	f.hub.Publish(msg(3, 1, 2, "c"))
	f.hub.Publish(msg(2, 2, 1, "b"))

	assert.Equal(t, []int64{1, 2, 3}, ids(f.view.Entries()))
}

func TestView_PushIgnoresOtherConversations(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))

	f.hub.Publish(msg(10, 3, 1, "from carol"))
	f.hub.Publish(msg(11, 2, 3, "bob to carol"))

	assert.Empty(t, f.view.Entries())
}

func TestView_SendOverConnectionConfirmedByEcho(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	require.NoError(t, f.view.Open(context.Background()))

	entry, err := f.view.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, conversation.Pending, entry.Kind)

	entries := f.view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, conversation.Pending, entries[0].Kind)
	assert.Equal(t, []protocol.SendRequest{{ReceiverID: 2, Content: "hi"}}, f.sender.sent)

	f.hub.Publish(msg(77, 1, 2, "hi"))

	entries = f.view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, conversation.Confirmed, entries[0].Kind)
	assert.Equal(t, int64(77), entries[0].ID())
	assert.Equal(t, entry.LocalID, entries[0].LocalID)

	// The echo's pending timer was cancelled.
	f.timers.fireAll()
	assert.Equal(t, conversation.Confirmed, f.view.Entries()[0].Kind)
}

func TestView_EchoFromPartnerDoesNotConfirm(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	require.NoError(t, f.view.Open(context.Background()))

	_, err := f.view.Send(context.Background(), "same")
	require.NoError(t, err)
	f.hub.Publish(msg(5, 2, 1, "same"))

	assert.Equal(t, []conversation.Kind{conversation.Pending, conversation.Confirmed}, kinds(f.view.Entries()))
}

func TestView_EchoPrefersPendingOverFailed(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))

	// Offline with a failing fallback: first entry fails.
	failed, err := f.view.Send(context.Background(), "dup")
	require.Error(t, err)
	assert.Equal(t, conversation.Failed, failed.Kind)

	f.sender.connected = true
	pending, err := f.view.Send(context.Background(), "dup")
	require.NoError(t, err)

	f.hub.Publish(msg(9, 1, 2, "dup"))

	entries := f.view.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, conversation.Failed, entries[0].Kind)
	assert.Equal(t, failed.LocalID, entries[0].LocalID)
	assert.Equal(t, conversation.Confirmed, entries[1].Kind)
	assert.Equal(t, pending.LocalID, entries[1].LocalID)

	// A second echo confirms the failed one.
	f.hub.Publish(msg(10, 1, 2, "dup"))
	assert.Equal(t, []int64{10, 9}, ids(f.view.Entries()))
}

func TestView_OfflineSendUsesFallback(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))
	f.fallback.send = func(content string, receiverID int64) (protocol.Message, error) {
		assert.Equal(t, "hi", content)
		assert.Equal(t, int64(2), receiverID)
		return protocol.Message{ID: 501, Content: "hi", SenderID: 1, ReceiverID: 2, IsRead: false}, nil
	}

	entry, err := f.view.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, conversation.Confirmed, entry.Kind)

	entries := f.view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(501), entries[0].ID())
	assert.Equal(t, "hi", entries[0].Message.Content)
	assert.False(t, entries[0].Message.IsRead)
	require.NotNil(t, entries[0].Message.Sender)
	assert.Equal(t, "alice", entries[0].Message.Sender.Username)

	// The same message arriving later through the hub is not duplicated.
	f.hub.Publish(protocol.Message{ID: 501, Content: "hi", SenderID: 1, ReceiverID: 2})
	assert.Equal(t, []int64{501}, ids(f.view.Entries()))
}

func TestView_FallbackResponseAfterPushRemovesTemporary(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))

	// The server normalizes content, so the push cannot be correlated by
	// content and lands as its own entry before the response returns.
	f.fallback.send = func(content string, receiverID int64) (protocol.Message, error) {
		f.hub.Publish(msg(501, 1, 2, "hi"))
		return msg(501, 1, 2, "hi"), nil
	}

	_, err := f.view.Send(context.Background(), "hi  ")
	require.NoError(t, err)

	entries := f.view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(501), entries[0].ID())
	assert.Equal(t, conversation.Confirmed, entries[0].Kind)
}

func TestView_FallbackFailureAndRetry(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))

	entry, err := f.view.Send(context.Background(), "lost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send message")
	assert.Equal(t, conversation.Failed, entry.Kind)
	assert.Error(t, f.view.Err())

	entries := f.view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, conversation.Failed, entries[0].Kind)

	f.view.DismissError()
	assert.NoError(t, f.view.Err())

	_, err = f.view.Retry("nope")
	assert.ErrorIs(t, err, conversation.ErrUnknownEntry)

	content, err := f.view.Retry(entry.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "lost", content)
	assert.Equal(t, "lost", f.view.Draft())
	assert.Empty(t, f.view.Entries())
}

func TestView_RetryRejectsPending(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	require.NoError(t, f.view.Open(context.Background()))

	entry, err := f.view.Send(context.Background(), "hi")
	require.NoError(t, err)

	_, err = f.view.Retry(entry.LocalID)
	assert.ErrorIs(t, err, conversation.ErrNotFailed)
}

func TestView_SendRejectsEmpty(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))

	_, err := f.view.Send(context.Background(), "  \n\t")
	assert.ErrorIs(t, err, conversation.ErrEmptyMessage)
	assert.Empty(t, f.view.Entries())
}

func TestView_TemporaryIDsIncrease(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	require.NoError(t, f.view.Open(context.Background()))

	var last int64
	for i := 0; i < 20; i++ {
		entry, err := f.view.Send(context.Background(), "burst")
		require.NoError(t, err)
		assert.Greater(t, entry.TempID, last)
		last = entry.TempID
	}
}

func TestView_SendMovesPartnerToFront(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	f.recents.Add(bob)
	f.recents.Add(carol)
	require.NoError(t, f.view.Open(context.Background()))

	_, err := f.view.Send(context.Background(), "hi")
	require.NoError(t, err)

	head, ok := f.recents.Head()
	require.True(t, ok)
	assert.Equal(t, bob.ID, head.ID)
	assert.Len(t, f.recents.List(), 2)
}

func TestView_StaleHistoryIsDiscarded(t *testing.T) {
	f := newFixture(t, bob)
	f.fallback.setHistory(bob.ID, msg(1, 2, 1, "from bob"))
	f.fallback.setHistory(carol.ID, msg(2, 3, 1, "from carol"))
	gate := f.fallback.block(bob.ID)

	errc := make(chan error, 1)
	go func() { errc <- f.view.Open(context.Background()) }()
	require.Eventually(t, f.view.Loading, time.Second, 5*time.Millisecond)

	require.NoError(t, f.view.SetPartner(context.Background(), carol))
	assert.Equal(t, []int64{2}, ids(f.view.Entries()))

	f.fallback.unblock(bob.ID)
	close(gate)
	assert.ErrorIs(t, <-errc, conversation.ErrStale)

	assert.Equal(t, []int64{2}, ids(f.view.Entries()))
	assert.Equal(t, carol.ID, f.view.Partner().ID)
}

func TestView_FetchFailureIsDismissible(t *testing.T) {
	f := newFixture(t, bob)
	f.fallback.err = errors.New("503")

	err := f.view.Open(context.Background())
	require.Error(t, err)
	assert.Error(t, f.view.Err())
	assert.False(t, f.view.Loading())

	f.view.DismissError()
	assert.NoError(t, f.view.Err())

	f.fallback.err = nil
	f.fallback.setHistory(bob.ID, msg(1, 2, 1, "a"))
	require.NoError(t, f.view.Load(context.Background()))
	assert.Equal(t, []int64{1}, ids(f.view.Entries()))
}

func TestView_PendingTimeoutMarksFailed(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	require.NoError(t, f.view.Open(context.Background()))

	entry, err := f.view.Send(context.Background(), "slow")
	require.NoError(t, err)

	f.timers.fireAll()
	assert.Equal(t, []conversation.Kind{conversation.Failed}, kinds(f.view.Entries()))

	// A late echo still confirms the failed entry.
	f.hub.Publish(msg(40, 1, 2, "slow"))
	entries := f.view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, conversation.Confirmed, entries[0].Kind)
	assert.Equal(t, entry.LocalID, entries[0].LocalID)
}

func TestView_ResyncAfterReconnect(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	f.fallback.setHistory(bob.ID, msg(1, 2, 1, "old"))
	require.NoError(t, f.view.Open(context.Background()))

	delivered, err := f.view.Send(context.Background(), "delivered")
	require.NoError(t, err)
	lost, err := f.view.Send(context.Background(), "lost")
	require.NoError(t, err)

	f.fallback.setHistory(bob.ID,
		msg(1, 2, 1, "old"),
		msg(2, 1, 2, "delivered"),
		msg(3, 2, 1, "missed while offline"),
	)
	require.NoError(t, f.view.Resync(context.Background()))

	entries := f.view.Entries()
	assert.Equal(t, []int64{1, 2, 3, lost.TempID}, ids(entries))
	assert.Equal(t, []conversation.Kind{
		conversation.Confirmed, conversation.Confirmed, conversation.Confirmed, conversation.Failed,
	}, kinds(entries))
	assert.NotEqual(t, delivered.LocalID, entries[1].LocalID)
	assert.Equal(t, lost.LocalID, entries[3].LocalID)
}

func TestView_ResyncDoesNotMatchAlreadyDisplayedMessages(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	f.fallback.setHistory(bob.ID, msg(1, 1, 2, "again"))
	require.NoError(t, f.view.Open(context.Background()))

	_, err := f.view.Send(context.Background(), "again")
	require.NoError(t, err)
	// The echo never came; history only has the earlier identical message.
	require.NoError(t, f.view.Resync(context.Background()))

	assert.Equal(t, []conversation.Kind{conversation.Confirmed, conversation.Failed}, kinds(f.view.Entries()))
}

func TestView_LoadClearsOptimisticState(t *testing.T) {
	f := newFixture(t, bob)
	f.sender.connected = true
	require.NoError(t, f.view.Open(context.Background()))

	_, err := f.view.Send(context.Background(), "pending")
	require.NoError(t, err)

	f.fallback.setHistory(bob.ID, msg(5, 2, 1, "fresh"))
	require.NoError(t, f.view.Load(context.Background()))
	assert.Equal(t, []int64{5}, ids(f.view.Entries()))
}

func TestView_CloseUnsubscribes(t *testing.T) {
	f := newFixture(t, bob)
	require.NoError(t, f.view.Open(context.Background()))
	require.Equal(t, 1, f.hub.Len())

	f.view.Close()
	f.view.Close()
	assert.Zero(t, f.hub.Len())

	_, err := f.view.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, conversation.ErrClosed)
	assert.ErrorIs(t, f.view.Open(context.Background()), conversation.ErrClosed)
}

func TestView_ViewsAreIndependent(t *testing.T) {
	hub := chat.NewHub[protocol.Message]("messages")
	fallback := newFakeFallback()
	deps := conversation.Deps{Sender: &fakeSender{}, Fallback: fallback, Hub: hub}

	withBob := conversation.New(alice, bob, deps)
	withCarol := conversation.New(alice, carol, deps)
	defer withBob.Close()
	defer withCarol.Close()
	require.NoError(t, withBob.Open(context.Background()))
	require.NoError(t, withCarol.Open(context.Background()))

	hub.Publish(msg(1, 2, 1, "bob"))
	hub.Publish(msg(2, 3, 1, "carol"))

	assert.Equal(t, []int64{1}, ids(withBob.Entries()))
	assert.Equal(t, []int64{2}, ids(withCarol.Entries()))
}
