package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/omochice/dmsync/pkg/protocol"
)

// Memory is a Store held in process memory.
type Memory struct {
	mu       sync.RWMutex
	users    map[int64]protocol.Identity
	messages []protocol.Message
	nextID   int64
	now      func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:  make(map[int64]protocol.Identity),
		nextID: 1,
		now:    time.Now,
	}
}

func (m *Memory) UpsertUser(_ context.Context, user protocol.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *Memory) User(_ context.Context, id int64) (protocol.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return protocol.Identity{}, ErrNotFound
	}
	return user, nil
}

func (m *Memory) SearchUsers(_ context.Context, query string, limit int, exclude int64) ([]protocol.Identity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []protocol.Identity
	for _, user := range m.users {
		if user.ID != exclude && matchesQuery(user, query) {
			out = append(out, user)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if n := searchLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, senderID, receiverID int64, content string) (protocol.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[receiverID]; !ok {
		return protocol.Message{}, ErrNotFound
	}
	msg := protocol.Message{
		ID:         m.nextID,
		Content:    content,
		CreatedAt:  protocol.Timestamp{Time: m.now().UTC()},
		SenderID:   senderID,
		ReceiverID: receiverID,
	}
	m.nextID++
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) Conversation(_ context.Context, self, other int64, limit, skip int) ([]protocol.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := protocol.NewConversationKey(self, other)
	var out []protocol.Message
	for _, msg := range m.messages {
		if other != 0 && !key.Contains(msg) {
			continue
		}
		if other == 0 && msg.SenderID != self && msg.ReceiverID != self {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) Partners(_ context.Context, self int64) ([]protocol.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	last := make(map[int64]int)
	for i, msg := range m.messages {
		switch self {
		case msg.SenderID:
			last[msg.ReceiverID] = i
		case msg.ReceiverID:
			last[msg.SenderID] = i
		}
	}
	ids := make([]int64, 0, len(last))
	for id := range last {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return last[ids[i]] > last[ids[j]] })

	out := make([]protocol.Identity, 0, len(ids))
	for _, id := range ids {
		if user, ok := m.users[id]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, messageID, reader int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID != messageID {
			continue
		}
		if m.messages[i].ReceiverID != reader {
			return ErrForbidden
		}
		m.messages[i].IsRead = true
		return nil
	}
	return ErrNotFound
}

func (m *Memory) UnreadCount(_ context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, msg := range m.messages {
		if msg.ReceiverID == userID && !msg.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
