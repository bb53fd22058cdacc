// Package recent keeps the most-recent-first list of conversation partners.
package recent

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/omochice/dmsync/internal/chat"
	"github.com/omochice/dmsync/pkg/protocol"
)

// Fetcher loads the authoritative partner list.
type Fetcher interface {
	Conversations(ctx context.Context) ([]protocol.Identity, error)
}

// Cache is the recent-conversations list shared by every view of a login.
// Subscribers to Changes receive a copy of the list after each mutation.
type Cache struct {
	fetcher Fetcher
	changes *chat.Hub[[]protocol.Identity]

	mu       sync.Mutex
	list     []protocol.Identity
	inflight int
	err      error
	// pending holds identities added while any refresh is in flight. Every
	// landing refresh replays them over its list so a late response does not
	// undo them; they are dropped once the last refresh lands.
	pending []protocol.Identity
}

// New creates an empty Cache.
func New(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		changes: chat.NewHub[[]protocol.Identity]("recent-chats"),
	}
}

// Changes returns the hub list updates are published on.
func (c *Cache) Changes() *chat.Hub[[]protocol.Identity] {
	return c.changes
}

// Add moves identity to the head of the list, or prepends it when absent.
// It reports whether the list changed; adding the current head is a no-op.
func (c *Cache) Add(identity protocol.Identity) bool {
	c.mu.Lock()
	if c.inflight > 0 {
		c.pending = append(c.pending, identity)
	}
	next, changed := moveToFront(c.list, identity)
	if !changed {
		c.mu.Unlock()
		return false
	}
	c.list = next
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.changes.Publish(snapshot)
	return true
}

func moveToFront(list []protocol.Identity, identity protocol.Identity) ([]protocol.Identity, bool) {
	if len(list) > 0 && list[0].ID == identity.ID {
		return list, false
	}
	next := make([]protocol.Identity, 0, len(list)+1)
	next = append(next, identity)
	for _, existing := range list {
		if existing.ID != identity.ID {
			next = append(next, existing)
		}
	}
	return next, true
}

// Refresh replaces the list from the server. On failure the previous list is
// kept and the error is available from Err until dismissed.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight == 0 {
		c.pending = nil
	}
	c.inflight++
	c.mu.Unlock()

	fetched, err := c.fetcher.Conversations(ctx)

	c.mu.Lock()
	c.inflight--
	pending := append([]protocol.Identity(nil), c.pending...)
	if c.inflight == 0 {
		c.pending = nil
	}
	if err != nil {
		c.err = errors.Wrap(err, "refresh recent chats")
		c.mu.Unlock()
		log.Warn().Str("component", "recent").Err(err).Msg("refresh failed")
		return c.Err()
	}
	c.err = nil
	list := dedupe(fetched)
	for _, identity := range pending {
		list, _ = moveToFront(list, identity)
	}
	c.list = list
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.changes.Publish(snapshot)
	return nil
}

func dedupe(list []protocol.Identity) []protocol.Identity {
	seen := make(map[int64]struct{}, len(list))
	out := make([]protocol.Identity, 0, len(list))
	for _, identity := range list {
		if _, ok := seen[identity.ID]; ok {
			continue
		}
		seen[identity.ID] = struct{}{}
		out = append(out, identity)
	}
	return out
}

func (c *Cache) snapshotLocked() []protocol.Identity {
	out := make([]protocol.Identity, len(c.list))
	copy(out, c.list)
	return out
}

// List returns a copy of the list, most recent first.
func (c *Cache) List() []protocol.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Head returns the most recent partner.
func (c *Cache) Head() (protocol.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.list) == 0 {
		return protocol.Identity{}, false
	}
	return c.list[0], true
}

// Lookup finds a partner by id.
func (c *Cache) Lookup(id int64) (protocol.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, identity := range c.list {
		if identity.ID == id {
			return identity, true
		}
	}
	return protocol.Identity{}, false
}

// Loading reports whether a refresh is in flight.
func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight > 0
}

// Err returns the last refresh error.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// DismissError clears the last refresh error.
func (c *Cache) DismissError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
}
