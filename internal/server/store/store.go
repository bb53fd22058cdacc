// Package store persists users and direct messages for the reference server.
package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/omochice/dmsync/pkg/protocol"
)

var (
	// ErrNotFound is returned when a user or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a user marks a message addressed to
	// someone else as read.
	ErrForbidden = errors.New("forbidden")
)

// DefaultSearchLimit caps SearchUsers when the caller passes no limit.
const DefaultSearchLimit = 10

// Store is the reference server's persistence layer.
type Store interface {
	// UpsertUser creates or replaces a user by id.
	UpsertUser(ctx context.Context, user protocol.Identity) error
	User(ctx context.Context, id int64) (protocol.Identity, error)
	// SearchUsers matches query against username and full name,
	// case-insensitively, skipping exclude.
	SearchUsers(ctx context.Context, query string, limit int, exclude int64) ([]protocol.Identity, error)

	// CreateMessage stores a message and returns it with its id and
	// creation time. ErrNotFound is returned for an unknown receiver.
	CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (protocol.Message, error)
	// Conversation lists messages between self and other oldest first.
	// other == 0 lists every message self sent or received.
	Conversation(ctx context.Context, self, other int64, limit, skip int) ([]protocol.Message, error)
	// Partners lists everyone self has exchanged messages with, most
	// recent conversation first.
	Partners(ctx context.Context, self int64) ([]protocol.Identity, error)
	MarkRead(ctx context.Context, messageID, reader int64) error
	UnreadCount(ctx context.Context, userID int64) (int, error)

	Close() error
}

func matchesQuery(user protocol.Identity, query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(strings.ToLower(user.Username), q) ||
		strings.Contains(strings.ToLower(user.FullName), q)
}

func searchLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	return limit
}
