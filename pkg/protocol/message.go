// Package protocol defines the wire types shared by the message server and its clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Identity is an immutable snapshot of a user as returned by the server.
type Identity struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Email     string `json:"email,omitempty"`
}

// DisplayName returns the full name when set, otherwise the username.
func (i Identity) DisplayName() string {
	if strings.TrimSpace(i.FullName) != "" {
		return i.FullName
	}
	if i.Username != "" {
		return i.Username
	}
	return fmt.Sprintf("user-%d", i.ID)
}

// Message represents a direct message between two users.
type Message struct {
	ID         int64     `json:"id"`
	Content    string    `json:"content"`
	CreatedAt  Timestamp `json:"created_at"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	IsRead     bool      `json:"is_read"`
	Sender     *Identity `json:"sender,omitempty"`
}

// Key returns the conversation the message belongs to.
func (m Message) Key() ConversationKey {
	return NewConversationKey(m.SenderID, m.ReceiverID)
}

// ConversationKey is the unordered pair of participants of a conversation.
// A is always the smaller id.
type ConversationKey struct {
	A int64
	B int64
}

// NewConversationKey normalizes the pair so that (a, b) and (b, a) compare equal.
func NewConversationKey(a, b int64) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

// Contains reports whether msg was exchanged between the two participants,
// in either direction.
func (k ConversationKey) Contains(msg Message) bool {
	return msg.Key() == k
}

// Partner returns the participant that is not self.
func (k ConversationKey) Partner(self int64) int64 {
	if k.A == self {
		return k.B
	}
	return k.A
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%d:%d", k.A, k.B)
}

// timestampLayouts are tried in order when decoding. The naive layouts cover
// servers that emit local ISO-8601 timestamps without a zone designator.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a time.Time that tolerates zone-less ISO-8601 input.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{Time: time.Now()}
}

// MarshalJSON encodes the timestamp as RFC 3339 with nanoseconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// UnmarshalJSON accepts RFC 3339 and zone-less ISO-8601 strings. Zone-less
// values are interpreted as UTC.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode timestamp: %w", err)
	}
	parsed, err := parseTimestamp(raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to decode timestamp %q", raw)
}
