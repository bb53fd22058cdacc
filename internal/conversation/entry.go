package conversation

import (
	"github.com/omochice/dmsync/pkg/protocol"
)

// Kind tags a displayed entry.
type Kind int

const (
	// Pending entries were created locally and await confirmation.
	Pending Kind = iota
	// Failed entries could not be delivered and wait for a manual retry.
	Failed
	// Confirmed entries carry a server-assigned id.
	Confirmed
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Entry is one row of a conversation view. Pending and Failed entries carry
// a temporary id in TempID (also mirrored in Message.ID); Confirmed entries
// carry the server id in Message.ID.
type Entry struct {
	LocalID string
	Kind    Kind
	TempID  int64
	Message protocol.Message
}

// ID returns the id the entry is displayed under.
func (e Entry) ID() int64 {
	if e.Kind == Confirmed {
		return e.Message.ID
	}
	return e.TempID
}

// Optimistic reports whether the entry was synthesized locally.
func (e Entry) Optimistic() bool {
	return e.Kind != Confirmed
}
