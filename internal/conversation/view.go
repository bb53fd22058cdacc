// Package conversation reconciles one conversation's displayed messages from
// fetched history, pushed events and local optimistic sends.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/omochice/dmsync/pkg/protocol"
)

// DefaultPendingTimeout is how long a dispatched entry may wait for its echo.
const DefaultPendingTimeout = 10 * time.Second

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotFailed    = errors.New("entry is not failed")
	ErrUnknownEntry = errors.New("unknown entry")
	ErrClosed       = errors.New("view is closed")
	// ErrStale is returned by Load and Resync when the result was discarded
	// because the view moved on before it arrived.
	ErrStale = errors.New("stale history response")
)

// Sender dispatches over the live connection.
type Sender interface {
	Send(receiverID int64, content string) bool
}

// Fallback is the request/response path.
type Fallback interface {
	FetchHistory(ctx context.Context, partnerID int64) ([]protocol.Message, error)
	SendMessage(ctx context.Context, content string, receiverID int64) (protocol.Message, error)
}

// Subscriber delivers pushed messages.
type Subscriber interface {
	Subscribe(fn func(protocol.Message)) (unsubscribe func())
}

// Recents is notified of the partner on every send.
type Recents interface {
	Add(identity protocol.Identity) bool
}

// Deps are the shared collaborators a View talks to.
type Deps struct {
	Sender   Sender
	Fallback Fallback
	Hub      Subscriber
	Recents  Recents
}

// Timer is a pending timeout.
type Timer interface {
	Stop() bool
}

// Option configures a View.
type Option func(*View)

// WithOnChange registers a callback invoked after every state change. It is
// called without the view lock held.
func WithOnChange(fn func()) Option {
	return func(v *View) { v.onChange = fn }
}

// WithPendingTimeout overrides DefaultPendingTimeout.
func WithPendingTimeout(d time.Duration) Option {
	return func(v *View) { v.pendingTimeout = d }
}

// WithAfterFunc overrides the timer used for pending timeouts.
func WithAfterFunc(fn func(d time.Duration, f func()) Timer) Option {
	return func(v *View) { v.afterFunc = fn }
}

// View is the display state of one conversation between self and a partner.
// Entries are kept in insertion order and are unique by displayed id.
type View struct {
	self           protocol.Identity
	deps           Deps
	onChange       func()
	pendingTimeout time.Duration
	afterFunc      func(d time.Duration, f func()) Timer
	logger         zerolog.Logger

	mu          sync.Mutex
	partner     protocol.Identity
	key         protocol.ConversationKey
	entries     []Entry
	draft       string
	loading     bool
	err         error
	epoch       uint64
	lastTempID  int64
	timers      map[string]Timer
	unsubscribe func()
	closed      bool
}

// New creates a view. Call Open to subscribe and load history.
func New(self, partner protocol.Identity, deps Deps, opts ...Option) *View {
	v := &View{
		self:           self,
		deps:           deps,
		pendingTimeout: DefaultPendingTimeout,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		partner: partner,
		key:     protocol.NewConversationKey(self.ID, partner.ID),
		timers:  make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = log.With().
		Str("component", "conversation").
		Int64("self", self.ID).
		Logger()
	return v
}

// Open subscribes to pushed messages and loads history.
func (v *View) Open(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	subscribe := v.unsubscribe == nil && v.deps.Hub != nil
	v.mu.Unlock()

	if subscribe {
		unsubscribe := v.deps.Hub.Subscribe(v.handlePush)
		v.mu.Lock()
		if v.closed || v.unsubscribe != nil {
			v.mu.Unlock()
			unsubscribe()
		} else {
			v.unsubscribe = unsubscribe
			v.mu.Unlock()
		}
	}
	return v.Load(ctx)
}

// Close unsubscribes, cancels timers and discards in-flight results.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.epoch++
	v.stopTimersLocked()
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// SetPartner switches the view to another conversation and reloads. Results
// of fetches issued for the previous partner are discarded.
func (v *View) SetPartner(ctx context.Context, partner protocol.Identity) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrClosed
	}
	v.partner = partner
	v.key = protocol.NewConversationKey(v.self.ID, partner.ID)
	v.epoch++
	v.stopTimersLocked()
	v.entries = nil
	v.draft = ""
	v.err = nil
	v.mu.Unlock()

	v.changed()
	return v.Load(ctx)
}

// Load fetches history and replaces the whole list with it, dropping any
// optimistic entries.
func (v *View) Load(ctx context.Context) error {
	history, epoch, err := v.fetch(ctx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if epoch != v.epoch {
		v.mu.Unlock()
		return ErrStale
	}
	v.stopTimersLocked()
	v.entries = confirmedEntries(history)
	v.mu.Unlock()

	v.changed()
	return nil
}

// Resync reloads history after a reconnect. Optimistic entries matched by a
// history message that was not displayed before are dropped as delivered;
// the rest become Failed and are kept at the end for manual retry.
func (v *View) Resync(ctx context.Context) error {
	history, epoch, err := v.fetch(ctx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if epoch != v.epoch {
		v.mu.Unlock()
		return ErrStale
	}

	known := make(map[int64]struct{}, len(v.entries))
	for _, e := range v.entries {
		if e.Kind == Confirmed {
			known[e.Message.ID] = struct{}{}
		}
	}

	next := confirmedEntries(history)
	used := make(map[int64]struct{})
	var kept []Entry
	for _, e := range v.entries {
		if e.Kind == Confirmed {
			continue
		}
		if id, ok := matchDelivered(history, e, v.self.ID, known, used); ok {
			used[id] = struct{}{}
			v.stopTimerLocked(e.LocalID)
			continue
		}
		e.Kind = Failed
		v.stopTimerLocked(e.LocalID)
		kept = append(kept, e)
	}
	v.entries = append(next, kept...)
	v.mu.Unlock()

	if len(kept) > 0 {
		v.logger.Info().Int("failed", len(kept)).Msg("unconfirmed messages marked failed after resync")
	}
	v.changed()
	return nil
}

func matchDelivered(history []protocol.Message, e Entry, self int64, known, used map[int64]struct{}) (int64, bool) {
	for _, m := range history {
		if m.SenderID != self || m.Content != e.Message.Content {
			continue
		}
		if _, ok := known[m.ID]; ok {
			continue
		}
		if _, ok := used[m.ID]; ok {
			continue
		}
		return m.ID, true
	}
	return 0, false
}

func (v *View) fetch(ctx context.Context) ([]protocol.Message, uint64, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, 0, ErrClosed
	}
	v.epoch++
	epoch := v.epoch
	partner := v.partner
	key := v.key
	v.loading = true
	v.mu.Unlock()
	v.changed()

	msgs, err := v.deps.Fallback.FetchHistory(ctx, partner.ID)

	v.mu.Lock()
	if epoch != v.epoch {
		v.mu.Unlock()
		v.logger.Debug().Int64("partner", partner.ID).Msg("discarding stale history")
		return nil, 0, ErrStale
	}
	v.loading = false
	if err != nil {
		v.err = errors.Wrap(err, "load messages")
		wrapped := v.err
		v.mu.Unlock()
		v.logger.Warn().Err(err).Int64("partner", partner.ID).Msg("history fetch failed")
		v.changed()
		return nil, 0, wrapped
	}
	v.err = nil
	v.mu.Unlock()

	history := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		if key.Contains(m) {
			history = append(history, m)
		}
	}
	return history, epoch, nil
}

func confirmedEntries(history []protocol.Message) []Entry {
	seen := make(map[int64]struct{}, len(history))
	out := make([]Entry, 0, len(history))
	for _, m := range history {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, confirmed(m))
	}
	return out
}

func confirmed(m protocol.Message) Entry {
	return Entry{LocalID: uuid.NewString(), Kind: Confirmed, Message: m}
}

// Send appends a pending entry and dispatches content over the live
// connection, or through the fallback when that is not possible. A fallback
// failure leaves the entry Failed and is returned.
func (v *View) Send(ctx context.Context, content string) (Entry, error) {
	if strings.TrimSpace(content) == "" {
		return Entry{}, ErrEmptyMessage
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Entry{}, ErrClosed
	}
	tempID := v.nextTempIDLocked()
	self := v.self
	entry := Entry{
		LocalID: uuid.NewString(),
		Kind:    Pending,
		TempID:  tempID,
		Message: protocol.Message{
			ID:         tempID,
			Content:    content,
			CreatedAt:  protocol.Now(),
			SenderID:   v.self.ID,
			ReceiverID: v.partner.ID,
			Sender:     &self,
		},
	}
	v.entries = append(v.entries, entry)
	v.draft = ""
	partner := v.partner
	v.mu.Unlock()
	v.changed()

	if v.deps.Recents != nil {
		v.deps.Recents.Add(partner)
	}

	if v.deps.Sender != nil && v.deps.Sender.Send(partner.ID, content) {
		v.armPendingTimeout(entry.LocalID)
		return entry, nil
	}

	v.logger.Debug().Int64("partner", partner.ID).Msg("websocket not open, sending via request")
	return v.sendViaFallback(ctx, entry, partner)
}

func (v *View) nextTempIDLocked() int64 {
	id := time.Now().UnixMilli()
	if id <= v.lastTempID {
		id = v.lastTempID + 1
	}
	v.lastTempID = id
	return id
}

func (v *View) sendViaFallback(ctx context.Context, entry Entry, partner protocol.Identity) (Entry, error) {
	msg, err := v.deps.Fallback.SendMessage(ctx, entry.Message.Content, partner.ID)

	v.mu.Lock()
	i := v.indexByLocalLocked(entry.LocalID)
	if err != nil {
		wrapped := errors.Wrap(err, "send message")
		if i >= 0 && v.entries[i].Kind == Pending {
			v.entries[i].Kind = Failed
			entry = v.entries[i]
		}
		v.err = wrapped
		v.mu.Unlock()

		v.logger.Warn().Err(err).Int64("partner", partner.ID).Msg("fallback send failed")
		v.changed()
		return entry, wrapped
	}

	if msg.Sender == nil && msg.SenderID == v.self.ID {
		self := v.self
		msg.Sender = &self
	}
	result := confirmed(msg)
	result.LocalID = entry.LocalID

	switch {
	case i >= 0 && v.entries[i].Kind != Confirmed:
		v.stopTimerLocked(entry.LocalID)
		if v.hasConfirmedLocked(msg.ID) {
			v.entries = append(v.entries[:i], v.entries[i+1:]...)
		} else {
			v.entries[i] = result
		}
	case !v.closed && v.key.Contains(msg) && !v.hasConfirmedLocked(msg.ID):
		v.entries = append(v.entries, result)
	}
	v.mu.Unlock()

	v.changed()
	return result, nil
}

func (v *View) armPendingTimeout(localID string) {
	if v.pendingTimeout <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.indexByLocalLocked(localID)
	if v.closed || i < 0 || v.entries[i].Kind != Pending {
		return
	}
	v.timers[localID] = v.afterFunc(v.pendingTimeout, func() { v.expire(localID) })
}

func (v *View) expire(localID string) {
	v.mu.Lock()
	delete(v.timers, localID)
	i := v.indexByLocalLocked(localID)
	if v.closed || i < 0 || v.entries[i].Kind != Pending {
		v.mu.Unlock()
		return
	}
	v.entries[i].Kind = Failed
	v.mu.Unlock()

	v.logger.Warn().Str("local_id", localID).Msg("message not confirmed in time")
	v.changed()
}

func (v *View) handlePush(msg protocol.Message) {
	v.mu.Lock()
	if v.closed || !v.key.Contains(msg) || v.hasConfirmedLocked(msg.ID) {
		v.mu.Unlock()
		return
	}

	if i := v.echoTargetLocked(msg); i >= 0 {
		localID := v.entries[i].LocalID
		v.stopTimerLocked(localID)
		replaced := confirmed(msg)
		replaced.LocalID = localID
		v.entries[i] = replaced
	} else {
		v.entries = append(v.entries, confirmed(msg))
	}
	v.mu.Unlock()

	v.changed()
}

// echoTargetLocked finds the optimistic entry a pushed message confirms: the
// first Pending entry with the same content, else the first Failed one.
func (v *View) echoTargetLocked(msg protocol.Message) int {
	if msg.SenderID != v.self.ID {
		return -1
	}
	failed := -1
	for i, e := range v.entries {
		if e.Message.Content != msg.Content {
			continue
		}
		switch e.Kind {
		case Pending:
			return i
		case Failed:
			if failed < 0 {
				failed = i
			}
		}
	}
	return failed
}

// Retry removes a failed entry and puts its content back into the draft.
func (v *View) Retry(localID string) (string, error) {
	v.mu.Lock()
	i := v.indexByLocalLocked(localID)
	if i < 0 {
		v.mu.Unlock()
		return "", ErrUnknownEntry
	}
	if v.entries[i].Kind != Failed {
		v.mu.Unlock()
		return "", ErrNotFailed
	}
	content := v.entries[i].Message.Content
	v.entries = append(v.entries[:i], v.entries[i+1:]...)
	v.draft = content
	v.mu.Unlock()

	v.changed()
	return content, nil
}

func (v *View) indexByLocalLocked(localID string) int {
	for i, e := range v.entries {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

func (v *View) hasConfirmedLocked(id int64) bool {
	for _, e := range v.entries {
		if e.Kind == Confirmed && e.Message.ID == id {
			return true
		}
	}
	return false
}

func (v *View) stopTimerLocked(localID string) {
	if t, ok := v.timers[localID]; ok {
		t.Stop()
		delete(v.timers, localID)
	}
}

func (v *View) stopTimersLocked() {
	for id, t := range v.timers {
		t.Stop()
		delete(v.timers, id)
	}
}

func (v *View) changed() {
	if v.onChange != nil {
		v.onChange()
	}
}

// Entries returns a copy of the displayed entries.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.entries))
	copy(out, v.entries)
	return out
}

// Partner returns the current conversation partner.
func (v *View) Partner() protocol.Identity {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.partner
}

// Self returns the logged-in identity.
func (v *View) Self() protocol.Identity {
	return v.self
}

// Loading reports whether a history fetch is in flight.
func (v *View) Loading() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loading
}

// Err returns the last fetch or send error.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// DismissError clears Err.
func (v *View) DismissError() {
	v.mu.Lock()
	v.err = nil
	v.mu.Unlock()
	v.changed()
}

// Draft returns the compose field content.
func (v *View) Draft() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

// SetDraft replaces the compose field content.
func (v *View) SetDraft(draft string) {
	v.mu.Lock()
	v.draft = draft
	v.mu.Unlock()
}
