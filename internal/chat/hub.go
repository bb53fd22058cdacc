package chat

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Hub is a process-wide set of callbacks. Publish delivers a value to every
// callback registered at the time of the call, exactly once, in registration
// order. The subscriber list is copy-on-write, so callbacks may subscribe or
// unsubscribe while a publish is in progress.
type Hub[T any] struct {
	name   string
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

// NewHub creates a new Hub. The name is only used for logging.
func NewHub[T any](name string) *Hub[T] {
	return &Hub[T]{name: name}
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is safe to call more than once.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	next := make([]subscriber[T], len(h.subs), len(h.subs)+1)
	copy(next, h.subs)
	h.subs = append(next, subscriber[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id) })
	}
}

func (h *Hub[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next := make([]subscriber[T], 0, len(h.subs))
	for _, s := range h.subs {
		if s.id != id {
			next = append(next, s)
		}
	}
	h.subs = next
}

// Publish invokes every registered callback with v. A panicking callback is
// recovered and logged; delivery continues with the next one.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	snapshot := h.subs
	h.mu.Unlock()

	for _, s := range snapshot {
		h.invoke(s, v)
	}
}

func (h *Hub[T]) invoke(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "hub").
				Str("hub", h.name).
				Uint64("subscriber", s.id).
				Interface("panic", r).
				Msg("subscriber panicked, continuing delivery")
		}
	}()
	s.fn(v)
}

// Len returns the number of registered callbacks.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
