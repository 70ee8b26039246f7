// Package pubsub provides a reference-counted publish/subscribe fan-out.
//
// A Hub delivers every published value to every live Subscription through a
// buffered channel. Publishing never blocks: a subscriber whose buffer is
// full is dropped and its channel closed, and Overflowed reports why. Such a
// subscriber is expected to resubscribe and catch up from its own cursor.
//
// Closing a Subscription releases its registration immediately; the hub
// keeps no reference to it afterwards.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity used when a Hub is
// created with a non-positive buffer.
const DefaultBuffer = 64

// Hub is a fan-out point for values of type T.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	buffer int
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer values.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		subs:   make(map[uint64]*Subscription[T]),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. On a closed hub the returned
// subscription's channel is already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription[T]{
		id:  h.nextID,
		hub: h,
		ch:  make(chan T, h.buffer),
	}
	if h.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	h.subs[s.id] = s
	return s
}

// Publish delivers v to every subscriber and returns the number reached.
func (h *Hub[T]) Publish(v T) int {
	return h.PublishExcept(v, 0)
}

// PublishExcept delivers v to every subscriber except the one with ID skip.
func (h *Hub[T]) PublishExcept(v T, skip uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for id, s := range h.subs {
		if id == skip {
			continue
		}
		select {
		case s.ch <- v:
			delivered++
		default:
			s.overflowed.Store(true)
			h.removeLocked(s)
		}
	}
	return delivered
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription. Later Subscribe calls return closed
// subscriptions and Publish reaches nobody.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		h.removeLocked(s)
	}
}

// removeLocked unregisters s and closes its channel.
// Must be called with h.mu held.
func (h *Hub[T]) removeLocked(s *Subscription[T]) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.id)
	close(s.ch)
}

// Subscription is one registration on a Hub.
type Subscription[T any] struct {
	id         uint64
	hub        *Hub[T]
	ch         chan T
	closed     bool // guarded by hub.mu
	overflowed atomic.Bool
}

// ID identifies the subscription within its hub.
func (s *Subscription[T]) ID() uint64 {
	return s.id
}

// C returns the delivery channel. It is closed when the subscription is
// closed, dropped for overflow, or the hub is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Overflowed reports whether the hub dropped this subscriber because its
// buffer was full.
func (s *Subscription[T]) Overflowed() bool {
	return s.overflowed.Load()
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
