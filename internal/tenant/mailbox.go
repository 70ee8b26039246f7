package tenant

import (
	"context"
	"sync"
)

// request is one unit of work for the actor loop.
type request struct {
	op   string
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// mailbox is a thread-safe FIFO queue of requests.
//
// It is unbounded so callers never block on enqueue; back-pressure comes
// from callers waiting for their own reply.
//
// The signal channel enables context-aware waiting in the Run loop.
type mailbox struct {
	mu       sync.Mutex
	requests []request
	closed   bool
	signal   chan struct{} // buffered, size 1
}

func newMailbox() *mailbox {
	return &mailbox{
		requests: make([]request, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a request to the back of the queue.
// Returns false if the mailbox is closed.
func (m *mailbox) Enqueue(r request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.requests = append(m.requests, r)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front request without blocking.
func (m *mailbox) TryDequeue() (request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.requests) == 0 {
		return request{}, false
	}
	r := m.requests[0]
	// Release the slot so the request's closures can be collected.
	m.requests[0] = request{}
	if len(m.requests) == 1 {
		m.requests = m.requests[:0]
	} else {
		m.requests = m.requests[1:]
	}
	return r, true
}

// Wait returns a channel that signals when requests may be available.
// It is closed once the mailbox is closed.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the number of queued requests.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Closed reports whether Close has been called.
func (m *mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops accepting requests and wakes the loop. Queued requests are
// still drained.
func (m *mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.signal)
}
