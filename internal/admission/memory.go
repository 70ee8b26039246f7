package admission

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold is the key count above which stale windows are dropped.
const sweepThreshold = 4096

type window struct {
	index int64
	count int
}

// Memory is a process-local fixed-window Limiter.
type Memory struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

// NewMemory creates an empty limiter. now defaults to time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{windows: make(map[string]window), now: now}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string, rule Rule) (bool, error) {
	idx := windowStart(m.now(), rule.Window)

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if w.index != idx {
		w = window{index: idx}
	}
	if w.count >= rule.Limit {
		m.windows[key] = w
		return false, nil
	}
	w.count++
	m.windows[key] = w

	if len(m.windows) > sweepThreshold {
		m.sweepLocked(idx)
	}
	return true, nil
}

// sweepLocked drops windows older than the current one. Keys counted under
// different rules may share an index space; a dropped key only restarts
// its count.
func (m *Memory) sweepLocked(current int64) {
	for k, w := range m.windows {
		if w.index < current {
			delete(m.windows, k)
		}
	}
}
