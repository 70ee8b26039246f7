package testutil

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
)

// SequentialIDs mints UUIDv7 ids whose timestamp is a counter of
// milliseconds since the Unix epoch, starting at 1. Two generators created
// the same way produce the same ids, so golden traces are stable.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu   sync.Mutex
	ms   uint64
	node byte
}

// NewSequentialIDs creates a generator. node is stored in the last byte so
// generators standing in for different devices never collide.
func NewSequentialIDs(node byte) *SequentialIDs {
	return &SequentialIDs{node: node}
}

// NewID implements journal.IDGenerator.
func (g *SequentialIDs) NewID() uuid.UUID {
	g.mu.Lock()
	g.ms++
	ms := g.ms
	g.mu.Unlock()
	return IDAt(ms, g.node)
}

// IDAt builds the v7 id with timestamp ms and last byte node.
func IDAt(ms uint64, node byte) uuid.UUID {
	var id uuid.UUID
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], ms)
	copy(id[:6], ts[2:])
	id[6] = 0x70
	id[8] = 0x80
	id[15] = node
	return id
}
