// Package journal is the device-local, append-only event store.
//
// Entries are immutable and identified by a time-ordered UUIDv7. Each row
// also gets a local sequence number (seq), the order in which it was
// written on this device; EntriesSince and Changes are cursors over seq.
// Entries arriving from a vault are imported with their origin and remote
// sequence so they are never pushed back to the same vault.
//
// # Ordering
//
// Every multi-row query orders by seq ASC, or by id ASC when reading one
// primary key's history for compaction. Reads are deterministic across
// replays.
//
// # Writes
//
// One writer, many readers. Appends are split into batches bounded by the
// statement variable limit and a byte budget; each batch commits in its own
// transaction. Duplicate entry ids are silently ignored (ON CONFLICT DO
// NOTHING), so re-importing is safe.
package journal

import (
	"time"

	"github.com/google/uuid"
)

// sqliteMaxVariables is the conservative SQLITE_MAX_VARIABLE_NUMBER.
const sqliteMaxVariables = 999

// entryColumns is the number of bound parameters per inserted entry.
const entryColumns = 7

// entryOverhead approximates the fixed bytes of a row beyond its payload.
const entryOverhead = 64

// Entry is one immutable unit of domain state change.
type Entry struct {
	ID         uuid.UUID `msgpack:"id" json:"id"`
	EventTag   string    `msgpack:"tag" json:"eventTag"`
	Payload    []byte    `msgpack:"payload" json:"payload"`
	PrimaryKey string    `msgpack:"pk" json:"primaryKey"`
}

// Record is an Entry as stored on this device.
type Record struct {
	Entry
	Seq       int64     `json:"seq"`
	Origin    string    `json:"origin,omitempty"` // vault the entry was imported from; empty if local
	RemoteSeq int64     `json:"remoteSeq,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RemoteEntry is a decrypted entry received from a vault.
type RemoteEntry struct {
	Entry
	RemoteSeq int64
}

// RowsPerBatch returns how many rows of the given column count fit in one
// statement under maxVariables, never less than one.
func RowsPerBatch(columns, maxVariables int) int {
	if columns <= 0 {
		return 1
	}
	n := maxVariables / columns
	if n < 1 {
		return 1
	}
	return n
}

func (e Entry) size() int {
	return entryOverhead + len(e.EventTag) + len(e.PrimaryKey) + len(e.Payload)
}

// splitBatches partitions rows so each batch holds at most maxRows rows and
// at most budget bytes. A single row larger than budget forms its own batch.
func splitBatches[T any](rows []T, size func(T) int, maxRows, budget int) [][]T {
	var (
		out   [][]T
		start int
		bytes int
	)
	for i, r := range rows {
		n := size(r)
		count := i - start
		if count > 0 && (count >= maxRows || bytes+n > budget) {
			out = append(out, rows[start:i])
			start, bytes = i, 0
		}
		bytes += n
	}
	if start < len(rows) {
		out = append(out, rows[start:])
	}
	return out
}
