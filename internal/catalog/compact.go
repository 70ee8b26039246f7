package catalog

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eventvault/internal/crypt"
	"github.com/roach88/eventvault/internal/journal"
)

// WriteFunc re-emits a consolidated event from a reducer. The payload must
// be the Go payload type of tag's definition.
type WriteFunc func(tag string, payload any) error

// Reducer folds one primary key's history into a smaller canonical set.
//
// Reduce receives the key's live entries carrying one of Tags (all tags when
// empty), ordered by id, with their decoded payloads in the same order.
// Every replacement it writes must carry the same primary key.
//
// Reducers must be pure and must fold any subset of a key's history
// consistently: reducing a part, then reducing its output together with the
// rest, gives the same events as reducing everything at once. Two devices
// compacting the same key before syncing then converge. VerifyReducer
// checks this.
type Reducer struct {
	Name   string
	Tags   []string
	Reduce func(ctx context.Context, primaryKey string, entries []journal.Entry, events []any, write WriteFunc) error
}

func (r Reducer) accepts(tag string) bool {
	if len(r.Tags) == 0 {
		return true
	}
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Log is the journal surface compaction needs.
type Log interface {
	Keys(ctx context.Context, minEntries int) ([]string, error)
	EntriesForKey(ctx context.Context, primaryKey string) ([]journal.Record, error)
	Supersede(ctx context.Context, primaryKey string, ids []uuid.UUID, replacements []journal.Entry) ([]journal.Record, error)
}

// CompactStats summarizes one Compact run.
type CompactStats struct {
	Keys       int
	Superseded int
	Written    int
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// lockKey serializes work on one primary key. The returned func unlocks it.
func (c *Catalog) lockKey(pk string) func() {
	c.locksMu.Lock()
	l, ok := c.locks[pk]
	if !ok {
		l = &keyLock{}
		c.locks[pk] = l
	}
	l.refs++
	c.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, pk)
		}
		c.locksMu.Unlock()
	}
}

// Compact runs every reducer over every primary key with at least two live
// entries. Keys are compacted concurrently; one key is never compacted by
// two goroutines at once.
func (c *Catalog) Compact(ctx context.Context, log Log) (CompactStats, error) {
	if len(c.reducers) == 0 {
		return CompactStats{}, nil
	}
	keys, err := log.Keys(ctx, 2)
	if err != nil {
		return CompactStats{}, fmt.Errorf("compact: %w", err)
	}

	var (
		mu    sync.Mutex
		stats CompactStats
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, pk := range keys {
		g.Go(func() error {
			superseded, written, err := c.CompactKey(gctx, log, pk)
			if err != nil {
				return err
			}
			mu.Lock()
			if superseded > 0 {
				stats.Keys++
			}
			stats.Superseded += superseded
			stats.Written += written
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	c.logger.Debug("compaction finished", "keys", stats.Keys, "superseded", stats.Superseded, "written", stats.Written)
	return stats, nil
}

// CompactKey runs every reducer over one primary key and returns how many
// entries were superseded and written.
func (c *Catalog) CompactKey(ctx context.Context, log Log, pk string) (superseded, written int, err error) {
	unlock := c.lockKey(pk)
	defer unlock()

	for _, r := range c.reducers {
		recs, err := log.EntriesForKey(ctx, pk)
		if err != nil {
			return superseded, written, fmt.Errorf("compact %s: %w", pk, err)
		}
		inputs := make([]journal.Entry, 0, len(recs))
		for _, rec := range recs {
			if r.accepts(rec.EventTag) {
				inputs = append(inputs, rec.Entry)
			}
		}

		ids, replacements, err := c.reduce(ctx, r, pk, inputs)
		if err != nil {
			return superseded, written, err
		}
		if replacements == nil {
			continue
		}

		if _, err := log.Supersede(ctx, pk, ids, replacements); err != nil {
			return superseded, written, err
		}
		superseded += len(ids)
		written += len(replacements)
	}
	return superseded, written, nil
}

// reduce runs r over inputs and returns the ids it consumed with their
// replacements. Undecodable inputs are left alone. Replacements are nil
// when there is nothing to compact: fewer than two decodable inputs, or a
// result no smaller than the input.
func (c *Catalog) reduce(ctx context.Context, r Reducer, pk string, inputs []journal.Entry) ([]uuid.UUID, []journal.Entry, error) {
	sorted := make([]journal.Entry, 0, len(inputs))
	events := make([]any, 0, len(inputs))
	for _, e := range sortByID(inputs) {
		k, ok := c.kinds[e.EventTag]
		if !ok {
			continue
		}
		v, err := k.Decode(e.Payload)
		if err != nil {
			continue
		}
		sorted = append(sorted, e)
		events = append(events, v)
	}
	if len(sorted) < 2 {
		return nil, nil, nil
	}

	ids := make([]uuid.UUID, len(sorted))
	for i, e := range sorted {
		ids[i] = e.ID
	}

	var out []journal.Entry
	write := func(tag string, payload any) error {
		k, ok := c.kinds[tag]
		if !ok {
			return fmt.Errorf("reducer %s: unknown tag %q", r.Name, tag)
		}
		key, err := k.PrimaryKey(payload)
		if err != nil {
			return fmt.Errorf("reducer %s: %w", r.Name, err)
		}
		if key != pk {
			return fmt.Errorf("reducer %s: wrote key %q while compacting %q", r.Name, key, pk)
		}
		raw, err := k.Encode(payload)
		if err != nil {
			return fmt.Errorf("reducer %s: %w", r.Name, err)
		}
		out = append(out, journal.Entry{
			ID:         ReplacementID(r.Name, pk, ids, len(out)),
			EventTag:   tag,
			PrimaryKey: pk,
			Payload:    raw,
		})
		return nil
	}

	if err := r.Reduce(ctx, pk, sorted, events, write); err != nil {
		return nil, nil, fmt.Errorf("reducer %s on %s: %w", r.Name, pk, err)
	}
	if len(out) == 0 || len(out) >= len(sorted) {
		return nil, nil, nil
	}
	return ids, out, nil
}

// ReplacementID derives the id of the index-th replacement written by
// reducer for pk from the ids it consumed. The result is a valid UUIDv7
// carrying the newest input's timestamp, so devices compacting the same
// history independently mint identical ids and the journal deduplicates
// them on import.
func ReplacementID(reducer, pk string, inputs []uuid.UUID, index int) uuid.UUID {
	var buf bytes.Buffer
	buf.WriteString(reducer)
	buf.WriteByte(0)
	buf.WriteString(pk)
	buf.WriteByte(0)
	for _, id := range inputs {
		buf.Write(id[:])
	}
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(index)))
	sum := crypt.Hash(buf.Bytes())

	var id uuid.UUID
	if len(inputs) > 0 {
		newest := inputs[0]
		for _, in := range inputs[1:] {
			if bytes.Compare(in[:], newest[:]) > 0 {
				newest = in
			}
		}
		copy(id[:6], newest[:6])
	}
	copy(id[6:], sum[:10])
	id[6] = (id[6] & 0x0f) | 0x70
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

func sortByID(entries []journal.Entry) []journal.Entry {
	out := append([]journal.Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out
}
