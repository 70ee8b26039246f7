package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/eventvault/internal/journal"
)

// VerifyReducer checks the fold contract of the reducer named name over one
// key's history:
//
//   - every split of the history into a reduced part and a raw rest reduces
//     to the same events as the whole, for prefix splits and for an
//     interleaved even/odd split;
//   - reducing the whole history together with its own output adds nothing.
//
// Events are compared by tag and payload. It returns a descriptive error on
// the first violation.
func (c *Catalog) VerifyReducer(ctx context.Context, name, pk string, history []journal.Entry) error {
	var r *Reducer
	for i := range c.reducers {
		if c.reducers[i].Name == name {
			r = &c.reducers[i]
		}
	}
	if r == nil {
		return fmt.Errorf("catalog: no reducer named %q", name)
	}

	fold := func(entries []journal.Entry) ([]journal.Entry, error) {
		_, out, err := c.reduce(ctx, *r, pk, entries)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return sortByID(entries), nil
		}
		return out, nil
	}

	whole, err := fold(history)
	if err != nil {
		return err
	}
	want := fingerprint(whole)

	check := func(label string, part, rest []journal.Entry) error {
		folded, err := fold(part)
		if err != nil {
			return err
		}
		combined, err := fold(append(append([]journal.Entry(nil), folded...), rest...))
		if err != nil {
			return err
		}
		if got := fingerprint(combined); got != want {
			return fmt.Errorf("reducer %s on %s: %s gives\n%s\nwant\n%s", name, pk, label, got, want)
		}
		return nil
	}

	sorted := sortByID(history)
	for k := 1; k < len(sorted); k++ {
		if err := check(fmt.Sprintf("prefix split at %d", k), sorted[:k], sorted[k:]); err != nil {
			return err
		}
	}

	var evens, odds []journal.Entry
	for i, e := range sorted {
		if i%2 == 0 {
			evens = append(evens, e)
		} else {
			odds = append(odds, e)
		}
	}
	if err := check("even/odd split", evens, odds); err != nil {
		return err
	}
	if err := check("refold with own output", sorted, whole); err != nil {
		return err
	}
	return nil
}

// fingerprint renders entries as a sorted list of tag and payload lines.
func fingerprint(entries []journal.Entry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.EventTag + " " + string(e.Payload)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// MemoryState is an in-memory State.
type MemoryState struct {
	mu     sync.Mutex
	tables map[string]map[string][]byte
}

// NewMemoryState creates an empty state.
func NewMemoryState() *MemoryState {
	return &MemoryState{tables: make(map[string]map[string][]byte)}
}

func (m *MemoryState) GetState(_ context.Context, table, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tables[table][key]
	return v, ok, nil
}

func (m *MemoryState) PutState(_ context.Context, table, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string][]byte)
		m.tables[table] = t
	}
	t[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryState) DeleteState(_ context.Context, table, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

// Snapshot renders every table as sorted "table/key=value" lines.
func (m *MemoryState) Snapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lines []string
	for table, rows := range m.tables {
		for k, v := range rows {
			lines = append(lines, table+"/"+k+"="+string(v))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}
