package catalog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventvault/internal/journal"
)

type note struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type noteTagged struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

type counterAdd struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

var (
	noteCreated = Define("note-created", func(n note) string { return n.ID }, putNote)
	noteRenamed = Define("note-renamed", func(n note) string { return n.ID }, renameNote)
	noteTags    = Define("note-tagged", func(n noteTagged) string { return n.ID }, tagNote)
	counter     = Define[counterAdd]("counter-add", func(c counterAdd) string { return c.ID }, nil)
	failing     = Define("note-failing", func(n note) string { return n.ID },
		func(context.Context, State, note) (Outcome, error) { return nil, errors.New("disk full") })
)

func putNote(ctx context.Context, st State, n note) (Outcome, error) {
	raw, _ := json.Marshal(n)
	return Applied{}, st.PutState(ctx, "notes", n.ID, raw)
}

func renameNote(ctx context.Context, st State, n note) (Outcome, error) {
	raw, ok, err := st.GetState(ctx, "notes", n.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Rejected{Reason: "unknown note"}, nil
	}
	var cur note
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, err
	}
	cur.Title = n.Title
	return putNote(ctx, st, cur)
}

// tagNote keeps the sorted union of every tag applied to a note.
func tagNote(ctx context.Context, st State, t noteTagged) (Outcome, error) {
	var tags []string
	raw, ok, err := st.GetState(ctx, "tags", t.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, err
		}
	}
	tags = union(tags, t.Tags)
	raw, _ = json.Marshal(tags)
	return Applied{Tables: []string{"tags"}}, st.PutState(ctx, "tags", t.ID, raw)
}

func union(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string(nil), a...), b...) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// latestNote folds creations and renames into one creation carrying the
// last title, by id order.
var latestNote = Reducer{
	Name: "latest-note",
	Tags: []string{"note-created", "note-renamed"},
	Reduce: func(_ context.Context, pk string, _ []journal.Entry, events []any, write WriteFunc) error {
		cur := note{ID: pk}
		for _, ev := range events {
			cur.Title = ev.(note).Title
		}
		return write("note-created", cur)
	},
}

// unionTags folds tag events into one event with the sorted union.
var unionTags = Reducer{
	Name: "union-tags",
	Tags: []string{"note-tagged"},
	Reduce: func(_ context.Context, pk string, _ []journal.Entry, events []any, write WriteFunc) error {
		var tags []string
		for _, ev := range events {
			tags = union(tags, ev.(noteTagged).Tags)
		}
		return write("note-tagged", noteTagged{ID: pk, Tags: tags})
	},
}

// sumCounter is not idempotent: folding its own output double counts.
var sumCounter = Reducer{
	Name: "sum-counter",
	Tags: []string{"counter-add"},
	Reduce: func(_ context.Context, pk string, _ []journal.Entry, events []any, write WriteFunc) error {
		total := 0
		for _, ev := range events {
			total += ev.(counterAdd).N
		}
		return write("counter-add", counterAdd{ID: pk, N: total})
	},
}

func newTestCatalog(t *testing.T, reducers ...Reducer) *Catalog {
	t.Helper()
	notes := NewGroup("notes", noteCreated, noteRenamed, noteTags, failing).
		Invalidates("note-created", "notes", "note-list").
		Invalidates("note-renamed", "notes")
	counters := NewGroup("counters", counter)
	for _, r := range reducers {
		notes.Reduce(r)
	}
	c, err := New([]*Group{notes, counters})
	require.NoError(t, err)
	return c
}

// idAt builds a v7 id at a fixed millisecond so histories order predictably.
func idAt(ms int64, n byte) uuid.UUID {
	var id uuid.UUID
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ms))
	copy(id[:6], ts[2:])
	id[6] = 0x70
	id[8] = 0x80
	id[15] = n
	return id
}

func entry(t *testing.T, ms int64, tag string, payload any) journal.Entry {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var pk struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &pk))
	return journal.Entry{ID: idAt(ms, byte(ms)), EventTag: tag, PrimaryKey: pk.ID, Payload: raw}
}

func noteHistory(t *testing.T) []journal.Entry {
	return []journal.Entry{
		entry(t, 1000, "note-created", note{ID: "abc", Title: "draft"}),
		entry(t, 1001, "note-renamed", note{ID: "abc", Title: "second"}),
		entry(t, 1002, "note-renamed", note{ID: "abc", Title: "third"}),
		entry(t, 1003, "note-renamed", note{ID: "abc", Title: "final"}),
	}
}

func tagHistory(t *testing.T) []journal.Entry {
	return []journal.Entry{
		entry(t, 2000, "note-tagged", noteTagged{ID: "abc", Tags: []string{"b"}}),
		entry(t, 2001, "note-tagged", noteTagged{ID: "abc", Tags: []string{"a", "c"}}),
		entry(t, 2002, "note-tagged", noteTagged{ID: "abc", Tags: []string{"b", "d"}}),
		entry(t, 2003, "note-tagged", noteTagged{ID: "abc", Tags: []string{"a"}}),
		entry(t, 2004, "note-tagged", noteTagged{ID: "abc", Tags: []string{"e"}}),
	}
}

func joinLines(lines ...string) string { return strings.Join(lines, "\n") }
