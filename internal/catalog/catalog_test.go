package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncerr"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestNew_RejectsDuplicateTags(t *testing.T) {
	a := NewGroup("a", noteCreated)
	b := NewGroup("b", Define("note-created", func(n note) string { return n.ID }, nil))
	_, err := New([]*Group{a, b})
	assert.ErrorContains(t, err, "registered twice")
}

func TestNew_RejectsUnnamedReducer(t *testing.T) {
	g := NewGroup("a", noteCreated).Reduce(Reducer{})
	_, err := New([]*Group{g})
	assert.Error(t, err)
}

func TestApply_Outcomes(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	st := NewMemoryState()

	entries := []journal.Entry{
		entry(t, 1, "note-created", note{ID: "abc", Title: "hello"}),
		entry(t, 2, "note-renamed", note{ID: "zzz", Title: "nope"}),
		entry(t, 3, "unknown-tag", note{ID: "abc"}),
		{ID: idAt(4, 4), EventTag: "note-created", PrimaryKey: "abc", Payload: []byte("{not json")},
	}
	results, err := c.Apply(ctx, st, entries)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, Applied{}, results[0].Outcome)
	assert.Equal(t, Rejected{Reason: "unknown note"}, results[1].Outcome)
	assert.Equal(t, Ignored{Tag: "unknown-tag"}, results[2].Outcome)
	assert.IsType(t, Rejected{}, results[3].Outcome)

	assert.Equal(t, `notes/abc={"id":"abc","title":"hello"}`, st.Snapshot())
}

func TestApply_HandlerErrorStopsBatch(t *testing.T) {
	c := newTestCatalog(t)
	entries := []journal.Entry{
		entry(t, 1, "note-created", note{ID: "a"}),
		entry(t, 2, "note-failing", note{ID: "a"}),
		entry(t, 3, "note-created", note{ID: "b"}),
	}
	results, err := c.Apply(context.Background(), NewMemoryState(), entries)
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, results, 1)
}

func TestApply_PublishesInvalidations(t *testing.T) {
	c := newTestCatalog(t)
	sub := c.Notifier().Subscribe()
	defer sub.Close()

	_, err := c.Apply(context.Background(), NewMemoryState(), []journal.Entry{
		entry(t, 1, "note-created", note{ID: "abc"}),
		entry(t, 2, "note-tagged", noteTagged{ID: "abc", Tags: []string{"x"}}),
	})
	require.NoError(t, err)

	inv := <-sub.C()
	assert.Equal(t, Invalidation{Tag: "note-created", PrimaryKey: "abc", Tables: []string{"note-list", "notes"}}, inv)
	inv = <-sub.C()
	assert.Equal(t, []string{"tags"}, inv.Tables)
}

func TestEmit_AppendsEncodedPayload(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	rec, err := Emit(ctx, j, noteCreated, note{ID: "abc", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.PrimaryKey)
	assert.Equal(t, "note-created", rec.EventTag)
	assert.JSONEq(t, `{"id":"abc","title":"t"}`, string(rec.Payload))
}

func TestCatalogEncode(t *testing.T) {
	c := newTestCatalog(t)
	payload, pk, err := c.Encode("note-created", []byte(`{"title":"x","id":"k1"}`))
	require.NoError(t, err)
	assert.Equal(t, "k1", pk)
	assert.JSONEq(t, `{"id":"k1","title":"x"}`, string(payload))

	_, _, err = c.Encode("nope", []byte(`{}`))
	assert.Error(t, err)
}

func TestCompact_FoldsHistoryAndPreservesState(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, latestNote, unionTags)
	j := openJournal(t)

	var raw []journal.Entry
	for _, e := range append(noteHistory(t), tagHistory(t)...) {
		rec, err := j.Append(ctx, e.EventTag, e.PrimaryKey, e.Payload)
		require.NoError(t, err)
		raw = append(raw, rec.Entry)
	}
	_, err := Emit(ctx, j, noteCreated, note{ID: "solo", Title: "only"})
	require.NoError(t, err)

	stats, err := c.Compact(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, CompactStats{Keys: 1, Superseded: 9, Written: 2}, stats)

	live, err := j.EntriesForKey(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, live, 2)

	compacted := make([]journal.Entry, len(live))
	for i, r := range live {
		compacted[i] = r.Entry
	}

	before := NewMemoryState()
	_, err = c.Apply(ctx, before, raw)
	require.NoError(t, err)
	after := NewMemoryState()
	_, err = c.Apply(ctx, after, compacted)
	require.NoError(t, err)
	assert.Equal(t, before.Snapshot(), after.Snapshot())
	assert.Equal(t, joinLines(
		`notes/abc={"id":"abc","title":"final"}`,
		`tags/abc=["a","b","c","d","e"]`,
	), after.Snapshot())

	again, err := c.Compact(ctx, j)
	require.NoError(t, err)
	assert.Zero(t, again.Superseded, "compacted history is a fixpoint")
}

func TestCompact_ConcurrentRunsDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, latestNote)
	j := openJournal(t)

	for k := 0; k < 10; k++ {
		for i := 0; i < 4; i++ {
			_, err := Emit(ctx, j, noteRenamed, note{ID: fmt.Sprintf("k%d", k), Title: fmt.Sprint(i)})
			require.NoError(t, err)
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := c.Compact(ctx, j)
			assert.NoError(t, err)
			mu.Lock()
			total += stats.Superseded
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 40, total)
	for k := 0; k < 10; k++ {
		live, err := j.EntriesForKey(ctx, fmt.Sprintf("k%d", k))
		require.NoError(t, err)
		assert.Len(t, live, 1)
	}
	assert.Empty(t, c.locks, "key locks are released")
}

func TestCompact_IndependentDevicesConverge(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, latestNote)
	history := noteHistory(t)

	var winners [][]journal.Record
	for i := 0; i < 2; i++ {
		j := openJournal(t)
		_, err := j.AppendEntries(ctx, history)
		require.NoError(t, err)
		_, err = c.Compact(ctx, j)
		require.NoError(t, err)
		live, err := j.EntriesForKey(ctx, "abc")
		require.NoError(t, err)
		winners = append(winners, live)
	}
	require.Len(t, winners[0], 1)
	assert.Equal(t, winners[0][0].Entry, winners[1][0].Entry, "replacements get identical ids on both devices")
}

func TestCompact_ReducerWritingOtherKeyFails(t *testing.T) {
	ctx := context.Background()
	bad := Reducer{
		Name: "bad",
		Reduce: func(_ context.Context, _ string, _ []journal.Entry, _ []any, write WriteFunc) error {
			return write("note-created", note{ID: "elsewhere"})
		},
	}
	c := newTestCatalog(t, bad)
	j := openJournal(t)
	_, err := j.AppendEntries(ctx, noteHistory(t))
	require.NoError(t, err)

	_, err = c.Compact(ctx, j)
	assert.ErrorContains(t, err, "elsewhere")
}

func TestVerifyReducer(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, latestNote, unionTags, sumCounter)

	assert.NoError(t, c.VerifyReducer(ctx, "latest-note", "abc", noteHistory(t)))
	assert.NoError(t, c.VerifyReducer(ctx, "union-tags", "abc", tagHistory(t)))

	counts := []journal.Entry{
		entry(t, 1, "counter-add", counterAdd{ID: "c", N: 1}),
		entry(t, 2, "counter-add", counterAdd{ID: "c", N: 2}),
		entry(t, 3, "counter-add", counterAdd{ID: "c", N: 3}),
	}
	err := c.VerifyReducer(ctx, "sum-counter", "c", counts)
	require.Error(t, err)
	assert.ErrorContains(t, err, "refold")

	assert.Error(t, c.VerifyReducer(ctx, "missing", "c", counts))
}

func TestReplacementID_IsV7AndDeterministic(t *testing.T) {
	inputs := []uuid.UUID{idAt(5000, 1), idAt(9000, 2)}
	a := ReplacementID("r", "a", inputs, 0)
	b := ReplacementID("r", "a", inputs, 0)
	other := ReplacementID("r", "a", inputs, 1)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.Equal(t, 7, int(a.Version()))
	assert.Equal(t, inputs[1][:6], a[:6])

	sec, nsec := a.Time().UnixTime()
	assert.Equal(t, int64(9), sec)
	assert.Equal(t, int64(0), nsec)
}

func TestLoadDefinitions_BindsDocumentKinds(t *testing.T) {
	src := `
events: {
	"task-added": {
		primaryKey:  "id"
		required:    ["title"]
		invalidates: ["tasks"]
	}
	"note-created": {
		primaryKey: "id"
		required:   ["title"]
	}
}
`
	decls, err := LoadDefinitions("events.cue", []byte(src))
	require.NoError(t, err)
	require.Len(t, decls, 2)
	assert.Equal(t, Declaration{Tag: "note-created", PrimaryKey: "id", Required: []string{"id", "title"}}, decls[0])
	assert.Equal(t, []string{"tasks"}, decls[1].Invalidates)

	c, err := New([]*Group{NewGroup("notes", Define("note-created", func(n note) string { return n.ID }, putNote))})
	require.NoError(t, err)
	require.NoError(t, c.Bind(decls))
	assert.Equal(t, []string{"note-created", "task-added"}, c.Tags())

	st := NewMemoryState()
	results, err := c.Apply(context.Background(), st, []journal.Entry{
		{ID: idAt(1, 1), EventTag: "task-added", PrimaryKey: "t1", Payload: []byte(`{"id":"t1","title":"write"}`)},
		{ID: idAt(2, 2), EventTag: "task-added", PrimaryKey: "t2", Payload: []byte(`{"id":"t2"}`)},
		{ID: idAt(3, 3), EventTag: "note-created", PrimaryKey: "n", Payload: []byte(`{"id":"n"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, Applied{Tables: []string{"tasks"}}, results[0].Outcome)
	assert.IsType(t, Rejected{}, results[1].Outcome)
	assert.IsType(t, Rejected{}, results[2].Outcome, "declared required fields apply to Go definitions")
	assert.Equal(t, `tasks/t1={"id":"t1","title":"write"}`, st.Snapshot())
}

func TestLoadDefinitions_Errors(t *testing.T) {
	_, err := LoadDefinitions("bad.cue", []byte(`events: { a: { required: ["x"] } }`))
	assert.ErrorContains(t, err, "primaryKey is required")

	_, err = LoadDefinitions("none.cue", []byte(`other: 1`))
	assert.ErrorContains(t, err, "events is required")

	_, err = LoadDefinitions("syntax.cue", []byte(`events: {`))
	assert.Error(t, err)

	_, err = LoadDefinitions("mode.cue", []byte(`events: a: {primaryKey: "id", compact: "oldest"}`))
	assert.ErrorContains(t, err, `unknown compaction "oldest"`)
}

func TestLoadDefinitions_CompactLatest(t *testing.T) {
	ctx := context.Background()
	decls, err := LoadDefinitions("events.cue", []byte(`
events: "draft-saved": {
	primaryKey:  "id"
	invalidates: ["drafts"]
	compact:     "latest"
}
`))
	require.NoError(t, err)
	require.Len(t, decls, 1)
	assert.Equal(t, CompactLatest, decls[0].Compact)

	c, err := New(nil)
	require.NoError(t, err)
	require.NoError(t, c.Bind(decls))

	j := openJournal(t)
	for _, body := range []string{`{"id":"d1","body":"a"}`, `{"id":"d1","body":"ab"}`, `{"id":"d1","body":"abc"}`} {
		_, err := j.Append(ctx, "draft-saved", "d1", []byte(body))
		require.NoError(t, err)
	}

	stats, err := c.Compact(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, CompactStats{Keys: 1, Superseded: 3, Written: 1}, stats)

	live, err := j.EntriesForKey(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.JSONEq(t, `{"id":"d1","body":"abc"}`, string(live[0].Payload))
}

func TestCheckRequired(t *testing.T) {
	err := checkRequired([]byte(`{"a":1}`), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, syncerr.KindMissingFields, syncerr.KindOf(err))

	err = checkRequired([]byte(`[1]`), []string{"a"})
	assert.True(t, syncerr.IsParse(err))
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "applied [x]", Describe(Applied{Tables: []string{"x"}}))
	assert.Equal(t, "rejected: bad", Describe(Rejected{Reason: "bad"}))
	assert.Equal(t, "ignored tag t", Describe(Ignored{Tag: "t"}))
}
