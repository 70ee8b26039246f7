// Package catalog is the typed registry of event kinds.
//
// A Definition binds an event tag to a payload type, a primary-key
// extractor and a handler that applies the event to materialized state.
// Definitions are composed into Groups, which also declare reactivity (the
// state tables invalidated when a tag fires) and compaction reducers. A
// Catalog built from groups applies journal entries in order and runs
// compaction; see Compact.
//
// Payloads are JSON on the journal. Decode failures are parse errors and
// reject only the affected entry.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncerr"
)

// State is the materialized state handlers read and write.
// *journal.Journal implements it.
type State interface {
	GetState(ctx context.Context, table, key string) ([]byte, bool, error)
	PutState(ctx context.Context, table, key string, value []byte) error
	DeleteState(ctx context.Context, table, key string) error
}

// Kind is the untyped view of a Definition used by the catalog.
type Kind interface {
	Tag() string
	Decode(payload []byte) (any, error)
	Encode(v any) ([]byte, error)
	PrimaryKey(v any) (string, error)
	Apply(ctx context.Context, st State, v any) (Outcome, error)
}

// Handler applies a decoded payload to state.
type Handler[P any] func(ctx context.Context, st State, p P) (Outcome, error)

// Definition is a typed event kind.
type Definition[P any] struct {
	tag      string
	key      func(P) string
	handle   Handler[P]
	required []string
}

// Define creates a typed definition. key extracts the primary key of a
// payload; handle may be nil for events that only feed reducers.
func Define[P any](tag string, key func(P) string, handle Handler[P]) *Definition[P] {
	return &Definition[P]{tag: tag, key: key, handle: handle}
}

// Tag returns the event tag.
func (d *Definition[P]) Tag() string { return d.tag }

// Decode parses payload into P, checking required fields first.
func (d *Definition[P]) Decode(payload []byte) (any, error) {
	if len(d.required) > 0 {
		if err := checkRequired(payload, d.required); err != nil {
			return nil, err
		}
	}
	var p P
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, syncerr.Parse(fmt.Sprintf("decode %s payload", d.tag), err)
	}
	return p, nil
}

// Encode marshals a payload of type P.
func (d *Definition[P]) Encode(v any) ([]byte, error) {
	p, ok := v.(P)
	if !ok {
		return nil, fmt.Errorf("catalog: %s expects %T, got %T", d.tag, *new(P), v)
	}
	return json.Marshal(p)
}

// PrimaryKey extracts the primary key of a payload of type P.
func (d *Definition[P]) PrimaryKey(v any) (string, error) {
	p, ok := v.(P)
	if !ok {
		return "", fmt.Errorf("catalog: %s expects %T, got %T", d.tag, *new(P), v)
	}
	return d.key(p), nil
}

// Apply runs the handler on a payload of type P.
func (d *Definition[P]) Apply(ctx context.Context, st State, v any) (Outcome, error) {
	p, ok := v.(P)
	if !ok {
		return nil, fmt.Errorf("catalog: %s expects %T, got %T", d.tag, *new(P), v)
	}
	if d.handle == nil {
		return Applied{}, nil
	}
	return d.handle(ctx, st, p)
}

func (d *Definition[P]) requireFields(fields []string) {
	d.required = append([]string(nil), fields...)
}

// Appender is the journal's append operation.
type Appender interface {
	Append(ctx context.Context, tag, primaryKey string, payload []byte) (journal.Record, error)
}

// Emit encodes p and appends it as a new journal entry.
func Emit[P any](ctx context.Context, a Appender, d *Definition[P], p P) (journal.Record, error) {
	payload, err := d.Encode(p)
	if err != nil {
		return journal.Record{}, err
	}
	return a.Append(ctx, d.tag, d.key(p), payload)
}

// Group composes definitions with their reactivity and reducers.
type Group struct {
	Name        string
	kinds       []Kind
	invalidates map[string][]string
	reducers    []Reducer
}

// NewGroup creates a group of kinds.
func NewGroup(name string, kinds ...Kind) *Group {
	return &Group{Name: name, kinds: kinds, invalidates: make(map[string][]string)}
}

// Invalidates declares the tables invalidated whenever tag is applied.
func (g *Group) Invalidates(tag string, tables ...string) *Group {
	g.invalidates[tag] = append(g.invalidates[tag], tables...)
	return g
}

// Reduce registers a compaction reducer.
func (g *Group) Reduce(r Reducer) *Group {
	g.reducers = append(g.reducers, r)
	return g
}

// Result pairs an entry with its outcome.
type Result struct {
	Entry   journal.Entry
	Outcome Outcome
}

// Catalog is the registry built from groups.
//
// Thread-safety: Apply and Compact are safe for concurrent use. Compaction
// of one primary key never interleaves with another compaction of it.
type Catalog struct {
	kinds       map[string]Kind
	invalidates map[string][]string
	reducers    []Reducer
	notifier    *Notifier
	logger      *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithNotifier publishes invalidations on n.
func WithNotifier(n *Notifier) Option {
	return func(c *Catalog) { c.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// New builds a catalog. Tags must be unique across groups.
func New(groups []*Group, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		kinds:       make(map[string]Kind),
		invalidates: make(map[string][]string),
		logger:      slog.Default(),
		locks:       make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = NewNotifier()
	}

	for _, g := range groups {
		for _, k := range g.kinds {
			if _, dup := c.kinds[k.Tag()]; dup {
				return nil, fmt.Errorf("catalog: tag %q registered twice (group %s)", k.Tag(), g.Name)
			}
			c.kinds[k.Tag()] = k
		}
		for tag, tables := range g.invalidates {
			c.invalidates[tag] = append(c.invalidates[tag], tables...)
		}
		for _, r := range g.reducers {
			if r.Name == "" || r.Reduce == nil {
				return nil, fmt.Errorf("catalog: group %s has a reducer without name or function", g.Name)
			}
			c.reducers = append(c.reducers, r)
		}
	}
	return c, nil
}

// Notifier returns the invalidation notifier.
func (c *Catalog) Notifier() *Notifier { return c.notifier }

// Kind returns the definition registered for tag.
func (c *Catalog) Kind(tag string) (Kind, bool) {
	k, ok := c.kinds[tag]
	return k, ok
}

// Tags returns every registered tag in lexical order.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.kinds))
	for t := range c.kinds {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Encode validates payload against tag's definition and returns its
// canonical encoding and primary key.
func (c *Catalog) Encode(tag string, payload []byte) ([]byte, string, error) {
	k, ok := c.kinds[tag]
	if !ok {
		return nil, "", fmt.Errorf("catalog: unknown tag %q", tag)
	}
	v, err := k.Decode(payload)
	if err != nil {
		return nil, "", err
	}
	pk, err := k.PrimaryKey(v)
	if err != nil {
		return nil, "", err
	}
	out, err := k.Encode(v)
	if err != nil {
		return nil, "", err
	}
	return out, pk, nil
}

// Apply applies entries to st strictly in the given order. Unknown tags
// are ignored and undecodable payloads rejected; both are reported in the
// results and do not stop the batch. A handler error stops the batch and is
// returned with the results so far, so the caller must not advance any
// cursor past the failed entry.
func (c *Catalog) Apply(ctx context.Context, st State, entries []journal.Entry) ([]Result, error) {
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		out, err := c.applyOne(ctx, st, e)
		if err != nil {
			return results, fmt.Errorf("apply %s %s: %w", e.EventTag, e.ID, err)
		}
		results = append(results, Result{Entry: e, Outcome: out})

		if applied, ok := out.(Applied); ok {
			c.notifier.publish(Invalidation{
				Tag:        e.EventTag,
				PrimaryKey: e.PrimaryKey,
				Tables:     mergeTables(c.invalidates[e.EventTag], applied.Tables),
			})
		}
	}
	return results, nil
}

func (c *Catalog) applyOne(ctx context.Context, st State, e journal.Entry) (Outcome, error) {
	k, ok := c.kinds[e.EventTag]
	if !ok {
		return Ignored{Tag: e.EventTag}, nil
	}
	v, err := k.Decode(e.Payload)
	if err != nil {
		c.logger.Warn("rejecting undecodable entry", "tag", e.EventTag, "id", e.ID, "error", err)
		return Rejected{Reason: err.Error()}, nil
	}
	out, err := k.Apply(ctx, st, v)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Applied{}
	}
	return out, nil
}

func mergeTables(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
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
