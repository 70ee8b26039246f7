package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/eventvault/internal/journal"
	"github.com/roach88/eventvault/internal/syncerr"
)

// Declaration is an event kind declared in CUE:
//
//	events: "note-created": {
//		primaryKey:  "id"
//		required:    ["id", "title"]
//		invalidates: ["notes"]
//		compact:     "latest"
//	}
//
// compact "latest" folds a key's history of the tag into its newest entry.
type Declaration struct {
	Tag         string
	PrimaryKey  string
	Required    []string
	Invalidates []string
	Compact     string
}

// CompactLatest keeps only the newest entry of a tag per primary key.
const CompactLatest = "latest"

// DeclarationError reports an invalid declaration with its CUE position.
type DeclarationError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *DeclarationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &DeclarationError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}

// LoadDefinitionsFile reads declarations from a CUE file.
func LoadDefinitionsFile(path string) ([]Declaration, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definitions: %w", err)
	}
	return LoadDefinitions(path, src)
}

// LoadDefinitions compiles CUE source and returns the declarations under
// the top-level "events" struct, ordered by tag.
func LoadDefinitions(filename string, src []byte) ([]Declaration, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	events := v.LookupPath(cue.ParsePath("events"))
	if !events.Exists() {
		return nil, &DeclarationError{Field: "events", Message: "events is required", Pos: v.Pos()}
	}
	iter, err := events.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []Declaration
	for iter.Next() {
		d, err := parseDeclaration(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

func parseDeclaration(tag string, v cue.Value) (Declaration, error) {
	d := Declaration{Tag: tag}

	pkVal := v.LookupPath(cue.ParsePath("primaryKey"))
	if !pkVal.Exists() {
		return Declaration{}, &DeclarationError{Field: tag + ".primaryKey", Message: "primaryKey is required", Pos: v.Pos()}
	}
	pk, err := pkVal.String()
	if err != nil {
		return Declaration{}, formatCUEError(err)
	}
	d.PrimaryKey = pk

	if d.Required, err = stringList(v, "required"); err != nil {
		return Declaration{}, err
	}
	if d.Invalidates, err = stringList(v, "invalidates"); err != nil {
		return Declaration{}, err
	}
	if cv := v.LookupPath(cue.ParsePath("compact")); cv.Exists() {
		mode, err := cv.String()
		if err != nil {
			return Declaration{}, formatCUEError(err)
		}
		if mode != CompactLatest {
			return Declaration{}, &DeclarationError{Field: tag + ".compact", Message: fmt.Sprintf("unknown compaction %q", mode), Pos: cv.Pos()}
		}
		d.Compact = mode
	}
	if !contains(d.Required, d.PrimaryKey) {
		d.Required = append([]string{d.PrimaryKey}, d.Required...)
	}
	return d, nil
}

func stringList(v cue.Value, field string) ([]string, error) {
	lv := v.LookupPath(cue.ParsePath(field))
	if !lv.Exists() {
		return nil, nil
	}
	iter, err := lv.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// requirer is implemented by definitions that accept required fields.
type requirer interface {
	requireFields(fields []string)
}

// Bind applies declarations to the catalog. A declaration for a tag that is
// already defined in Go adds its required-field validation and reactivity;
// any other declaration registers a JSON document kind (see Document).
func (c *Catalog) Bind(decls []Declaration) error {
	for _, d := range decls {
		k, ok := c.kinds[d.Tag]
		if !ok {
			c.kinds[d.Tag] = Document(d)
		} else if r, ok := k.(requirer); ok {
			r.requireFields(d.Required)
		} else {
			return fmt.Errorf("catalog: tag %q cannot take declared fields", d.Tag)
		}
		if len(d.Invalidates) > 0 {
			c.invalidates[d.Tag] = mergeTables(c.invalidates[d.Tag], d.Invalidates)
		}
		if d.Compact == CompactLatest {
			c.reducers = append(c.reducers, latestReducer(d.Tag))
		}
	}
	return nil
}

// latestReducer rewrites a key's entries of tag as the newest one.
func latestReducer(tag string) Reducer {
	return Reducer{
		Name: "latest/" + tag,
		Tags: []string{tag},
		Reduce: func(_ context.Context, _ string, _ []journal.Entry, events []any, write WriteFunc) error {
			return write(tag, events[len(events)-1])
		},
	}
}

// Document returns a kind for declared JSON objects. Applying one stores
// the object under its primary key in the first invalidated table, or in a
// table named after the tag.
func Document(d Declaration) *Definition[map[string]any] {
	table := d.Tag
	if len(d.Invalidates) > 0 {
		table = d.Invalidates[0]
	}
	def := Define(d.Tag,
		func(doc map[string]any) string { return fmt.Sprint(doc[d.PrimaryKey]) },
		func(ctx context.Context, st State, doc map[string]any) (Outcome, error) {
			raw, err := json.Marshal(doc)
			if err != nil {
				return nil, err
			}
			if err := st.PutState(ctx, table, fmt.Sprint(doc[d.PrimaryKey]), raw); err != nil {
				return nil, err
			}
			return Applied{Tables: []string{table}}, nil
		})
	def.requireFields(d.Required)
	return def
}

// checkRequired reports a parse error naming any required top-level field
// missing from a JSON object payload.
func checkRequired(payload []byte, required []string) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return syncerr.Parse("payload is not a JSON object", err)
	}
	var missing []string
	for _, f := range required {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return syncerr.MissingFields(missing...)
	}
	return nil
}
