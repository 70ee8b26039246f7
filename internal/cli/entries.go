package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/eventvault/internal/journal"
)

// entryView is the printable form of a journal record.
type entryView struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Tag       string          `json:"tag"`
	Key       string          `json:"key"`
	Origin    string          `json:"origin,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

func viewOf(r journal.Record) entryView {
	payload := json.RawMessage(r.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(r.Payload))
	}
	return entryView{
		Seq:       r.Seq,
		ID:        r.ID.String(),
		Tag:       r.EventTag,
		Key:       r.PrimaryKey,
		Origin:    r.Origin,
		Payload:   payload,
		CreatedAt: r.CreatedAt,
	}
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "append <tag> <json-payload>",
		Short: "Append an event to the local journal",
		Long: `Append an event to the local journal and apply it to local state.

The tag must be declared in the definitions file. The payload is validated
against its declaration and its primary key is taken from the payload.

Example:
  eventvault append note-created '{"id":"n1","title":"groceries"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			payload, pk, err := s.catalog.Encode(args[0], []byte(args[1]))
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid event", err)
			}
			rec, err := s.journal.Append(ctx, args[0], pk, payload)
			if err != nil {
				return err
			}
			if _, err := s.catalog.Apply(ctx, s.journal, []journal.Entry{rec.Entry}); err != nil {
				return err
			}
			s.logger.Debug("event appended", "tag", rec.EventTag, "key", pk, "seq", rec.Seq)
			return s.out.Success(fmt.Sprintf("Appended %s %s (seq %d)", rec.EventTag, pk, rec.Seq), viewOf(rec))
		},
	}
}

// NewEntriesCommand creates the entries command.
func NewEntriesCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		since int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "entries",
		Short: "List journal entries in local order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.journal.EntriesSince(ctx, since, limit)
			if err != nil {
				return err
			}
			views := make([]entryView, len(records))
			var b strings.Builder
			for i, r := range records {
				views[i] = viewOf(r)
				origin := "local"
				if r.Origin != "" {
					origin = shortKey(r.Origin)
				}
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%6d  %-20s %-20s %-10s %s", r.Seq, r.EventTag, r.PrimaryKey, origin, views[i].Payload)
			}
			if len(records) == 0 {
				b.WriteString("No entries.")
			}
			return s.out.Success(b.String(), views)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only entries after this local seq")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")
	return cmd
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state <table> [key]",
		Short: "Print materialized state",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if len(args) == 2 {
				raw, ok, err := s.journal.GetState(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !ok {
					return NewExitError(ExitFailure, fmt.Sprintf("%s/%s not found", args[0], args[1]))
				}
				return s.out.Success(string(raw), json.RawMessage(raw))
			}

			values, keys, err := s.journal.ListState(ctx, args[0])
			if err != nil {
				return err
			}
			rows := make(map[string]json.RawMessage, len(values))
			var b strings.Builder
			for i, k := range keys {
				rows[k] = json.RawMessage(values[k])
				if i > 0 {
					b.WriteByte('\n')
				}
				fmt.Fprintf(&b, "%-20s %s", k, values[k])
			}
			if len(keys) == 0 {
				fmt.Fprintf(&b, "%s is empty.", args[0])
			}
			return s.out.Success(b.String(), rows)
		},
	}
}

func shortKey(k string) string {
	if len(k) > 8 {
		return k[:8]
	}
	return k
}

// compactView is the printable result of a compaction run.
type compactView struct {
	Keys       int `json:"keys"`
	Superseded int `json:"superseded"`
	Written    int `json:"written"`
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Fold superseded journal entries",
		Long: `Run the compaction reducers over every primary key with more than one
live entry. Declarations with compact: "latest" keep only their newest entry.

"eventvault sync" without --once also compacts on the compaction.interval
schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.catalog.Compact(ctx, s.journal)
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("Compacted %d keys: %d entries folded into %d", st.Keys, st.Superseded, st.Written)
			if st.Superseded == 0 {
				msg = "Nothing to compact."
			}
			return s.out.Success(msg, compactView{Keys: st.Keys, Superseded: st.Superseded, Written: st.Written})
		},
	}
}
