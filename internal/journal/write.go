package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/eventvault/internal/syncerr"
)

type pendingRow struct {
	Entry
	origin    string
	remoteSeq int64
}

func (p pendingRow) size() int { return p.Entry.size() }

// NewEntry builds an entry with a fresh id.
func (j *Journal) NewEntry(tag, primaryKey string, payload []byte) Entry {
	return Entry{
		ID:         j.ids.NewID(),
		EventTag:   tag,
		PrimaryKey: primaryKey,
		Payload:    payload,
	}
}

// Append writes one new local entry.
func (j *Journal) Append(ctx context.Context, tag, primaryKey string, payload []byte) (Record, error) {
	recs, err := j.AppendEntries(ctx, []Entry{j.NewEntry(tag, primaryKey, payload)})
	if err != nil {
		return Record{}, err
	}
	return recs[0], nil
}

// AppendEntries writes local entries and returns the rows actually inserted,
// ordered by seq. Entries whose id already exists are skipped.
func (j *Journal) AppendEntries(ctx context.Context, entries []Entry) ([]Record, error) {
	rows := make([]pendingRow, len(entries))
	for i, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		rows[i] = pendingRow{Entry: e}
	}
	return j.write(ctx, rows, nil)
}

// ImportRemote writes entries received from vault. Already-known ids are
// skipped; the returned rows are the newly inserted ones.
func (j *Journal) ImportRemote(ctx context.Context, vault string, entries []RemoteEntry) ([]Record, error) {
	rows := make([]pendingRow, len(entries))
	for i, e := range entries {
		if err := validateEntry(e.Entry); err != nil {
			return nil, err
		}
		rows[i] = pendingRow{Entry: e.Entry, origin: vault, remoteSeq: e.RemoteSeq}
	}
	return j.write(ctx, rows, nil)
}

func validateEntry(e Entry) error {
	var missing []string
	if e.ID == uuid.Nil {
		missing = append(missing, "id")
	}
	if e.EventTag == "" {
		missing = append(missing, "eventTag")
	}
	if len(missing) > 0 {
		return syncerr.MissingFields(missing...)
	}
	return nil
}

// write inserts rows in bounded batches, running before in the first
// batch's transaction when set, and publishes inserted rows after each
// commit.
func (j *Journal) write(ctx context.Context, rows []pendingRow, before func(*sql.Tx) error) ([]Record, error) {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	maxRows := RowsPerBatch(entryColumns, j.maxVars)
	batches := splitBatches(rows, pendingRow.size, maxRows, j.batchBytes)
	if len(batches) == 0 && before != nil {
		batches = [][]pendingRow{nil}
	}

	var out []Record
	for i, batch := range batches {
		var hook func(*sql.Tx) error
		if i == 0 {
			hook = before
		}
		inserted, err := j.writeBatch(ctx, batch, hook)
		if err != nil {
			return out, err
		}
		for _, r := range inserted {
			j.hub.Publish(r)
		}
		out = append(out, inserted...)
	}
	j.logger.Debug("journal write", "rows", len(rows), "inserted", len(out), "batches", len(batches))
	return out, nil
}

func (j *Journal) writeBatch(ctx context.Context, batch []pendingRow, before func(*sql.Tx) error) ([]Record, error) {
	tx, err := j.writer.BeginTx(ctx, nil)
	if err != nil {
		return nil, syncerr.Storage("journal begin", err)
	}
	defer tx.Rollback() // No-op if committed

	if before != nil {
		if err := before(tx); err != nil {
			return nil, err
		}
	}

	var inserted []Record
	if len(batch) > 0 {
		inserted, err = j.insertRows(ctx, tx, batch)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, syncerr.Storage("journal commit", err)
	}
	return inserted, nil
}

func (j *Journal) insertRows(ctx context.Context, tx *sql.Tx, batch []pendingRow) ([]Record, error) {
	now := j.now().UTC()
	createdAt := now.UnixMilli()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO entries (id, event_tag, primary_key, payload, origin, remote_seq, created_at) VALUES `)
	args := make([]any, 0, len(batch)*entryColumns)
	for i, r := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?)")
		payload := r.Payload
		if payload == nil {
			payload = []byte{}
		}
		args = append(args, r.ID[:], r.EventTag, r.PrimaryKey, payload, r.origin, r.remoteSeq, createdAt)
	}
	sb.WriteString(` ON CONFLICT(id) DO NOTHING RETURNING seq, id`)

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, syncerr.Storage("journal insert", err)
	}
	defer rows.Close()

	seqByID := make(map[uuid.UUID]int64, len(batch))
	for rows.Next() {
		var (
			seq int64
			raw []byte
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			return nil, syncerr.Storage("journal insert scan", err)
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, syncerr.Storage("journal insert id", err)
		}
		seqByID[id] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("journal insert", err)
	}

	out := make([]Record, 0, len(seqByID))
	for _, r := range batch {
		seq, ok := seqByID[r.ID]
		if !ok {
			continue
		}
		delete(seqByID, r.ID)
		out = append(out, Record{
			Entry:     r.Entry,
			Seq:       seq,
			Origin:    r.origin,
			RemoteSeq: r.remoteSeq,
			CreatedAt: time.UnixMilli(createdAt).UTC(),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

// Supersede records ids as compacted for primaryKey and appends their
// replacements in one transaction. Superseded rows stay in the log but are
// excluded from EntriesForKey and Keys.
func (j *Journal) Supersede(ctx context.Context, primaryKey string, ids []uuid.UUID, replacements []Entry) ([]Record, error) {
	rows := make([]pendingRow, len(replacements))
	for i, e := range replacements {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		rows[i] = pendingRow{Entry: e}
	}

	mark := func(tx *sql.Tx) error {
		now := j.now().UTC().UnixMilli()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO compactions (entry_id, primary_key, compacted_at)
				VALUES (?, ?, ?)
				ON CONFLICT(entry_id) DO NOTHING
			`, id[:], primaryKey, now); err != nil {
				return syncerr.Storage("journal supersede", err)
			}
		}
		return nil
	}

	recs, err := j.write(ctx, rows, mark)
	if err != nil {
		return nil, fmt.Errorf("supersede %s: %w", primaryKey, err)
	}
	return recs, nil
}
