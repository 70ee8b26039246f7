package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/eventvault/internal/syncerr"
)

const recordColumns = `seq, id, event_tag, primary_key, payload, origin, remote_seq, created_at`

// DefaultPageSize bounds reads that take a limit of zero.
const DefaultPageSize = 500

// Stats summarizes local storage usage.
type Stats struct {
	Entries      int64 `json:"entries"`
	PayloadBytes int64 `json:"payloadBytes"`
	Compacted    int64 `json:"compacted"`
	FileBytes    int64 `json:"fileBytes"`
	LastSeq      int64 `json:"lastSeq"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r         Record
		rawID     []byte
		createdAt int64
	)
	if err := s.Scan(&r.Seq, &rawID, &r.EventTag, &r.PrimaryKey, &r.Payload, &r.Origin, &r.RemoteSeq, &createdAt); err != nil {
		return Record{}, syncerr.Storage("journal scan", err)
	}
	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return Record{}, syncerr.Storage("journal scan id", err)
	}
	r.ID = id
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, nil
}

func (j *Journal) queryRecords(ctx context.Context, op, query string, args ...any) ([]Record, error) {
	rows, err := j.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Storage(op, err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage(op, err)
	}
	return out, nil
}

// EntriesSince returns up to limit rows with seq > since, ordered by seq.
// A limit of zero means DefaultPageSize.
func (j *Journal) EntriesSince(ctx context.Context, since int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return j.queryRecords(ctx, "journal entries since", `
		SELECT `+recordColumns+`
		FROM entries
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, since, limit)
}

// Get returns the entry with id. Returns sql.ErrNoRows if absent.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	row := j.reader.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM entries WHERE id = ?`, id[:])
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, sql.ErrNoRows
		}
		return Record{}, err
	}
	return r, nil
}

// EntriesForKey returns the live (not superseded) history of primaryKey
// ordered by id.
func (j *Journal) EntriesForKey(ctx context.Context, primaryKey string) ([]Record, error) {
	return j.queryRecords(ctx, "journal entries for key", `
		SELECT `+recordColumns+`
		FROM entries
		WHERE primary_key = ?
		  AND id NOT IN (SELECT entry_id FROM compactions)
		ORDER BY id ASC
	`, primaryKey)
}

// Keys returns the primary keys having at least minEntries live entries,
// in lexical order.
func (j *Journal) Keys(ctx context.Context, minEntries int) ([]string, error) {
	rows, err := j.reader.QueryContext(ctx, `
		SELECT primary_key
		FROM entries
		WHERE id NOT IN (SELECT entry_id FROM compactions)
		GROUP BY primary_key
		HAVING COUNT(*) >= ?
		ORDER BY primary_key COLLATE BINARY ASC
	`, minEntries)
	if err != nil {
		return nil, syncerr.Storage("journal keys", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, syncerr.Storage("journal keys", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("journal keys", err)
	}
	return out, nil
}

// PendingFor returns up to limit rows not yet pushed to vault, ordered by
// seq. Rows imported from vault itself are never pending for it.
func (j *Journal) PendingFor(ctx context.Context, vault string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	state, err := j.SyncState(ctx, vault)
	if err != nil {
		return nil, err
	}
	return j.queryRecords(ctx, "journal pending", `
		SELECT `+recordColumns+`
		FROM entries
		WHERE seq > ? AND origin <> ?
		ORDER BY seq ASC
		LIMIT ?
	`, state.PushedSeq, vault, limit)
}

// CountPending returns how many rows PendingFor would eventually yield.
func (j *Journal) CountPending(ctx context.Context, vault string) (int64, error) {
	state, err := j.SyncState(ctx, vault)
	if err != nil {
		return 0, err
	}
	var n int64
	err = j.reader.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entries WHERE seq > ? AND origin <> ?
	`, state.PushedSeq, vault).Scan(&n)
	if err != nil {
		return 0, syncerr.Storage("journal count pending", err)
	}
	return n, nil
}

// StorageStats reports local storage usage.
func (j *Journal) StorageStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := j.reader.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), COALESCE(MAX(seq), 0)
		FROM entries
	`).Scan(&s.Entries, &s.PayloadBytes, &s.LastSeq)
	if err != nil {
		return Stats{}, syncerr.Storage("journal stats", err)
	}
	if err := j.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM compactions`).Scan(&s.Compacted); err != nil {
		return Stats{}, syncerr.Storage("journal stats", err)
	}

	var pages, pageSize int64
	if err := j.reader.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pages); err != nil {
		return Stats{}, syncerr.Storage("journal stats", err)
	}
	if err := j.reader.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return Stats{}, syncerr.Storage("journal stats", err)
	}
	s.FileBytes = pages * pageSize
	return s, nil
}
