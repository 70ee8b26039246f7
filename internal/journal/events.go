package journal

import (
	"context"
	"time"

	"github.com/roach88/eventvault/internal/syncerr"
)

// SyncEventKind classifies a recorded sync outcome.
type SyncEventKind string

const (
	SyncSuccess SyncEventKind = "sync_success"
	SyncFailure SyncEventKind = "sync_failure"
)

// SyncEvent is one recorded sync outcome.
type SyncEvent struct {
	ID         int64         `json:"id"`
	Vault      string        `json:"vault"`
	Kind       SyncEventKind `json:"kind"`
	Detail     string        `json:"detail,omitempty"`
	OccurredAt time.Time     `json:"occurredAt"`
}

// RecordSyncEvent appends a sync outcome.
func (j *Journal) RecordSyncEvent(ctx context.Context, vault string, kind SyncEventKind, detail string) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	_, err := j.writer.ExecContext(ctx, `
		INSERT INTO sync_events (vault, kind, detail, occurred_at) VALUES (?, ?, ?, ?)
	`, vault, string(kind), detail, j.now().UTC().UnixMilli())
	if err != nil {
		return syncerr.Storage("journal record sync event", err)
	}
	return nil
}

// SyncEvents returns the most recent limit events, newest first.
func (j *Journal) SyncEvents(ctx context.Context, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	rows, err := j.reader.QueryContext(ctx, `
		SELECT id, vault, kind, detail, occurred_at
		FROM sync_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, syncerr.Storage("journal sync events", err)
	}
	defer rows.Close()

	out := []SyncEvent{}
	for rows.Next() {
		var (
			e    SyncEvent
			kind string
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.Vault, &kind, &e.Detail, &at); err != nil {
			return nil, syncerr.Storage("journal sync events", err)
		}
		e.Kind = SyncEventKind(kind)
		e.OccurredAt = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("journal sync events", err)
	}
	return out, nil
}
