package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/eventvault/internal/syncerr"
)

// SyncState is this device's replication position against one vault.
type SyncState struct {
	Vault     string    `json:"vault"`
	RemoteID  string    `json:"remoteId"`
	Cursor    int64     `json:"cursor"`
	PushedSeq int64     `json:"pushedSeq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SyncState returns the state for vault; a vault never synced has the zero
// state.
func (j *Journal) SyncState(ctx context.Context, vault string) (SyncState, error) {
	s := SyncState{Vault: vault}
	var updated int64
	err := j.reader.QueryRowContext(ctx, `
		SELECT remote_id, cursor, pushed_seq, updated_at FROM sync_state WHERE vault = ?
	`, vault).Scan(&s.RemoteID, &s.Cursor, &s.PushedSeq, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	if err != nil {
		return SyncState{}, syncerr.Storage("journal sync state", err)
	}
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}

// AdvanceCursor records that remote entries up to cursor have been applied.
// The cursor never moves backwards.
func (j *Journal) AdvanceCursor(ctx context.Context, vault string, cursor int64) error {
	return j.execState(ctx, "journal advance cursor", `
		INSERT INTO sync_state (vault, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(vault) DO UPDATE SET
			cursor = MAX(cursor, excluded.cursor),
			updated_at = excluded.updated_at
	`, vault, cursor)
}

// MarkPushed records that local rows up to seq were acknowledged by vault.
// Never moves backwards.
func (j *Journal) MarkPushed(ctx context.Context, vault string, seq int64) error {
	return j.execState(ctx, "journal mark pushed", `
		INSERT INTO sync_state (vault, pushed_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(vault) DO UPDATE SET
			pushed_seq = MAX(pushed_seq, excluded.pushed_seq),
			updated_at = excluded.updated_at
	`, vault, seq)
}

// BindRemote associates vault with the server log remoteID. If a different
// log was bound before, the server log was reset: the cursor and push mark
// restart from zero so everything is exchanged again. Reports whether a
// reset happened.
func (j *Journal) BindRemote(ctx context.Context, vault, remoteID string) (bool, error) {
	current, err := j.SyncState(ctx, vault)
	if err != nil {
		return false, err
	}
	if current.RemoteID == remoteID {
		return false, nil
	}
	reset := current.RemoteID != ""
	err = j.execState(ctx, "journal bind remote", `
		INSERT INTO sync_state (vault, remote_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(vault) DO UPDATE SET
			remote_id = excluded.remote_id,
			cursor = 0,
			pushed_seq = 0,
			updated_at = excluded.updated_at
	`, vault, remoteID)
	if err != nil {
		return false, err
	}
	if reset {
		j.logger.Warn("remote log reset", "vault", vault, "from", current.RemoteID, "to", remoteID)
	}
	return reset, nil
}

// execState runs a sync_state upsert whose last parameter is updated_at.
func (j *Journal) execState(ctx context.Context, op, query string, args ...any) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	args = append(args, j.now().UTC().UnixMilli())
	if _, err := j.writer.ExecContext(ctx, query, args...); err != nil {
		return syncerr.Storage(op, err)
	}
	return nil
}
