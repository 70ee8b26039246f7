package backend

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/eventvault/internal/syncerr"
	"github.com/roach88/eventvault/internal/wire"
)

// Append stores entries for the tenant in one transaction, assigning each
// new entry the next sequence number. Entries whose id the tenant already
// holds are skipped without consuming a sequence, so the log stays
// gap-free. It returns the newly stored entries, in order, and the new
// head.
//
// Append does not serialize callers: two concurrent appends to one tenant
// are a caller bug, and the (tenant_id, seq) key turns that into an error
// instead of a reordering.
func (s *Store) Append(ctx context.Context, tenantID string, entries []wire.EncryptedEntry) ([]wire.EncryptedEntry, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, syncerr.Storage("append entries", err)
	}
	defer tx.Rollback()

	var head, used int64
	err = tx.QueryRowContext(ctx, `SELECT head_seq, used_bytes FROM vaults WHERE tenant_id = ?`, tenantID).Scan(&head, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, syncerr.Storage("append entries", err)
	}

	now := s.stamp()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (tenant_id, seq, entry_id, iv, encrypted_entry, encrypted_dek, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entry_id) DO NOTHING
	`)
	if err != nil {
		return nil, 0, syncerr.Storage("append entries", err)
	}
	defer stmt.Close()

	var stored []wire.EncryptedEntry
	for _, e := range entries {
		size := e.Size()
		res, err := stmt.ExecContext(ctx, tenantID, head+1, e.EntryID, e.IV[:], e.EncryptedEntry, e.EncryptedDEK, size, now)
		if err != nil {
			return nil, 0, syncerr.Storage("append entries", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, 0, syncerr.Storage("append entries", err)
		}
		if n == 0 {
			continue
		}
		head++
		used += size
		e.Sequence = head
		stored = append(stored, e)
	}

	if len(stored) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE vaults SET head_seq = ?, used_bytes = ?, updated_at = ? WHERE tenant_id = ?
		`, head, used, now, tenantID); err != nil {
			return nil, 0, syncerr.Storage("append entries", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, syncerr.Storage("append entries", err)
	}
	return stored, head, nil
}

// EntriesSince returns up to limit entries with a sequence greater than
// since, in sequence order. limit <= 0 means no limit.
func (s *Store) EntriesSince(ctx context.Context, tenantID string, since int64, limit int) ([]wire.EncryptedEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, entry_id, iv, encrypted_entry, encrypted_dek
		FROM entries WHERE tenant_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?
	`, tenantID, since, limit)
	if err != nil {
		return nil, syncerr.Storage("read entries", err)
	}
	defer rows.Close()

	var out []wire.EncryptedEntry
	for rows.Next() {
		var (
			e  wire.EncryptedEntry
			iv []byte
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &iv, &e.EncryptedEntry, &e.EncryptedDEK); err != nil {
			return nil, syncerr.Storage("read entries", err)
		}
		copy(e.IV[:], iv)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("read entries", err)
	}
	return out, nil
}

// Stats returns the tenant's log statistics.
func (s *Store) Stats(ctx context.Context, tenantID string) (Stats, error) {
	v, err := s.GetVault(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Head: v.Head, UsedBytes: v.UsedBytes}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE tenant_id = ?`, tenantID).Scan(&st.Entries); err != nil {
		return Stats{}, syncerr.Storage("vault stats", err)
	}
	if st.Devices, err = s.CountDevices(ctx, tenantID); err != nil {
		return Stats{}, err
	}
	return st, nil
}
