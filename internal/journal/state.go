package journal

import (
	"context"
	"database/sql"
	"errors"

	"github.com/roach88/eventvault/internal/syncerr"
)

// GetState returns the materialized value for (table, key).
func (j *Journal) GetState(ctx context.Context, table, key string) ([]byte, bool, error) {
	var v []byte
	err := j.reader.QueryRowContext(ctx, `SELECT value FROM state WHERE tbl = ? AND key = ?`, table, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncerr.Storage("journal get state", err)
	}
	return v, true, nil
}

// PutState upserts the materialized value for (table, key).
func (j *Journal) PutState(ctx context.Context, table, key string, value []byte) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	_, err := j.writer.ExecContext(ctx, `
		INSERT INTO state (tbl, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, table, key, value, j.now().UTC().UnixMilli())
	if err != nil {
		return syncerr.Storage("journal put state", err)
	}
	return nil
}

// DeleteState removes (table, key).
func (j *Journal) DeleteState(ctx context.Context, table, key string) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if _, err := j.writer.ExecContext(ctx, `DELETE FROM state WHERE tbl = ? AND key = ?`, table, key); err != nil {
		return syncerr.Storage("journal delete state", err)
	}
	return nil
}

// ListState returns every key and value in table, ordered by key.
func (j *Journal) ListState(ctx context.Context, table string) (map[string][]byte, []string, error) {
	rows, err := j.reader.QueryContext(ctx, `
		SELECT key, value FROM state WHERE tbl = ? ORDER BY key COLLATE BINARY ASC
	`, table)
	if err != nil {
		return nil, nil, syncerr.Storage("journal list state", err)
	}
	defer rows.Close()

	values := make(map[string][]byte)
	var keys []string
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, nil, syncerr.Storage("journal list state", err)
		}
		values[k] = v
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, syncerr.Storage("journal list state", err)
	}
	return values, keys, nil
}

// GetSecret, PutSecret and DeleteSecret back the identity secret store with
// the kv table.

func (j *Journal) GetSecret(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := j.reader.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncerr.Storage("journal get secret", err)
	}
	return v, true, nil
}

func (j *Journal) PutSecret(ctx context.Context, key string, value []byte) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	_, err := j.writer.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return syncerr.Storage("journal put secret", err)
	}
	return nil
}

func (j *Journal) DeleteSecret(ctx context.Context, key string) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	if _, err := j.writer.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return syncerr.Storage("journal delete secret", err)
	}
	return nil
}
