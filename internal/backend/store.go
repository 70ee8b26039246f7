// Package backend is the durable server-side storage for vaults.
//
// A vault (tenant) owns one log of encrypted entries. The store never looks
// inside an entry; it keeps the tenant's sequence head and byte usage in the
// vault row so quota checks cost one read.
//
// All failures are *syncerr.Error values of KindStorage, except ErrNotFound.
// Writes are idempotent: appending an entry id that the tenant already holds
// is a silent no-op, so callers may retry.
package backend

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/roach88/eventvault/internal/syncerr"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned for operations on a vault that does not exist.
var ErrNotFound = errors.New("vault not found")

// Limits are a vault's tier limits.
type Limits struct {
	MaxDevices      int   `yaml:"max_devices" json:"maxDevices"`
	MaxVaults       int   `yaml:"max_vaults" json:"maxVaults"`
	MaxStorageBytes int64 `yaml:"max_storage_bytes" json:"maxStorageBytes"`
}

// VaultRecord is one tenant.
type VaultRecord struct {
	TenantID  string    `json:"tenantId"`
	Namespace string    `json:"namespace"`
	UserID    string    `json:"userId"`
	PublicKey string    `json:"publicKey"`
	RemoteID  string    `json:"remoteId"`
	Note      string    `json:"note"`
	Limits    Limits    `json:"limits"`
	Head      int64     `json:"head"`
	UsedBytes int64     `json:"usedBytes"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stats summarizes a vault's log.
type Stats struct {
	Entries   int64 `json:"entries"`
	Head      int64 `json:"head"`
	UsedBytes int64 `json:"usedBytes"`
	Devices   int   `json:"devices"`
}

// Store is a SQLite-backed vault store.
//
// Thread-safety: safe for concurrent use. Sequence assignment for a tenant
// must still come from a single caller (the tenant actor).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens or creates the store at path.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("backend path is required")
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize backend schema: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMilli()
}

// CreateVault inserts v if no vault with its tenant id exists and returns
// the stored record. created is false when the vault already existed; the
// existing record is returned unchanged.
func (s *Store) CreateVault(ctx context.Context, v VaultRecord) (rec VaultRecord, created bool, err error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vaults (tenant_id, namespace, user_id, public_key, remote_id, note,
			max_devices, max_vaults, max_storage_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO NOTHING
	`, v.TenantID, v.Namespace, v.UserID, v.PublicKey, v.RemoteID, v.Note,
		v.Limits.MaxDevices, v.Limits.MaxVaults, v.Limits.MaxStorageBytes, now, now)
	if err != nil {
		return VaultRecord{}, false, syncerr.Storage("create vault", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return VaultRecord{}, false, syncerr.Storage("create vault", err)
	}
	rec, err = s.GetVault(ctx, v.TenantID)
	return rec, n == 1, err
}

const vaultColumns = `tenant_id, namespace, user_id, public_key, remote_id, note,
	max_devices, max_vaults, max_storage_bytes, head_seq, used_bytes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanVault(row scanner) (VaultRecord, error) {
	var (
		v                VaultRecord
		created, updated int64
	)
	err := row.Scan(&v.TenantID, &v.Namespace, &v.UserID, &v.PublicKey, &v.RemoteID, &v.Note,
		&v.Limits.MaxDevices, &v.Limits.MaxVaults, &v.Limits.MaxStorageBytes,
		&v.Head, &v.UsedBytes, &created, &updated)
	if err != nil {
		return VaultRecord{}, err
	}
	v.CreatedAt = time.UnixMilli(created).UTC()
	v.UpdatedAt = time.UnixMilli(updated).UTC()
	return v, nil
}

// GetVault returns the vault with tenantID.
func (s *Store) GetVault(ctx context.Context, tenantID string) (VaultRecord, error) {
	v, err := scanVault(s.db.QueryRowContext(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE tenant_id = ?`, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return VaultRecord{}, ErrNotFound
	}
	if err != nil {
		return VaultRecord{}, syncerr.Storage("get vault", err)
	}
	return v, nil
}

// FindVaults lists every user's vault for publicKey in namespace, oldest
// first.
func (s *Store) FindVaults(ctx context.Context, namespace, publicKey string) ([]VaultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+vaultColumns+` FROM vaults
		WHERE namespace = ? AND public_key = ?
		ORDER BY created_at ASC, tenant_id ASC
	`, namespace, publicKey)
	if err != nil {
		return nil, syncerr.Storage("find vaults", err)
	}
	defer rows.Close()
	var out []VaultRecord
	for rows.Next() {
		v, err := scanVault(rows)
		if err != nil {
			return nil, syncerr.Storage("find vaults", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("find vaults", err)
	}
	return out, nil
}

// UpdateNote sets the vault's note.
func (s *Store) UpdateNote(ctx context.Context, tenantID, note string) (VaultRecord, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE vaults SET note = ?, updated_at = ? WHERE tenant_id = ?`,
		note, s.stamp(), tenantID)
	if err != nil {
		return VaultRecord{}, syncerr.Storage("update vault note", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return VaultRecord{}, ErrNotFound
	}
	return s.GetVault(ctx, tenantID)
}

// DestroyVault removes the vault with its devices and entries.
func (s *Store) DestroyVault(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Storage("destroy vault", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM vaults WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return syncerr.Storage("destroy vault", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM devices WHERE tenant_id = ?`,
		`DELETE FROM entries WHERE tenant_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, tenantID); err != nil {
			return syncerr.Storage("destroy vault", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return syncerr.Storage("destroy vault", err)
	}
	return nil
}

// CountVaults returns how many vaults userID owns.
func (s *Store) CountVaults(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vaults WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, syncerr.Storage("count vaults", err)
	}
	return n, nil
}

// HasDevice reports whether deviceID is registered with the tenant.
func (s *Store) HasDevice(ctx context.Context, tenantID, deviceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE tenant_id = ? AND device_id = ?`,
		tenantID, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, syncerr.Storage("lookup device", err)
	}
	return true, nil
}

// CountDevices returns how many devices are registered with the tenant.
func (s *Store) CountDevices(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE tenant_id = ?`, tenantID).Scan(&n); err != nil {
		return 0, syncerr.Storage("count devices", err)
	}
	return n, nil
}

// TouchDevice registers deviceID with the tenant, or refreshes its
// last-seen time when already registered.
func (s *Store) TouchDevice(ctx context.Context, tenantID, deviceID string) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (tenant_id, device_id, first_seen, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, device_id) DO UPDATE SET last_seen = excluded.last_seen
	`, tenantID, deviceID, now, now)
	if err != nil {
		return syncerr.Storage("register device", err)
	}
	return nil
}

// Devices lists the tenant's device ids in registration order.
func (s *Store) Devices(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id FROM devices WHERE tenant_id = ? ORDER BY first_seen ASC, device_id ASC
	`, tenantID)
	if err != nil {
		return nil, syncerr.Storage("list devices", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.Storage("list devices", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("list devices", err)
	}
	return out, nil
}
