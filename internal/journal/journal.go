package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/eventvault/internal/pubsub"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on entries(origin, seq) for push queries
const currentSchemaVersion = 1

// DefaultBatchBytes bounds the payload bytes written per transaction.
const DefaultBatchBytes = 256 * 1024

// readerConns is the size of the read pool.
const readerConns = 4

// IDGenerator mints entry ids.
type IDGenerator interface {
	NewID() uuid.UUID
}

// UUIDv7Generator mints time-ordered UUIDv7 ids.
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID returns a new UUIDv7. Panics if the system random source fails.
func (UUIDv7Generator) NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Journal is the local append-only event store.
//
// Writes go through a single-connection pool guarded by writeMu; reads use
// a separate pool so readers never wait on the writer (WAL mode).
type Journal struct {
	writer *sql.DB
	reader *sql.DB

	writeMu    sync.Mutex
	hub        *pubsub.Hub[Record]
	ids        IDGenerator
	now        func() time.Time
	batchBytes int
	maxVars    int
	logger     *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithBatchBytes sets the byte budget per write batch.
func WithBatchBytes(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.batchBytes = n
		}
	}
}

// WithMaxVariables sets the bound on bound parameters per statement.
func WithMaxVariables(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxVars = n
		}
	}
}

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(j *Journal) { j.ids = g }
}

// WithClock overrides the wall clock used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// Open creates or opens a journal at path, applying pragmas and migrations.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Safe to call repeatedly on the same path.
func Open(path string, opts ...Option) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on", path)

	writer, err := sql.Open("sqlite3", dsn+"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("connect journal: %w", err)
	}
	// SQLite supports one writer at a time.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := applySchema(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open journal reader: %w", err)
	}
	reader.SetMaxOpenConns(readerConns)

	j := &Journal{
		writer:     writer,
		reader:     reader,
		hub:        pubsub.NewHub[Record](256),
		ids:        UUIDv7Generator{},
		now:        time.Now,
		batchBytes: DefaultBatchBytes,
		maxVars:    sqliteMaxVariables,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Close closes live Changes streams and both connection pools.
func (j *Journal) Close() error {
	j.hub.Close()
	rerr := j.reader.Close()
	if err := j.writer.Close(); err != nil {
		return err
	}
	return rerr
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_origin ON entries(origin, seq)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// pragma returns the value of a pragma on the writer connection.
func (j *Journal) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := j.writer.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}
	return value, nil
}
