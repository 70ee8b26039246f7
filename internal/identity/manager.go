// Package identity manages the device's recovery phrase, the keypair derived
// from it, and the registry of known vault public keys.
//
// The phrase is the only secret persisted; the keypair is re-derived on Load.
// Registry records carry sync and storage statistics refreshed from the
// server through a StatsFetcher. Changes to the registry are published on a
// stream returned by PublicKeyStream.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/eventvault/internal/pubsub"
)

// Secret store keys.
const (
	mnemonicKey = "identity/mnemonic"
	registryKey = "identity/keys"
)

// ErrNoIdentity is returned by accessors before a phrase is created or
// imported, and after Clear.
var ErrNoIdentity = errors.New("identity: no identity loaded")

// RemoteStats is the server's authoritative view of one vault.
type RemoteStats struct {
	UsedStorageSize int64 `json:"usedStorageSize"`
	MaxStorageSize  int64 `json:"maxStorageSize"`
	Entries         int64 `json:"entries"`
}

// StatsFetcher fetches remote stats for a vault public key.
type StatsFetcher interface {
	FetchStats(ctx context.Context, publicKey string) (RemoteStats, error)
}

// KeyEvent describes a registry change.
type KeyEvent struct {
	Record  KeyRecord
	Removed bool
}

// Manager owns the identity and the public key registry.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	secrets SecretStore
	seedKey []byte
	fetcher StatsFetcher
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.RWMutex
	current  *Identity
	registry map[string]KeyRecord

	hub    *pubsub.Hub[KeyEvent]
	flight singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithSeedKey sets the key for the root of the derivation chain.
func WithSeedKey(key []byte) Option {
	return func(m *Manager) { m.seedKey = key }
}

// WithStatsFetcher sets the source of remote stats for SyncPublicKey.
func WithStatsFetcher(f StatsFetcher) Option {
	return func(m *Manager) { m.fetcher = f }
}

// WithClock overrides the wall clock used for registry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager over secrets. Call Load to restore a
// previously persisted identity.
func NewManager(secrets SecretStore, opts ...Option) *Manager {
	m := &Manager{
		secrets:  secrets,
		now:      time.Now,
		logger:   slog.Default(),
		registry: make(map[string]KeyRecord),
		hub:      pubsub.NewHub[KeyEvent](pubsub.DefaultBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores the persisted phrase and registry. It reports whether an
// identity was found.
func (m *Manager) Load(ctx context.Context) (bool, error) {
	raw, ok, err := m.secrets.GetSecret(ctx, registryKey)
	if err != nil {
		return false, fmt.Errorf("load key registry: %w", err)
	}
	if ok {
		var records map[string]KeyRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			return false, fmt.Errorf("decode key registry: %w", err)
		}
		m.mu.Lock()
		m.registry = records
		if m.registry == nil {
			m.registry = make(map[string]KeyRecord)
		}
		m.mu.Unlock()
	}

	phrase, ok, err := m.secrets.GetSecret(ctx, mnemonicKey)
	if err != nil {
		return false, fmt.Errorf("load mnemonic: %w", err)
	}
	if !ok {
		return false, nil
	}
	id, err := Derive(string(phrase), m.seedKey)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.current = &id
	m.mu.Unlock()
	return true, nil
}

// CreateMnemonic generates a new phrase, imports it, and returns it so the
// user can write it down.
func (m *Manager) CreateMnemonic(ctx context.Context) (string, error) {
	phrase, err := NewMnemonic()
	if err != nil {
		return "", err
	}
	if _, err := m.ImportFromMnemonic(ctx, phrase); err != nil {
		return "", err
	}
	return phrase, nil
}

// ImportFromMnemonic derives the identity for phrase, persists the phrase,
// and registers the identity's own public key as a synced vault key.
func (m *Manager) ImportFromMnemonic(ctx context.Context, phrase string) (Identity, error) {
	id, err := Derive(phrase, m.seedKey)
	if err != nil {
		return Identity{}, err
	}
	if err := m.secrets.PutSecret(ctx, mnemonicKey, []byte(NormalizeMnemonic(phrase))); err != nil {
		return Identity{}, fmt.Errorf("store mnemonic: %w", err)
	}

	m.mu.Lock()
	m.current = &id
	m.mu.Unlock()

	synced := true
	if _, err := m.UpsertPublicKey(ctx, id.PublicKeyHex(), KeyPatch{Synced: &synced}); err != nil {
		return Identity{}, err
	}
	m.logger.Info("identity imported", "publicKey", id.PublicKeyHex())
	return id, nil
}

// Identity returns the loaded identity.
func (m *Manager) Identity() (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Identity{}, ErrNoIdentity
	}
	return *m.current, nil
}

// PublicKey returns the loaded public key.
func (m *Manager) PublicKey() ([]byte, error) {
	id, err := m.Identity()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), id.PublicKey[:]...), nil
}

// PrivateKey returns the loaded private key.
func (m *Manager) PrivateKey() ([]byte, error) {
	id, err := m.Identity()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), id.PrivateKey[:]...), nil
}

// Clear wipes the persisted phrase and the in-memory keypair.
// Registry records are kept.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.secrets.DeleteSecret(ctx, mnemonicKey); err != nil {
		return fmt.Errorf("clear mnemonic: %w", err)
	}
	m.mu.Lock()
	if m.current != nil {
		clear(m.current.PrivateKey[:])
		m.current = nil
	}
	m.mu.Unlock()
	m.logger.Info("identity cleared")
	return nil
}

// PublicKeyStream subscribes to registry changes. Close the subscription to
// release it.
func (m *Manager) PublicKeyStream() *pubsub.Subscription[KeyEvent] {
	return m.hub.Subscribe()
}

// UpsertPublicKey merges patch onto the record for publicKey, creating it
// if absent, persists the registry, and publishes the result.
func (m *Manager) UpsertPublicKey(ctx context.Context, publicKey string, patch KeyPatch) (KeyRecord, error) {
	m.mu.Lock()
	prior, ok := m.registry[publicKey]
	var rec KeyRecord
	if ok {
		rec = prior.merge(patch, m.now())
	} else {
		rec = newKeyRecord(publicKey, patch, m.now())
	}
	m.registry[publicKey] = rec
	err := m.persistLocked(ctx)
	if err != nil {
		if ok {
			m.registry[publicKey] = prior
		} else {
			delete(m.registry, publicKey)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return KeyRecord{}, err
	}

	m.hub.Publish(KeyEvent{Record: rec})
	return rec, nil
}

// RemovePublicKey drops publicKey from the registry.
func (m *Manager) RemovePublicKey(ctx context.Context, publicKey string) error {
	m.mu.Lock()
	rec, ok := m.registry[publicKey]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.registry, publicKey)
	err := m.persistLocked(ctx)
	if err != nil {
		m.registry[publicKey] = rec
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.hub.Publish(KeyEvent{Record: rec, Removed: true})
	return nil
}

// Record returns the record for publicKey.
func (m *Manager) Record(publicKey string) (KeyRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.registry[publicKey]
	return rec, ok
}

// Keys returns all records ordered by public key.
func (m *Manager) Keys() []KeyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyRecord, 0, len(m.registry))
	for _, rec := range m.registry {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

// SyncedKeys returns the public keys flagged synced, ordered.
func (m *Manager) SyncedKeys() []string {
	var out []string
	for _, rec := range m.Keys() {
		if rec.Synced {
			out = append(out, rec.PublicKey)
		}
	}
	return out
}

// SyncPublicKey fetches remote stats for one key and records them.
func (m *Manager) SyncPublicKey(ctx context.Context, publicKey string) (KeyRecord, error) {
	if m.fetcher == nil {
		return KeyRecord{}, errors.New("identity: no stats fetcher configured")
	}
	stats, err := m.fetcher.FetchStats(ctx, publicKey)
	if err != nil {
		return KeyRecord{}, fmt.Errorf("sync public key %s: %w", publicKey, err)
	}

	prior, _ := m.Record(publicKey)
	now := m.now()
	count := prior.SyncCount + 1
	return m.UpsertPublicKey(ctx, publicKey, KeyPatch{
		LastSyncedAt:    &now,
		SyncCount:       &count,
		UsedStorageSize: &stats.UsedStorageSize,
		MaxStorageSize:  &stats.MaxStorageSize,
	})
}

// SyncPublicKeys refreshes every synced key. Concurrent callers share one
// in-flight refresh and observe its result.
func (m *Manager) SyncPublicKeys(ctx context.Context) error {
	_, err, shared := m.flight.Do("sync-public-keys", func() (any, error) {
		var errs []error
		for _, key := range m.SyncedKeys() {
			if _, err := m.SyncPublicKey(ctx, key); err != nil {
				m.logger.Warn("public key sync failed", "publicKey", key, "error", err)
				errs = append(errs, err)
			}
		}
		return nil, errors.Join(errs...)
	})
	if shared {
		m.logger.Debug("public key sync collapsed into in-flight call")
	}
	return err
}

// Close releases every PublicKeyStream subscription.
func (m *Manager) Close() {
	m.hub.Close()
}

// persistLocked writes the registry. Must be called with m.mu held.
func (m *Manager) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(m.registry)
	if err != nil {
		return fmt.Errorf("encode key registry: %w", err)
	}
	if err := m.secrets.PutSecret(ctx, registryKey, raw); err != nil {
		return fmt.Errorf("store key registry: %w", err)
	}
	return nil
}
