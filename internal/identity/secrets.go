package identity

import (
	"context"
	"sync"
)

// SecretStore is persistent key-value storage for secrets.
// The journal's kv table implements it on device; MemorySecrets serves tests.
type SecretStore interface {
	// GetSecret returns the value for key and whether it exists.
	GetSecret(ctx context.Context, key string) ([]byte, bool, error)
	PutSecret(ctx context.Context, key string, value []byte) error
	DeleteSecret(ctx context.Context, key string) error
}

// MemorySecrets is an in-memory SecretStore.
type MemorySecrets struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemorySecrets creates an empty store.
func NewMemorySecrets() *MemorySecrets {
	return &MemorySecrets{values: make(map[string][]byte)}
}

func (m *MemorySecrets) GetSecret(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemorySecrets) PutSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemorySecrets) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
