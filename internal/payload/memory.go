package payload

import (
	"fmt"
	"sync"

	"github.com/tachyon-beep/elspeth-sub004/pkg/canonical"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Store implements Store.Store.
func (m *MemoryStore) Store(data []byte) (string, error) {
	hash := canonical.HashBytes(data)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.blobs[hash]; !exists {
		m.blobs[hash] = append([]byte(nil), data...)
	}

	return hash, nil
}

// Retrieve implements Store.Retrieve.
func (m *MemoryStore) Retrieve(hash string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[hash]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	actual := canonical.HashBytes(data)
	if actual != hash {
		return nil, &IntegrityError{Hash: hash, Actual: actual}
	}

	return append([]byte(nil), data...), nil
}

// Exists implements Store.Exists.
func (m *MemoryStore) Exists(hash string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.blobs[hash]

	return ok
}

// Delete implements Store.Delete.
func (m *MemoryStore) Delete(hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.blobs[hash]
	delete(m.blobs, hash)

	return ok, nil
}

// Corrupt overwrites the stored bytes for hash without updating the key.
// Test hook for integrity-failure paths.
func (m *MemoryStore) Corrupt(hash string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[hash] = append([]byte(nil), data...)
}
