package persist

import (
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store, useful for tests and ephemeral caches
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (m *MemoryStore) GetItem(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.items[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryStore) SetItem(name string, value []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[name] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) RemoveItem(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, name)
	return nil
}

func (m *MemoryStore) Length() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}

func (m *MemoryStore) Key(index int) (string, bool, error) {
	names, err := m.Keys()
	if err != nil {
		return "", false, err
	}
	name, ok := keyAt(names, index)
	return name, ok, nil
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.items))
	for name := range m.items {
		names = append(names, name)
	}
	return sortedNames(names), nil
}

func (m *MemoryStore) Ping() error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetType() string { return string(StoreTypeMemory) }
