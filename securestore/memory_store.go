package securestore

import "sync"

// MemoryStore is an in-memory Store for tests and ephemeral processes.
// Values are copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

func (ms *MemoryStore) Read(name string) ([]byte, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	value, ok := ms.values[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (ms *MemoryStore) Write(name string, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.values[name] = append([]byte(nil), value...)
	return nil
}

func (ms *MemoryStore) Delete(name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	delete(ms.values, name)
	return nil
}
