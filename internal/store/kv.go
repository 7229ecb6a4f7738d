package store

import (
	"context"
	"maps"
	"sync"
)

// KV is the durable client storage: string values under string keys,
// surviving application restarts.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
	// Replace deletes del and writes put in one atomic step.
	Replace(ctx context.Context, put map[string]string, del ...string) error
}

type memoryKV struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewMemoryKV returns a KV that lives as long as the process does.
func NewMemoryKV() KV {
	return &memoryKV{values: make(map[string]string)}
}

func (m *memoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryKV) Put(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.values, entries)
	return nil
}

func (m *memoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

func (m *memoryKV) Replace(_ context.Context, put map[string]string, del ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range del {
		delete(m.values, k)
	}
	maps.Copy(m.values, put)
	return nil
}
