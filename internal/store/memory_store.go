package store

import (
	"sync"
	"time"
)

// memoryStore is the short-lived storage backing the registry. Entries
// expire after ttl, the number of entries is bounded by maxSize (oldest
// evicted first) and reads are destructive.
type memoryStore struct {
	maxSize       int
	ttl           time.Duration
	entries       map[string]*memoryEntry
	evictionQueue []string
	mu            sync.Mutex

	nowFunc func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func newMemoryStore(ttl time.Duration, maxSize int) *memoryStore {
	return &memoryStore{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		nowFunc: time.Now,
	}
}

// put stores all entries in one step, unless any of the keys is still
// live, in which case nothing is written and false is returned.
func (m *memoryStore) put(entries map[string]string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.collectGarbage()

	for key := range entries {
		if _, ok := m.entries[key]; ok {
			return false
		}
	}

	// Enforce maximum size.
	for len(m.entries)+len(entries) > m.maxSize && len(m.evictionQueue) > 0 {
		oldest := m.evictionQueue[0]
		m.evictionQueue = m.evictionQueue[1:]
		delete(m.entries, oldest)
	}

	expiresAt := m.nowFunc().Add(m.ttl)
	for key, value := range entries {
		m.entries[key] = &memoryEntry{value: value, expiresAt: expiresAt}
		m.evictionQueue = append(m.evictionQueue, key)
	}
	return true
}

// take deletes all keys and returns their values. The values are only
// returned if every key was present and live.
func (m *memoryStore) take(keys ...string) ([]string, bool) {
	m.mu.Lock()
	defer func() { m.collectGarbage(); m.mu.Unlock() }()

	now := m.nowFunc()
	values := make([]string, 0, len(keys))
	ok := true
	for _, key := range keys {
		e, found := m.entries[key]
		delete(m.entries, key)
		if !found || !now.Before(e.expiresAt) {
			ok = false
			continue
		}
		values = append(values, e.value)
	}
	if !ok {
		return nil, false
	}
	return values, true
}

func (m *memoryStore) collectGarbage() {
	now := m.nowFunc()
	seen := make(map[string]bool, len(m.evictionQueue))
	var evictionQueue []string
	for _, key := range m.evictionQueue {
		e, ok := m.entries[key]
		if !ok || seen[key] {
			continue
		}
		if now.Before(e.expiresAt) {
			seen[key] = true
			evictionQueue = append(evictionQueue, key)
		} else {
			delete(m.entries, key)
		}
	}
	m.evictionQueue = evictionQueue
}
