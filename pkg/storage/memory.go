package storage

import (
	"strings"
	"sync"
	"time"
)

// memoryCache is the process-local fallback used while the primary
// backend is unreachable. It is best-effort continuity for a degraded
// mode: entries written here are marked dirty and are never reconciled
// back to the primary.
type memoryCache struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	hashes map[string]map[string][]byte
	dirty  map[string]bool
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func newMemoryCache() *memoryCache {
	return &memoryCache{
		values: make(map[string]memoryEntry),
		hashes: make(map[string]map[string][]byte),
		dirty:  make(map[string]bool),
	}
}

func (m *memoryCache) get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.values[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// put stores a value locally. Writes that happen while degraded are
// marked dirty so the primary is not treated as authoritative for them
// after reconnect.
func (m *memoryCache) put(key string, value []byte, ttl time.Duration, markDirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.values[key] = e
	if markDirty {
		m.dirty[key] = true
	}
}

func (m *memoryCache) delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.hashes, key)
	delete(m.dirty, key)
}

func (m *memoryCache) keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []string
	for k, e := range m.values {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		out = append(out, k)
	}
	return out
}

func (m *memoryCache) hget(key, field string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, false
	}
	v, ok := h[field]
	return v, ok
}

func (m *memoryCache) hset(key, field string, value []byte, markDirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = value
	if markDirty {
		m.dirty[key+"|"+field] = true
	}
}

func (m *memoryCache) hdel(key, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
	}
	delete(m.dirty, key+"|"+field)
}

func (m *memoryCache) hgetall(key string) map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	out := make(map[string][]byte, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out
}

func (m *memoryCache) dirtyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dirty)
}
