package cache

import (
	"sync"
	"time"
)

// LocalStore is the in-process cache layer. Expiry is checked lazily at read
// time; there is no background eviction and no size bound. Capacity is
// governed by TTL expiry alone.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewLocalStore creates an empty local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		entries: make(map[string]*Entry),
	}
}

// Get returns the payload for key, or ok=false if the key is absent or
// expired. Stale-but-unexpired entries are returned as normal hits; use
// GetWithStaleInfo when staleness matters.
func (s *LocalStore) Get(key string) ([]byte, bool) {
	data, _, ok := s.GetWithStaleInfo(key)
	return data, ok
}

// GetWithStaleInfo returns the payload for key along with its staleness.
// An expired entry is treated as absent and removed. The returned slice is a
// copy; mutating it cannot corrupt the stored entry.
func (s *LocalStore) GetWithStaleInfo(key string) (data []byte, stale bool, ok bool) {
	s.mu.RLock()
	entry, found := s.entries[key]
	s.mu.RUnlock()

	if !found {
		return nil, false, false
	}

	if entry.IsExpired() {
		s.mu.Lock()
		// Re-check under the write lock; another goroutine may have replaced
		// the entry since the read lock was released.
		if cur, still := s.entries[key]; still && cur.IsExpired() {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, false
	}

	data = make([]byte, len(entry.Data))
	copy(data, entry.Data)
	return data, entry.IsStale(), true
}

// Set stores a payload under key with the given TTL and invalidation tags.
func (s *LocalStore) Set(key string, data []byte, ttl time.Duration, tags ...string) {
	if ttl <= 0 {
		return
	}

	entry := NewEntry(data, ttl, tags...)

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}

// Invalidate removes a single key.
func (s *LocalStore) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// InvalidateTag removes every entry whose key or tags contain the pattern
// as a substring.
func (s *LocalStore) InvalidateTag(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if HasTagSubstring(key, pattern) || entry.HasTag(pattern) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Flush removes all entries.
func (s *LocalStore) Flush() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()
}

// Len returns the number of stored entries, including ones that have expired
// but not yet been read.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
