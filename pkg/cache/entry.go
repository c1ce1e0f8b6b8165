package cache

import (
	"strings"
	"time"
)

// staleFraction is the portion of an entry's TTL after which the entry is
// considered stale but still servable.
const staleFraction = 0.8

// Entry represents a cached payload with freshness deadlines.
type Entry struct {
	// Data is the cached payload.
	Data []byte `json:"data"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"created_at"`

	// StaleAt is when the entry becomes stale (servable, refresh advised).
	StaleAt time.Time `json:"stale_at"`

	// ExpiresAt is when the entry becomes unusable.
	ExpiresAt time.Time `json:"expires_at"`

	// Tags are invalidation group names carried by the entry.
	Tags []string `json:"tags,omitempty"`
}

// NewEntry creates an entry whose deadlines are derived from ttl.
// StaleAt is always at or before ExpiresAt.
func NewEntry(data []byte, ttl time.Duration, tags ...string) *Entry {
	now := time.Now()
	return &Entry{
		Data:      data,
		CreatedAt: now,
		StaleAt:   now.Add(time.Duration(float64(ttl) * staleFraction)),
		ExpiresAt: now.Add(ttl),
		Tags:      tags,
	}
}

// IsExpired returns true if the entry is past its expiry deadline.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// IsStale returns true if the entry is past its staleness deadline but not
// yet expired.
func (e *Entry) IsStale() bool {
	now := time.Now()
	return now.After(e.StaleAt) && !now.After(e.ExpiresAt)
}

// TTL returns the time until expiration. Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// HasTag reports whether any of the entry's tags contains the pattern as a
// substring.
func (e *Entry) HasTag(pattern string) bool {
	for _, tag := range e.Tags {
		if strings.Contains(tag, pattern) {
			return true
		}
	}
	return false
}

// HasTagSubstring reports whether the entry key contains the tag pattern.
// The local layer keeps no tag index, so invalidation also matches on key
// substrings.
func HasTagSubstring(key, pattern string) bool {
	return strings.Contains(key, pattern)
}
