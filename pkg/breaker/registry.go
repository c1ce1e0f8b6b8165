package breaker

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds one breaker per upstream partition. Breakers are created
// lazily on first use, live for the process lifetime, and are removed only
// by explicit administrative reset.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry using cfg for every breaker.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a partition, creating it if needed.
func (r *Registry) Get(partition string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[partition]
	if !ok {
		b = New(partition, r.cfg, r.logger)
		r.breakers[partition] = b
	}
	return b
}

// Reset resets the breaker for a partition. Returns false if no breaker
// exists for it.
func (r *Registry) Reset(partition string) bool {
	r.mu.Lock()
	b, ok := r.breakers[partition]
	r.mu.Unlock()

	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll resets every breaker. Intended for the administrative surface
// and test teardown.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}

// Snapshots returns the state of every breaker keyed by partition.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for partition, b := range r.breakers {
		breakers[partition] = b
	}
	r.mu.Unlock()

	snaps := make(map[string]Snapshot, len(breakers))
	for partition, b := range breakers {
		snaps[partition] = b.Snapshot()
	}
	return snaps
}
