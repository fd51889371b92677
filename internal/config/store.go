package config

import "sync/atomic"

// Store holds the single current *Config shared by every gateway component.
// The Config Watcher (C7) is the only writer; every other component calls
// Get on each request instead of caching the pointer or touching the
// filesystem, per spec.md's "atomic pointer exchange, no per-request file
// I/O" requirement.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore creates a Store seeded with an already-loaded, validated config.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Get returns the currently active config. Safe for concurrent use without
// external locking.
func (s *Store) Get() *Config {
	return s.ptr.Load()
}

// Swap installs a new config as current. Called by the watcher after a
// reload parses and validates successfully.
func (s *Store) Swap(cfg *Config) {
	s.ptr.Store(cfg)
}
