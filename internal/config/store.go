package config

import "sync/atomic"

// Store holds the current configuration snapshot behind an atomic pointer.
// Readers take one snapshot per request and never observe partial updates;
// writers replace the whole value.
type Store struct {
	current atomic.Pointer[Config]
}

// NewStore creates a store primed with cfg (which may be nil).
func NewStore(cfg *Config) *Store {
	s := &Store{}
	if cfg != nil {
		s.current.Store(cfg)
	}
	return s
}

// Snapshot returns the current configuration, or nil when none has loaded.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Swap replaces the current configuration.
func (s *Store) Swap(cfg *Config) {
	s.current.Store(cfg)
}
