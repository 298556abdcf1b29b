// Package featureflag keeps the set of feature flags that are active in the
// process so they can be attached to captured events.
package featureflag

import (
	"sort"
	"sync"
)

// Flag is a named toggle with an optional variant. An empty Variant means
// the flag carries no variant.
type Flag struct {
	Name    string `json:"name" toml:"name" yaml:"name"`
	Variant string `json:"variant,omitempty" toml:"variant" yaml:"variant"`
}

// Store is a concurrency-safe set of flags keyed by name
type Store struct {
	mu    sync.RWMutex
	flags map[string]string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{flags: make(map[string]string)}
}

// Set inserts or overwrites a flag. Empty names are ignored.
func (s *Store) Set(name, variant string) {
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[name] = variant
}

// SetMany applies several flags under one lock, in order
func (s *Store) SetMany(flags ...Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range flags {
		if f.Name == "" {
			continue
		}
		s.flags[f.Name] = f.Variant
	}
}

// Clear removes a flag if present
func (s *Store) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, name)
}

// ClearAll removes every flag
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = make(map[string]string)
}

// Get returns the variant for name and whether the flag is set
func (s *Store) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.flags[name]
	return v, ok
}

// Snapshot returns a copy of the current name to variant mapping
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.flags))
	for k, v := range s.flags {
		out[k] = v
	}
	return out
}

// Flags returns the current flags sorted by name
func (s *Store) Flags() []Flag {
	return FromMap(s.Snapshot())
}

// Len returns the number of flags
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.flags)
}

// FromMap converts a name to variant mapping into flags sorted by name
func FromMap(m map[string]string) []Flag {
	out := make([]Flag, 0, len(m))
	for name, variant := range m {
		out = append(out, Flag{Name: name, Variant: variant})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
