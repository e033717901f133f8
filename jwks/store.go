// Package jwks holds the in-memory JWKS snapshot and the background
// refresher that keeps it current.
package jwks

import (
	"sync/atomic"

	"github.com/ScaleFT/envoy-filter-accessfabric/jwt"
)

// Snapshot is an immutable kid -> PublicKey mapping. Once built it is
// never mutated; replacement is always whole-snapshot.
type Snapshot struct {
	keys map[string]*jwt.PublicKey
}

// NewSnapshot builds a Snapshot from a set of already-imported keys.
// Keys with a duplicate kid overwrite earlier ones in iteration order.
func NewSnapshot(keys []*jwt.PublicKey) *Snapshot {
	m := make(map[string]*jwt.PublicKey, len(keys))
	for _, k := range keys {
		m[k.Kid] = k
	}
	return &Snapshot{keys: m}
}

// EmptySnapshot is the snapshot a Store starts with before any keys are
// known. Every lookup against it is a miss.
func EmptySnapshot() *Snapshot {
	return &Snapshot{keys: map[string]*jwt.PublicKey{}}
}

// Lookup finds the key for kid by exact byte comparison.
func (s *Snapshot) Lookup(kid string) (*jwt.PublicKey, bool) {
	if s == nil {
		return nil, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Kids returns the snapshot's key ids, for introspection only - never key
// material.
func (s *Snapshot) Kids() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}

// Store holds exactly one current Snapshot behind an atomic pointer, so
// Publish and Current never race and readers never observe a torn
// snapshot. This plays the role the original filter's thread-local
// snapshot slot played: a reader-optimized, wait-free publish/read pair.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store seeded with an empty snapshot.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(EmptySnapshot())
	return s
}

// Publish atomically replaces the current snapshot. Safe to call
// concurrently with Current from any number of readers.
func (s *Store) Publish(snap *Snapshot) {
	s.current.Store(snap)
}

// Current returns the current snapshot. After Publish(S) returns, every
// subsequent Current() call on this Store returns S or a later snapshot,
// never an earlier one.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}
