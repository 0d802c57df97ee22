// Package metrics holds the scraped-metrics pipeline: the parsed
// representation of one sandbox's exposition payload, the
// double-buffered store that publishes whole collection cycles
// atomically, and the collector that drives cycles on an interval.
package metrics

import (
	"sync"
)

// Store keeps the most recently completed collection cycle. It is
// double-buffered: readers see the current generation while a cycle
// fills the staging generation, and FinishCycle publishes staging by
// swapping a map reference. The two generations have independent
// locks so readers of current never contend with cycle writers; both
// locks are only held together for the swap itself.
//
// Published maps are never mutated in place. Delete rebuilds current
// without the id, so a map observed by a reader stays consistent for
// as long as the reader holds it.
type Store struct {
	currentMu sync.Mutex
	current   map[string]*Collected

	stagingMu sync.Mutex
	staging   map[string]*Collected
}

// NewStore creates a store with empty generations.
func NewStore() *Store {
	return &Store{
		current: make(map[string]*Collected),
		staging: make(map[string]*Collected),
	}
}

// Get returns the metrics for a sandbox from the current generation.
// It is never blocked by an in-progress cycle.
func (s *Store) Get(id string) (*Collected, bool) {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	c, ok := s.current[id]
	return c, ok
}

// Len returns the number of sandboxes in the current generation.
func (s *Store) Len() int {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	return len(s.current)
}

// StartCycle clears the staging generation. It must be called exactly
// once before the AddToCycle calls of a collection round.
func (s *Store) StartCycle() {
	s.stagingMu.Lock()
	defer s.stagingMu.Unlock()

	s.staging = make(map[string]*Collected)
}

// AddToCycle records one sandbox's result in the staging generation.
// Safe for the concurrent per-sandbox fetch tasks of a single cycle.
func (s *Store) AddToCycle(id string, c *Collected) {
	s.stagingMu.Lock()
	defer s.stagingMu.Unlock()

	s.staging[id] = c
}

// FinishCycle atomically replaces the current generation with
// staging's contents and resets staging. This is the only operation
// that changes what readers observe, and it is a reference swap, so
// readers see either the full prior cycle or the full new one.
func (s *Store) FinishCycle() {
	s.stagingMu.Lock()
	published := s.staging
	s.staging = make(map[string]*Collected)

	s.currentMu.Lock()
	s.current = published
	s.currentMu.Unlock()
	s.stagingMu.Unlock()
}

// Delete removes a sandbox from the current generation only, for use
// on sandbox teardown. Staging is cycle-scoped and rebuilt each round,
// so it is left alone. Reports whether an entry was removed.
func (s *Store) Delete(id string) bool {
	s.currentMu.Lock()
	defer s.currentMu.Unlock()

	if _, ok := s.current[id]; !ok {
		return false
	}

	next := make(map[string]*Collected, len(s.current)-1)
	for k, v := range s.current {
		if k != id {
			next[k] = v
		}
	}
	s.current = next
	return true
}
