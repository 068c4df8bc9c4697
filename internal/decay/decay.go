// Package decay implements a generic decaying set: a value inserted
// now is considered present until its lifetime elapses, at which
// point Decay removes it. The path subsystem instantiates this three
// ways: replay filters keyed by tunnel nonce, the build-rate limiter
// keyed by first-hop router id, and the incoming-transit-build IP
// limiter — one generic implementation, three instantiations, the same
// way the original's single template is used three ways.
package decay

import "sync"

// Set is a decaying hash-set over a comparable value type, with times
// expressed as caller-supplied milliseconds (never read from the wall
// clock, so callers control the tick source).
type Set[V comparable] struct {
	mu       sync.Mutex
	interval int64
	values   map[V]int64
}

// New returns an empty Set whose entries live for intervalMs
// milliseconds after insertion.
func New[V comparable](intervalMs int64) *Set[V] {
	return &Set[V]{interval: intervalMs, values: make(map[V]int64)}
}

// Contains reports whether v is present (without regard to expiry;
// call Decay first if staleness matters to the caller).
func (s *Set[V]) Contains(v V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[v]
	return ok
}

// Insert adds v at time now, returning true if it was newly inserted
// and false if it was already present.
func (s *Set[V]) Insert(v V, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[v]; ok {
		return false
	}
	s.values[v] = now
	return true
}

// Upsert inserts or refreshes v's timestamp to now.
func (s *Set[V]) Upsert(v V, now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[v] = now
}

// Remove evicts v immediately, regardless of its age.
func (s *Set[V]) Remove(v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, v)
}

// Decay removes every entry whose insertion time plus the set's
// interval is at or before now.
func (s *Set[V]) Decay(now int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v, t := range s.values {
		if t+s.interval <= now {
			delete(s.values, v)
		}
	}
}

// Size returns the number of entries currently held.
func (s *Set[V]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Empty reports whether the set holds no entries.
func (s *Set[V]) Empty() bool { return s.Size() == 0 }

// Allow is the build-rate-limiter idiom used by §4.6's builder and
// incoming-build limiters: it reports whether v may proceed right now,
// and if so inserts it so a subsequent call within the interval is
// denied.
func (s *Set[V]) Allow(v V, now int64) bool {
	return s.Insert(v, now)
}
