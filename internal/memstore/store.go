// Package memstore implements the in-process cache layer: a key/entry map with
// lazy expiry and hit/miss accounting. Entries live as long as the process.
package memstore

import (
	"strings"
	"sync"
	"time"

	"github.com/aweris/odacache/internal/clock"
	"github.com/aweris/odacache/internal/metrics"
)

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

// Stats is a snapshot of cumulative counters.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Ratio returns the hit ratio in [0,1], or 0 before any lookup.
func (s Stats) Ratio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	items   map[string]entry
	hits    int64
	misses  int64
	clock   clock.Clock
	metrics metrics.Recorder
}

func New(c clock.Clock, m metrics.Recorder) *Store {
	return &Store{
		items:   make(map[string]entry),
		clock:   clock.Or(c),
		metrics: metrics.Or(m),
	}
}

// Set inserts or overwrites key with an expiry of now+ttl.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry{value: value, createdAt: now, expiresAt: now.Add(ttl)}
}

// Get returns the value for key when it is present and unexpired. Expired
// entries are removed on access.
func (s *Store) Get(key string) (any, bool) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if ok && now.After(e.expiresAt) {
		delete(s.items, key)
		ok = false
	}
	if !ok {
		s.misses++
		s.metrics.Miss(metrics.LayerEphemeral)
		return nil, false
	}

	s.hits++
	s.metrics.Hit(metrics.LayerEphemeral)
	return e.value, true
}

// Has reports whether key holds an unexpired entry. It does not touch the
// hit/miss counters.
func (s *Store) Has(key string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return false
	}
	if now.After(e.expiresAt) {
		delete(s.items, key)
		return false
	}
	return true
}

func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// InvalidateMatching removes every key containing substr.
func (s *Store) InvalidateMatching(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.items {
		if strings.Contains(k, substr) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

func (s *Store) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]entry)
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Hits: s.hits, Misses: s.misses, Size: len(s.items)}
}
