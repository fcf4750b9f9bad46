// Package store holds the process-wide ephemeral state of the research
// engine: TTL-bounded caches for plan decisions and search results, and a
// sliding-window per-conversation rate limiter. The store is constructed once
// and injected into the planner and executor rather than accessed as a global.
package store

import (
	"strings"
	"sync"
	"time"
)

const (
	// PlanTTL bounds how long a cached plan decision stays valid.
	PlanTTL = 10 * time.Minute

	// SearchTTL bounds how long cached search results stay valid.
	SearchTTL = 15 * time.Minute

	// RateWindow is the sliding window over which call attempts are counted.
	RateWindow = 60 * time.Second

	// RateLimit is the maximum number of call attempts per conversation
	// within RateWindow before checks report limited.
	RateLimit = 6
)

// entry is immutable once written; it is replaced or deleted, never mutated.
type entry struct {
	expires time.Time
	value   any
}

// Store is the cache and rate-limit state for one process.
// Safe for concurrent use.
type Store struct {
	now func() time.Time

	mu      sync.Mutex
	plans   map[string]entry
	search  map[string]entry
	windows map[string][]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock, used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		plans:   make(map[string]entry),
		search:  make(map[string]entry),
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPlan returns the cached plan value for key, or false on miss/expiry.
// Expired entries are purged lazily on access.
func (s *Store) GetPlan(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.plans, key)
}

// SetPlan caches value under key with the given TTL, overwriting
// unconditionally. A non-positive ttl uses PlanTTL.
func (s *Store) SetPlan(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = PlanTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[key] = entry{expires: s.now().Add(ttl), value: value}
}

// GetSearch returns the cached search value for key, or false on miss/expiry.
func (s *Store) GetSearch(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(s.search, key)
}

// SetSearch caches value under key for SearchTTL.
func (s *Store) SetSearch(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.search[key] = entry{expires: s.now().Add(SearchTTL), value: value}
}

func (s *Store) get(m map[string]entry, key string) (any, bool) {
	e, ok := m[key]
	if !ok {
		return nil, false
	}
	if !e.expires.After(s.now()) {
		delete(m, key)
		return nil, false
	}
	return e.value, true
}

// Sweep removes all expired entries from both caches. It is invoked
// opportunistically at the start of planning and on an interval by the
// maintenance sweeper.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, m := range []map[string]entry{s.plans, s.search} {
		for k, e := range m {
			if !e.expires.After(now) {
				delete(m, k)
			}
		}
	}
}

// Invalidate removes all plan entries belonging to the given conversation,
// identified by the "<conversationID>|" key prefix.
func (s *Store) Invalidate(conversationID string) {
	prefix := conversationID + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.plans {
		if strings.HasPrefix(k, prefix) {
			delete(s.plans, k)
		}
	}
}

// RecordAttempt appends a call-attempt timestamp to the conversation's
// rate window.
func (s *Store) RecordAttempt(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[conversationID] = append(s.prune(conversationID), s.now())
}

// IsRateLimited reports whether the conversation has reached RateLimit call
// attempts within the sliding RateWindow. The window is pruned on each check.
func (s *Store) IsRateLimited(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	window := s.prune(conversationID)
	s.windows[conversationID] = window
	return len(window) >= RateLimit
}

// prune drops timestamps older than RateWindow. Caller holds the lock.
func (s *Store) prune(conversationID string) []time.Time {
	cutoff := s.now().Add(-RateWindow)
	window := s.windows[conversationID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Sizes returns the entry counts of the plan and search caches, for metrics.
func (s *Store) Sizes() (plans, search int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans), len(s.search)
}
