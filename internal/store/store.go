// Package store implements the in-memory string key/value map with
// per-key TTL expiration (spec.md §4.2). Mutations are serialized by a
// single coarse lock per spec.md §5 ("a coarse global lock is
// acceptable given the workload"); expiration runs on one-shot timers
// guarded by a generation counter so a timer that fires after the key
// was already overwritten or deleted is a silent no-op, never a
// phantom delete (spec.md §9).
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/resp-kv-server/internal/logging"
)

type entry struct {
	value      []byte
	generation uint64
	timer      *time.Timer
	deadline   time.Time // zero value means no TTL
}

// Metrics is the subset of counters the store reports; the server
// wires a Prometheus-backed implementation (internal/metrics).
type Metrics interface {
	ObserveExpiration()
}

type noopMetrics struct{}

func (noopMetrics) ObserveExpiration() {}

// Store is a single-node, non-persistent key/value map with TTL.
type Store struct {
	log zerolog.Logger
	met Metrics

	mu   sync.Mutex
	data map[string]*entry
	// nextGen hands out a fresh generation to every timer scheduled so
	// a stale timer can recognize it no longer owns the key.
	nextGen uint64
}

// New returns an empty store. Pass a nil Metrics to use a no-op sink
// (tests).
func New(log zerolog.Logger, met Metrics) *Store {
	if met == nil {
		met = noopMetrics{}
	}
	return &Store{log: log, met: met, data: make(map[string]*entry)}
}

// Set replaces the value for key and clears any prior TTL (spec.md's
// KV round-trip invariant).
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked(key)
	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = &entry{value: v}
}

// Get returns the value and true, or nil/false when the key is absent
// or has expired.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

// lookupLocked returns the entry for key if present and not expired.
// Callers must hold s.mu.
func (s *Store) lookupLocked(key string) (*entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.deadline.IsZero() && !time.Now().Before(e.deadline) {
		// Lazily reap: a timer may not have fired yet (e.g. in tests
		// that fake time), but the deadline has passed.
		s.removeLocked(key, e)
		return nil, false
	}
	return e, true
}

// Del removes each listed key, returning the count actually removed.
// It also cancels any pending timer for keys that were not present,
// defensively, matching spec.md's DEL contract.
func (s *Store) Del(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, k := range keys {
		if e, ok := s.lookupLocked(k); ok {
			s.removeLocked(k, e)
			count++
		} else {
			s.cancelTimerLocked(k)
		}
	}
	return count
}

// Exists counts how many of the given keys are present (duplicates
// count multiple times, matching Redis).
func (s *Store) Exists(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, k := range keys {
		if _, ok := s.lookupLocked(k); ok {
			count++
		}
	}
	return count
}

// Expire schedules key to expire after seconds (clamped to >=0) and
// returns 1, or returns 0 if key is absent. Any prior timer is
// cancelled first.
func (s *Store) Expire(key string, seconds int64) int {
	if seconds < 0 {
		seconds = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return 0
	}
	s.scheduleLocked(key, e, time.Duration(seconds)*time.Second)
	return 1
}

// TTL returns -2 if key is absent, -1 if present without a TTL, or
// the non-negative ceiling of remaining seconds.
func (s *Store) TTL(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok {
		return -2
	}
	if e.deadline.IsZero() {
		return -1
	}
	remaining := time.Until(e.deadline)
	if remaining < 0 {
		remaining = 0
	}
	secs := remaining / time.Second
	if remaining%time.Second != 0 {
		secs++
	}
	return int64(secs)
}

// Persist clears any TTL on key, returning 1 if a TTL was cleared, 0
// if the key is absent or already had no TTL.
func (s *Store) Persist(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key)
	if !ok || e.deadline.IsZero() {
		return 0
	}
	s.cancelTimerLocked(key)
	return 1
}

// Keys returns all present, non-expired keys matching a glob pattern
// (spec.md §4.2: * any run, ? any one byte, [class] character class).
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for k := range s.data {
		if _, ok := s.lookupLocked(k); !ok {
			continue
		}
		if Match(pattern, k) {
			out = append(out, k)
		}
	}
	return out
}

// Scan returns a page of keys starting at cursor, honoring an
// optional match pattern and a count bound. It is explicitly
// non-snapshotting: each call sorts the keys live at that moment and
// cursor is an index into that sorted list, so a cursor carries over
// between calls only while the key set is unchanged; keys added or
// removed between calls can shift positions (spec.md §9's Open
// Question on SCAN is resolved this way).
func (s *Store) Scan(cursor int64, match string, count int) (nextCursor int64, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count <= 0 {
		count = 10
	}
	all := make([]string, 0, len(s.data))
	for k := range s.data {
		if _, ok := s.lookupLocked(k); ok {
			all = append(all, k)
		}
	}
	// Map iteration order varies between calls, so sort: the same key
	// set always yields the same order, which lets a cursor returned by
	// one call index into the next.
	sort.Strings(all)

	if cursor < 0 || cursor >= int64(len(all)) {
		return 0, []string{}
	}
	end := cursor + int64(count)
	if end > int64(len(all)) {
		end = int64(len(all))
	}
	page := all[cursor:end]
	if match != "" {
		filtered := page[:0:0]
		for _, k := range page {
			if Match(match, k) {
				filtered = append(filtered, k)
			}
		}
		page = filtered
	}
	next := end
	if next >= int64(len(all)) {
		next = 0
	}
	return next, page
}

// DBSize returns the number of present, non-expired keys.
func (s *Store) DBSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.data {
		if _, ok := s.lookupLocked(k); ok {
			n++
		}
	}
	return n
}

// Type returns "string" if key is present, "none" otherwise.
func (s *Store) Type(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(key); ok {
		return "string"
	}
	return "none"
}

// scheduleLocked installs a fresh one-shot timer for key, cancelling
// any prior one. Callers must hold s.mu.
func (s *Store) scheduleLocked(key string, e *entry, ttl time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	s.nextGen++
	gen := s.nextGen
	e.generation = gen
	e.deadline = time.Now().Add(ttl)
	e.timer = time.AfterFunc(ttl, func() {
		defer logging.RecoverAndLog(s.log, "store_ttl_timer")
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.data[key]
		// Only remove if this timer still owns the key: a SET/EXPIRE
		// issued after this timer was scheduled will have bumped the
		// generation (or replaced the entry outright), so a stale
		// firing is a no-op (spec.md §4.2/§9).
		if ok && cur == e && cur.generation == gen {
			delete(s.data, key)
			s.met.ObserveExpiration()
		}
	})
}

// cancelTimerLocked stops and clears any pending timer for key without
// removing the key itself. Callers must hold s.mu.
func (s *Store) cancelTimerLocked(key string) {
	if e, ok := s.data[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.deadline = time.Time{}
	}
}

// removeLocked deletes key, stopping any pending timer first. Callers
// must hold s.mu.
func (s *Store) removeLocked(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.data, key)
}
