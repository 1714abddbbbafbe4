package kvstore

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store is an in-memory key-value store with per-entry expiry. It backs the
// lock coordinator and the cooldown tracker, which both need atomic
// create-if-absent and compare-and-delete over expiring keys.
//
// All methods are safe for concurrent use.
type Store struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// New creates a store using the given clock. Pass clockwork.NewRealClock()
// in production and a fake clock in tests.
func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:   clock,
		entries: make(map[string]entry),
	}
}

// Get returns the value for key and whether it exists. Expired entries are
// treated as absent and removed.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

// Set stores value under key with the given TTL, overwriting any existing
// entry. A zero TTL means the entry never expires.
func (s *Store) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.entries[key] = e
}

// SetNX stores value under key only if the key is absent (or expired).
// Returns true if the entry was created. This is the test-and-set primitive
// lease acquisition is built on.
func (s *Store) SetNX(key, value string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.expired(s.clock.Now()) {
		return false
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.clock.Now().Add(ttl)
	}
	s.entries[key] = e
	return true
}

// CompareAndDelete removes key only if its current value equals value.
// Returns true if the entry was removed. Deleting an expired or absent entry
// returns false, so a holder whose lease lapsed cannot delete a lease that
// was re-acquired by someone else.
func (s *Store) CompareAndDelete(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		return false
	}
	if e.value != value {
		return false
	}
	delete(s.entries, key)
	return true
}

// TTL returns the remaining lifetime of key. Zero is returned for absent,
// expired, or non-expiring entries.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expiresAt.IsZero() {
		return 0
	}
	remaining := e.expiresAt.Sub(s.clock.Now())
	if remaining < 0 {
		delete(s.entries, key)
		return 0
	}
	return remaining
}

// Delete removes key unconditionally. No error if the key is absent.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// RunJanitor periodically sweeps expired entries until ctx is cancelled.
// Lazy expiry in Get/SetNX keeps semantics correct without the janitor; the
// sweep only bounds memory growth for keys that are never read again.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}
