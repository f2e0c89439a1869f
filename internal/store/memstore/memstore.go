// Package memstore is an in-process SharedStore used in tests and in
// single-node dev mode where no Redis is available. Semantics match the Redis
// implementation: per-key TTLs and a compare-and-swap that treats "" as
// set-if-absent.
package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type entry struct {
	val       string
	expiresAt time.Time // zero = no expiry
}

// Store is a mutex-guarded map with TTL support.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) getLocked(key string) (string, bool) {
	e, ok := s.data[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.data, key)
		return "", false
	}
	return e.val, true
}

// Get returns the value and whether the key exists.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.getLocked(key)
	return v, ok, nil
}

// Set writes the value with a TTL (0 = no expiry).
func (s *Store) Set(_ context.Context, key, val string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.data[key] = entry{val: val, expiresAt: exp}
	return nil
}

// Incr atomically increments the integer at key, creating it at 1.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, _ := s.getLocked(key)
	n, _ := strconv.ParseInt(cur, 10, 64)
	n++
	e := s.data[key]
	e.val = strconv.FormatInt(n, 10)
	s.data[key] = e
	return n, nil
}

// CompareAndSwap writes newVal only if the current value equals oldVal.
// oldVal == "" means "only if the key is absent".
func (s *Store) CompareAndSwap(_ context.Context, key, oldVal, newVal string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.getLocked(key)
	if oldVal == "" {
		if ok {
			return false, nil
		}
	} else if !ok || cur != oldVal {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.data[key] = entry{val: newVal, expiresAt: exp}
	return true, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
