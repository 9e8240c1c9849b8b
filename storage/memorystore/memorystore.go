// Package memorystore is the in-process storage backend. It exists for tests
// and single-node experiments only: TTL and CompareAndSwap behave per the
// contract, but nothing is shared across processes.
package memorystore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sessionworks/go-session-server/storage"
)

var _ storage.Backend = (*Store)(nil)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Store is a map-backed storage.Backend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	nowFunc func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the clock, primarily for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = now
	}
}

func New(options ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.expired(e) {
		return nil, storage.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.newEntry(value, ttl)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *Store) CompareAndSwap(_ context.Context, key string, expected, replacement []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.entries[key]
	if exists && s.expired(current) {
		delete(s.entries, key)
		exists = false
	}

	if expected == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || !bytes.Equal(current.value, expected) {
			return false, nil
		}
	}

	if replacement == nil {
		delete(s.entries, key)
		return true, nil
	}
	s.entries[key] = s.newEntry(replacement, ttl)
	return true, nil
}

func (s *Store) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	for _, k := range keys {
		s.mu.RLock()
		e, ok := s.entries[k]
		s.mu.RUnlock()
		if !ok || s.expired(e) {
			continue
		}
		// Same contract as Get: the callback must not be able to mutate the
		// stored value through the slice it receives.
		value := make([]byte, len(e.value))
		copy(value, e.value)
		if err := fn(k, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Len reports the number of live entries, for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

func (s *Store) newEntry(value []byte, ttl time.Duration) entry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expiresAt = s.nowFunc().Add(ttl)
	}
	return e
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && s.nowFunc().After(e.expiresAt)
}
