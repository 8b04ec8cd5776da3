package kv

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. It is the default backend for local
// development and the fake used by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (s *MemoryStore) lookup(key string) ([]byte, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Get returns the value for key, or nil on a miss.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, _ := s.lookup(key)
	return v, nil
}

// MultiGet returns the values present for keys. Missing keys are absent.
func (s *MemoryStore) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.lookup(k); ok {
			result[k] = v
		}
	}
	return result, nil
}

// Set writes value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryEntry{value: cloneBytes(value)}
	return nil
}

// SetWithTTL writes value under key, expiring after ttl.
func (s *MemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memoryEntry{value: cloneBytes(value), expiresAt: s.now().Add(ttl)}
	return nil
}

// MultiSet writes every pair under one lock.
func (s *MemoryStore) MultiSet(ctx context.Context, pairs []Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.data[p.Key] = memoryEntry{value: cloneBytes(p.Value)}
	}
	return nil
}

// Remove deletes keys. Missing keys are ignored.
func (s *MemoryStore) Remove(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.data {
		if _, ok := s.lookup(k); ok {
			n++
		}
	}
	return n
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	dup := make([]byte, len(b))
	copy(dup, b)
	return dup
}

var _ ExpiringStore = (*MemoryStore)(nil)
