package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store backed by a map.
type MemoryStore[V any] struct {
	mu      sync.Mutex
	entries map[string]Entry[V]
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore[V any]() *MemoryStore[V] {
	return &MemoryStore[V]{
		entries: make(map[string]Entry[V]),
	}
}

func (s *MemoryStore[V]) Get(ctx context.Context, key string) (Entry[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry[V]{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemoryStore[V]) Set(ctx context.Context, key string, value V, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = Entry[V]{Value: value, ExpiresAt: expiresAt}
	return nil
}

func (s *MemoryStore[V]) SetNX(ctx context.Context, key string, value V, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = Entry[V]{Value: value, ExpiresAt: expiresAt}
	return true, nil
}

func (s *MemoryStore[V]) Update(ctx context.Context, key string, fn func(Entry[V]) (Entry[V], error)) (Entry[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[key]
	if !ok {
		return Entry[V]{}, ErrNotFound
	}
	next, err := fn(prev)
	if err != nil {
		return prev, err
	}
	s.entries[key] = next
	return prev, nil
}

func (s *MemoryStore[V]) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore[V]) Take(ctx context.Context, key string) (Entry[V], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry[V]{}, ErrNotFound
	}
	delete(s.entries, key)
	return entry, nil
}

// Range iterates over a snapshot, so fn may call back into the store.
func (s *MemoryStore[V]) Range(ctx context.Context, fn func(key string, entry Entry[V]) bool) error {
	s.mu.Lock()
	snapshot := make(map[string]Entry[V], len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()

	for k, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (s *MemoryStore[V]) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of entries, expired or not.
func (s *MemoryStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

var _ Store[int] = (*MemoryStore[int])(nil)
