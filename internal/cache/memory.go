package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore implements Store using an in-process LRU with a fixed TTL
type MemoryStore[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewMemoryStore creates a store holding at most maxEntries entries, each
// expiring ttl after it was added
func NewMemoryStore[K comparable, V any](maxEntries int, ttl time.Duration) *MemoryStore[K, V] {
	return &MemoryStore[K, V]{
		lru: expirable.NewLRU[K, V](maxEntries, nil, ttl),
	}
}

// Get retrieves a value from cache
func (m *MemoryStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	value, ok := m.lru.Get(key)
	if !ok {
		var zero V
		return zero, ErrCacheMiss
	}
	return value, nil
}

// Set stores a value in cache, evicting the least recently used entry when full
func (m *MemoryStore[K, V]) Set(ctx context.Context, key K, value V) error {
	m.lru.Add(key, value)
	return nil
}

// Delete removes a value from cache
func (m *MemoryStore[K, V]) Delete(ctx context.Context, key K) error {
	m.lru.Remove(key)
	return nil
}

// Len returns the number of live entries
func (m *MemoryStore[K, V]) Len() int {
	return m.lru.Len()
}
