package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemoryStore keeps objects in process memory. Used for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data under key
func (m *MemoryStore) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(data)
}

// Get opens the whole object
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// GetRange opens a byte range of the object. Ranges past the end are
// truncated, as an HTTP range read would be.
func (m *MemoryStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	data, err := m.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	size := int64(len(data))
	if offset < 0 || offset > size {
		return nil, fmt.Errorf("memory: %s: range offset %d outside object of %d bytes", key, offset, size)
	}
	end := min(offset+max(length, 0), size)
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

// Size returns the object size
func (m *MemoryStore) Size(ctx context.Context, key string) (int64, error) {
	data, err := m.lookup(ctx, key)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// Type names the backend
func (m *MemoryStore) Type() string {
	return "memory"
}

func (m *MemoryStore) lookup(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return data, nil
}
