package adapters

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned when a key does not exist in the object store
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore defines the interface that all blob backends must implement
type ObjectStore interface {
	// Get opens the whole object
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// GetRange opens length bytes of the object starting at offset
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Size returns the stored object size in bytes
	Size(ctx context.Context, key string) (int64, error)

	// Type names the backend
	Type() string
}
