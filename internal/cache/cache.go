// Package cache provides bounded, expiring caches that sit in front of the
// instance store and blob sidecars. A cache is never the system of record:
// any miss or store failure is answered by recomputing from the source.
package cache

import (
	"context"
	"errors"
	"strconv"

	"github.com/otcheredev/ris-dicom-retrieve/internal/metrics"
	"github.com/otcheredev/ris-dicom-retrieve/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = errors.New("cache miss")

// Store is a bounded key/value backend with per-entry expiration
type Store[K comparable, V any] interface {
	// Get returns ErrCacheMiss when key is absent or expired
	Get(ctx context.Context, key K) (V, error)
	Set(ctx context.Context, key K, value V) error
	Delete(ctx context.Context, key K) error
}

// Factory computes the value for a missing key
type Factory[K comparable, V any] func(ctx context.Context, key K) (V, error)

// EphemeralCache populates a Store on demand.
//
// There is no single-flight: concurrent misses on one key each run the
// factory, and the last Set wins. Factories must be idempotent.
type EphemeralCache[K comparable, V any] struct {
	name    string
	store   Store[K, V]
	metrics *metrics.Metrics
}

// NewEphemeralCache creates a cache named name (used in logs and metrics)
func NewEphemeralCache[K comparable, V any](name string, store Store[K, V], m *metrics.Metrics) *EphemeralCache[K, V] {
	return &EphemeralCache[K, V]{name: name, store: store, metrics: m}
}

// GetOrAdd returns the cached value for key, or runs factory, caches its
// result and returns it. Factory errors are returned as is and nothing is
// cached. Store errors are logged and treated as a miss.
func (c *EphemeralCache[K, V]) GetOrAdd(ctx context.Context, key K, factory Factory[K, V]) (V, error) {
	value, err := c.store.Get(ctx, key)
	if err == nil {
		c.metrics.ObserveCache(c.name, true)
		return value, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		log.Warn().Err(err).Str("cache", c.name).Msg("Cache read failed, recomputing")
	}
	c.metrics.ObserveCache(c.name, false)

	value, err = factory(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	if err := c.store.Set(ctx, key, value); err != nil {
		log.Warn().Err(err).Str("cache", c.name).Msg("Cache write failed")
	}
	return value, nil
}

// Invalidate drops key from the cache
func (c *EphemeralCache[K, V]) Invalidate(ctx context.Context, key K) error {
	return c.store.Delete(ctx, key)
}

// CacheKey generates a cache key
func CacheKey(partitionID, studyUID, seriesUID, instanceUID, suffix string) string {
	if instanceUID != "" {
		return partitionID + ":" + studyUID + ":" + seriesUID + ":" + instanceUID + ":" + suffix
	}
	if seriesUID != "" {
		return partitionID + ":" + studyUID + ":" + seriesUID + ":" + suffix
	}
	return partitionID + ":" + studyUID + ":" + suffix
}

// InstanceMetadataKey is the shared-store key of an instance metadata entry
func InstanceMetadataKey(id models.InstanceIdentifier) string {
	return CacheKey(id.PartitionID.String(), id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, "metadata")
}

// FrameRangeKey is the shared-store key of a frame range entry
func FrameRangeKey(watermark int64) string {
	return "frames_range:" + strconv.FormatInt(watermark, 10)
}
