package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisStore implements Store on Redis, JSON-encoding values. Several
// server replicas can share it.
type RedisStore[K comparable, V any] struct {
	client *redis.Client
	key    func(K) string
	ttl    time.Duration
}

// NewRedisStore creates a store that maps keys with keyFunc and expires
// entries after ttl. The client is owned by the caller.
func NewRedisStore[K comparable, V any](client *redis.Client, keyFunc func(K) string, ttl time.Duration) *RedisStore[K, V] {
	return &RedisStore[K, V]{client: client, key: keyFunc, ttl: ttl}
}

// Get retrieves a value from cache
func (r *RedisStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var value V

	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, ErrCacheMiss
	}
	if err != nil {
		return value, fmt.Errorf("failed to get from cache: %w", err)
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return value, nil
}

// Set stores a value in cache
func (r *RedisStore[K, V]) Set(ctx context.Context, key K, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Delete removes a value from cache
func (r *RedisStore[K, V]) Delete(ctx context.Context, key K) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from cache: %w", err)
	}
	return nil
}
