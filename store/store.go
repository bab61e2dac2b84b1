// Package store implements a small typed layer over Redis keys used by the
// caches in this module. Values are JSON serialized, reads report absence
// through a boolean rather than an error and all operations are idempotent
// and safe to retry.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowkit/dispatch/dispatch"
)

type (
	// Store provides typed get/put/merge/delete operations over a Redis
	// connection. The zero TTL means no expiry.
	Store struct {
		rdb    *redis.Client
		logger dispatch.Logger
	}

	// StoreOption is a store creation option.
	StoreOption func(*storeOptions)

	storeOptions struct {
		logger dispatch.Logger
	}
)

// WithLogger sets the logger used by the store.
func WithLogger(logger dispatch.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// New returns a store backed by the given Redis client.
func New(rdb *redis.Client, opts ...StoreOption) *Store {
	o := storeOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{rdb: rdb, logger: o.logger.WithPrefix("store", "redis")}
}

// Put serializes value and writes it under key. A zero ttl stores the value
// without expiry.
func (s *Store) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize value for key %q: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	s.logger.Debug("put", "key", key, "ttl", ttl)
	return nil
}

// PutMany writes all entries in a single round trip. Entries are stored
// without expiry.
func (s *Store) PutMany(ctx context.Context, entries map[string]any) error {
	if len(entries) == 0 {
		return nil
	}
	pairs := make([]any, 0, 2*len(entries))
	for k, v := range entries {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize value for key %q: %w", k, err)
		}
		pairs = append(pairs, k, b)
	}
	if err := s.rdb.MSet(ctx, pairs...).Err(); err != nil {
		return fmt.Errorf("failed to write %d keys: %w", len(entries), err)
	}
	s.logger.Debug("put many", "count", len(entries))
	return nil
}

// Get reads and deserializes the value stored under key. The second return
// value is false if the key does not exist.
func Get[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var val T
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return val, false, nil
	}
	if err != nil {
		return val, false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if err := json.Unmarshal(b, &val); err != nil {
		return val, false, fmt.Errorf("failed to deserialize value for key %q: %w", key, err)
	}
	return val, true, nil
}

// Merge writes the given fields into the hash stored under key without
// clobbering sibling fields. Each field value is serialized independently. A
// non-zero ttl refreshes the expiry of the whole hash.
func (s *Store) Merge(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	pairs := make([]any, 0, 2*len(fields))
	for f, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize field %q of key %q: %w", f, key, err)
		}
		pairs = append(pairs, f, b)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, pairs...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to merge key %q: %w", key, err)
	}
	s.logger.Debug("merge", "key", key, "fields", len(fields))
	return nil
}

// Field reads and deserializes a single field of the hash stored under key.
// The second return value is false if the key or field does not exist.
func Field[T any](ctx context.Context, s *Store, key, field string) (T, bool, error) {
	var val T
	b, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == redis.Nil {
		return val, false, nil
	}
	if err != nil {
		return val, false, fmt.Errorf("failed to read field %q of key %q: %w", field, key, err)
	}
	if err := json.Unmarshal(b, &val); err != nil {
		return val, false, fmt.Errorf("failed to deserialize field %q of key %q: %w", field, key, err)
	}
	return val, true, nil
}

// Delete removes the given keys unconditionally.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys %v: %w", keys, err)
	}
	s.logger.Debug("delete", "keys", keys)
	return nil
}

// Expire sets the expiry of key. It is a no-op if the key does not exist.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("failed to expire key %q: %w", key, err)
	}
	return nil
}

// TTL returns the remaining time to live of key. It returns a negative
// duration if the key does not exist or has no expiry, mirroring Redis.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read TTL of key %q: %w", key, err)
	}
	return d, nil
}

// ScanKeys returns all keys matching the given pattern. It iterates the
// keyspace with SCAN so it is safe to call on large databases.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys matching %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.rdb
}
