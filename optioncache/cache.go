// Package optioncache memoizes the results of piece dropdown resolutions.
// Resolving the options of a dynamic dropdown may call a third party API that
// is slow, rate limited or billed per call, so identical concurrent requests
// are collapsed into a single upstream call using a distributed lock and the
// result is shared through the store.
package optioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flowkit/dispatch/dispatch"
	"github.com/flowkit/dispatch/dlock"
	"github.com/flowkit/dispatch/store"
)

type (
	// Params identifies a dropdown resolution request. Two requests with the
	// same semantic identity always produce the same cache key so concurrent
	// identical requests collide on the same lock and cache slot.
	Params struct {
		// PieceName is the name of the piece exposing the dropdown.
		PieceName string
		// PieceVersion is the piece version.
		PieceVersion string
		// ActionName is the action or trigger name.
		ActionName string
		// PropertyName is the dropdown property name.
		PropertyName string
		// Connection is the connection or auth reference used by the
		// resolver, hashed into the key.
		Connection any
		// Input is the remaining structured input, hashed into the key.
		Input any
		// SearchValue is the free text search query, if any. Requests with a
		// search value never collide with requests without one and are
		// cached with a shorter TTL.
		SearchValue string
	}

	// Cache memoizes dropdown resolutions keyed by request identity.
	Cache struct {
		store       *store.Store
		locker      *dlock.Locker
		logger      dispatch.Logger
		defaultTTL  time.Duration
		searchTTL   time.Duration
		lockTimeout time.Duration
	}

	// CacheOption is a cache creation option.
	CacheOption func(*cacheOptions)

	cacheOptions struct {
		logger      dispatch.Logger
		defaultTTL  time.Duration
		searchTTL   time.Duration
		lockTimeout time.Duration
	}
)

// keyPrefix is the prefix used for option cache keys.
const keyPrefix = "options:"

// WithLogger sets the logger used by the cache.
func WithLogger(logger dispatch.Logger) CacheOption {
	return func(o *cacheOptions) {
		o.logger = logger
	}
}

// WithDefaultTTL overrides the TTL of non-search entries. The default is 5
// minutes.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) {
		o.defaultTTL = ttl
	}
}

// WithSearchTTL overrides the TTL of search-bearing entries. The default is
// 30 seconds, search results age faster than static option lists.
func WithSearchTTL(ttl time.Duration) CacheOption {
	return func(o *cacheOptions) {
		o.searchTTL = ttl
	}
}

// WithLockTimeout overrides the lock timeout used while populating a missing
// entry. The default is 30 seconds, it must cover the expected upstream
// resolver latency.
func WithLockTimeout(d time.Duration) CacheOption {
	return func(o *cacheOptions) {
		o.lockTimeout = d
	}
}

// New returns a cache backed by the given store and locker.
func New(s *store.Store, locker *dlock.Locker, opts ...CacheOption) *Cache {
	o := cacheOptions{
		logger:      dispatch.NoopLogger(),
		defaultTTL:  5 * time.Minute,
		searchTTL:   30 * time.Second,
		lockTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache{
		store:       s,
		locker:      locker,
		logger:      o.logger.WithPrefix("cache", "options"),
		defaultTTL:  o.defaultTTL,
		searchTTL:   o.searchTTL,
		lockTimeout: o.lockTimeout,
	}
}

// Key returns the cache key for the given request identity scoped to the
// given platform.
func Key(platformID string, p Params) string {
	parts := []string{
		platformID,
		p.PieceName,
		p.PieceVersion,
		p.ActionName,
		p.PropertyName,
		hashJSON(p.Connection),
		hashJSON(p.Input),
	}
	key := keyPrefix + hash(strings.Join(parts, "|"))
	if p.SearchValue != "" {
		key += ":search:" + hash(p.SearchValue)
	}
	return key
}

// GetOrSet returns the cached resolution for the given request, invoking
// fetch to populate the cache on a miss. Concurrent identical misses result
// in a single fetch call, the losers wait on the lock and pick up the
// winner's result from the store. A failed fetch is never cached and the
// error propagates to the caller with the lock released.
func GetOrSet[T any](ctx context.Context, c *Cache, platformID string, p Params, fetch func(ctx context.Context) (T, error)) (T, error) {
	if platformID == "" {
		// Requests without a platform scope are never cached, sharing
		// entries across platforms would leak connection derived options.
		return fetch(ctx)
	}
	key := Key(platformID, p)
	val, ok, err := store.Get[T](ctx, c.store, key)
	if err != nil {
		return val, err
	}
	if ok {
		c.logger.Debug("hit", "key", key)
		return val, nil
	}

	lerr := c.locker.RunExclusive(ctx, key, c.lockTimeout, func(ctx context.Context) error {
		// Another caller may have populated the entry while we waited.
		val, ok, err = store.Get[T](ctx, c.store, key)
		if err != nil || ok {
			return err
		}
		val, err = fetch(ctx)
		if err != nil {
			return fmt.Errorf("failed to resolve options: %w", err)
		}
		ttl := c.defaultTTL
		if p.SearchValue != "" {
			ttl = c.searchTTL
		}
		if perr := c.store.Put(ctx, key, val, ttl); perr != nil {
			return perr
		}
		c.logger.Debug("populated", "key", key, "ttl", ttl)
		return nil
	})
	if lerr != nil {
		var zero T
		return zero, lerr
	}
	return val, nil
}

func hashJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Unserializable inputs still need a deterministic identity.
		return hash(fmt.Sprintf("%v", v))
	}
	return hash(string(b))
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
