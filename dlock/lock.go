// Package dlock implements a Redis backed mutual exclusion primitive keyed by
// a string. At most one holder runs the protected function per key at a time,
// across every process sharing the Redis server. Callers that intend to
// populate a cache must re-check the cache inside the protected function,
// another caller may have populated it while they waited.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/flowkit/dispatch/dispatch"
)

type (
	// Locker acquires and releases named locks.
	Locker struct {
		rdb           *redis.Client
		logger        dispatch.Logger
		retryInterval time.Duration
		releaseScript *redis.Script
	}

	// LockerOption is a locker creation option.
	LockerOption func(*lockerOptions)

	lockerOptions struct {
		logger        dispatch.Logger
		retryInterval time.Duration
	}
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// timeout. Callers should retry the whole operation or surface a temporarily
// unavailable error, never proceed without the lock.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// keyPrefix is the prefix used for lock keys.
const keyPrefix = "lock:"

// WithLogger sets the logger used by the locker.
func WithLogger(logger dispatch.Logger) LockerOption {
	return func(o *lockerOptions) {
		o.logger = logger
	}
}

// WithRetryInterval sets the base interval between acquisition attempts. The
// default is 50ms. This option is mostly useful for testing.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(o *lockerOptions) {
		o.retryInterval = d
	}
}

// NewLocker returns a locker backed by the given Redis client.
func NewLocker(ctx context.Context, rdb *redis.Client, opts ...LockerOption) (*Locker, error) {
	o := lockerOptions{logger: dispatch.NoopLogger(), retryInterval: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	if err := luaRelease.Load(ctx, rdb).Err(); err != nil {
		return nil, fmt.Errorf("failed to load lock release script: %w", err)
	}
	return &Locker{
		rdb:           rdb,
		logger:        o.logger.WithPrefix("locker", "redis"),
		retryInterval: o.retryInterval,
		releaseScript: luaRelease,
	}, nil
}

// RunExclusive acquires the lock named key, runs fn and releases the lock on
// every exit path including errors and panics. The timeout bounds both the
// wait for the lock and the lock expiry, it must exceed the expected latency
// of fn so a slow holder is not treated as dead while still running. If the
// lock cannot be acquired within the timeout RunExclusive returns
// ErrLockTimeout without running fn.
func (l *Locker) RunExclusive(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer l.release(key, token)
	return fn(ctx)
}

// acquire attempts to take the lock until the timeout elapses. It returns the
// fencing token stored under the lock key.
func (l *Locker) acquire(ctx context.Context, key string, timeout time.Duration) (string, error) {
	token := ulid.Make().String()
	lockKey := keyPrefix + key
	deadline := time.Now().Add(timeout)
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, timeout).Result()
		if err != nil {
			return "", fmt.Errorf("failed to acquire lock %q: %w", key, err)
		}
		if ok {
			l.logger.Debug("acquired", "key", key, "timeout", timeout)
			return token, nil
		}
		if time.Now().After(deadline) {
			l.logger.Debug("timeout", "key", key)
			return "", fmt.Errorf("lock %q: %w", key, ErrLockTimeout)
		}
		// Jitter the retry so competing callers do not retry in lockstep.
		wait := l.retryInterval + time.Duration(rand.Int63n(int64(l.retryInterval)))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// release deletes the lock if it still holds the token. Release failures are
// logged, the lock expiry bounds how long a stale lock can block others.
func (l *Locker) release(key, token string) {
	ctx := context.Background()
	if err := l.releaseScript.Run(ctx, l.rdb, []string{keyPrefix + key}, token).Err(); err != nil && err != redis.Nil {
		l.logger.Error(fmt.Errorf("failed to release lock %q: %w", key, err))
		return
	}
	l.logger.Debug("released", "key", key)
}
