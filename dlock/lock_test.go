package dlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dtesting "github.com/flowkit/dispatch/testing"
)

func newTestLocker(t *testing.T, ctx context.Context) *Locker {
	t.Helper()
	rdb := dtesting.NewRedisClient(t)
	t.Cleanup(func() { dtesting.CleanupRedis(t, rdb, false, t.Name()) })
	locker, err := NewLocker(ctx, rdb, WithRetryInterval(5*time.Millisecond))
	require.NoError(t, err)
	return locker
}

func TestRunExclusive(t *testing.T) {
	ctx := context.Background()
	locker := newTestLocker(t, ctx)

	ran := false
	err := locker.RunExclusive(ctx, t.Name(), time.Second, func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRunExclusiveMutualExclusion(t *testing.T) {
	ctx := context.Background()
	locker := newTestLocker(t, ctx)

	var (
		inFlight int32
		maxSeen  int32
		runs     int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.RunExclusive(ctx, t.Name(), 5*time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				if n > atomic.LoadInt32(&maxSeen) {
					atomic.StoreInt32(&maxSeen, n)
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				atomic.AddInt32(&runs, 1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen, "only one caller should hold the lock at a time")
	assert.Equal(t, int32(10), runs)
}

func TestRunExclusiveTimeout(t *testing.T) {
	ctx := context.Background()
	locker := newTestLocker(t, ctx)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = locker.RunExclusive(ctx, t.Name(), 5*time.Second, func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	err := locker.RunExclusive(ctx, t.Name(), 50*time.Millisecond, func(ctx context.Context) error {
		t.Error("protected function should not run on timeout")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
}

func TestRunExclusiveReleasesOnError(t *testing.T) {
	ctx := context.Background()
	locker := newTestLocker(t, ctx)

	boom := errors.New("boom")
	err := locker.RunExclusive(ctx, t.Name(), 5*time.Second, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The lock must be free again immediately.
	err = locker.RunExclusive(ctx, t.Name(), 100*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRunExclusiveReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	locker := newTestLocker(t, ctx)

	assert.Panics(t, func() {
		_ = locker.RunExclusive(ctx, t.Name(), 5*time.Second, func(ctx context.Context) error {
			panic("boom")
		})
	})

	err := locker.RunExclusive(ctx, t.Name(), 100*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestRunExclusiveContextCancellation(t *testing.T) {
	ctx := context.Background()
	locker := newTestLocker(t, ctx)

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = locker.RunExclusive(ctx, t.Name(), 5*time.Second, func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held
	defer close(done)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := locker.RunExclusive(cctx, t.Name(), 5*time.Second, func(ctx context.Context) error {
		t.Error("protected function should not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
