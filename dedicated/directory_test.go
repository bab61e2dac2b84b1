package dedicated

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkit/dispatch/store"
	dtesting "github.com/flowkit/dispatch/testing"
)

// mockPlanStore is a mock plan store for testing.
type mockPlanStore struct {
	configs     map[string]*WorkerConfig
	findCalls   int32
	configCalls int32
}

func (m *mockPlanStore) FindPlatformsWithDedicatedWorkers(_ context.Context) ([]string, error) {
	atomic.AddInt32(&m.findCalls, 1)
	var ids []string
	for id := range m.configs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *mockPlanStore) PlatformWorkerConfig(_ context.Context, platformID string) (*WorkerConfig, error) {
	atomic.AddInt32(&m.configCalls, 1)
	return m.configs[platformID], nil
}

func newTestDirectory(t *testing.T, plans PlanStore) Directory {
	t.Helper()
	rdb := dtesting.NewRedisClient(t)
	t.Cleanup(func() { dtesting.CleanupRedis(t, rdb, false, t.Name()) })
	return New(store.New(rdb), plans)
}

func TestEnabledCachesPositiveResult(t *testing.T) {
	ctx := context.Background()
	plans := &mockPlanStore{configs: map[string]*WorkerConfig{"plat_1": {Count: 2}}}
	d := newTestDirectory(t, plans)

	enabled, err := d.Enabled(ctx, "plat_1")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&plans.configCalls))

	// Second call hits the cache, no second relational query.
	enabled, err = d.Enabled(ctx, "plat_1")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&plans.configCalls))
}

func TestEnabledCachesNegativeResult(t *testing.T) {
	ctx := context.Background()
	plans := &mockPlanStore{configs: map[string]*WorkerConfig{}}
	d := newTestDirectory(t, plans)

	enabled, err := d.Enabled(ctx, "plat_community")
	require.NoError(t, err)
	assert.False(t, enabled)

	enabled, err = d.Enabled(ctx, "plat_community")
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&plans.configCalls), "false answers are cached too")
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	ctx := context.Background()
	plans := &mockPlanStore{configs: map[string]*WorkerConfig{}}
	d := newTestDirectory(t, plans)

	_, err := d.Enabled(ctx, "plat_1")
	require.NoError(t, err)
	require.NoError(t, d.Invalidate(ctx, "plat_1"))

	// The entitlement changed in the system of record.
	plans.configs["plat_1"] = &WorkerConfig{Count: 4}
	enabled, err := d.Enabled(ctx, "plat_1")
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, int32(2), atomic.LoadInt32(&plans.configCalls))
}

func TestPlatformIDsWarmsCache(t *testing.T) {
	ctx := context.Background()
	plans := &mockPlanStore{configs: map[string]*WorkerConfig{
		"plat_1": {Count: 2},
		"plat_2": {Count: 1},
	}}
	d := newTestDirectory(t, plans)

	ids, err := d.PlatformIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"plat_1", "plat_2"}, ids)

	// Entitlement checks for warmed platforms hit the cache.
	for _, id := range ids {
		enabled, err := d.Enabled(ctx, id)
		require.NoError(t, err)
		assert.True(t, enabled)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&plans.configCalls))
}

func TestConfigAlwaysFresh(t *testing.T) {
	ctx := context.Background()
	plans := &mockPlanStore{configs: map[string]*WorkerConfig{"plat_1": {Count: 2}}}
	d := newTestDirectory(t, plans)

	cfg, err := d.Config(ctx, "plat_1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 2, cfg.Count)

	plans.configs["plat_1"] = &WorkerConfig{Count: 8}
	cfg, err = d.Config(ctx, "plat_1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, 8, cfg.Count, "config reads bypass the cache")
}

func TestDisabledDirectory(t *testing.T) {
	ctx := context.Background()
	d := Disabled()

	ids, err := d.PlatformIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	enabled, err := d.Enabled(ctx, "plat_1")
	require.NoError(t, err)
	assert.False(t, enabled)

	cfg, err := d.Config(ctx, "plat_1")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	assert.NoError(t, d.Invalidate(ctx, "plat_1"))
}
