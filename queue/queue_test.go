package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dtesting "github.com/flowkit/dispatch/testing"
)

func newTestQueue(t *testing.T, ctx context.Context, name string) *Queue {
	t.Helper()
	rdb := dtesting.NewRedisClient(t)
	t.Cleanup(func() {
		cleanup := dtesting.NewRedisClient(t)
		dtesting.CleanupRedis(t, cleanup, false, t.Name())
		cleanup.Close()
	})
	q, err := NewQueue(ctx, name, rdb)
	require.NoError(t, err)
	return q
}

func TestNewQueueInvalidName(t *testing.T) {
	rdb := dtesting.NewRedisClient(t)
	defer rdb.Close()
	_, err := NewQueue(context.Background(), "bad name", rdb)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid queue name")
}

func TestAddAndDequeue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ctx, t.Name())

	data, _ := json.Marshal(map[string]string{"flow": "flow_1"})
	added, err := q.Add(ctx, &Job{ID: "job_1", PlatformID: "plat_1", Data: data})
	require.NoError(t, err)
	assert.True(t, added)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job_1", job.ID)
	assert.Equal(t, "plat_1", job.PlatformID)
	assert.JSONEq(t, string(data), string(job.Data))

	_, ok, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAddDeduplicatesByID(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ctx, t.Name())

	added, err := q.Add(ctx, &Job{ID: "job_1"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Add(ctx, &Job{ID: "job_1"})
	require.NoError(t, err)
	assert.False(t, added, "duplicate ids are deduplicated by the broker")

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Once consumed the id can be enqueued again.
	_, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	added, err = q.Add(ctx, &Job{ID: "job_1"})
	require.NoError(t, err)
	assert.True(t, added)
}

func TestAddRejectsEmptyID(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ctx, t.Name())
	_, err := q.Add(ctx, &Job{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job id cannot be empty")
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ctx, t.Name())

	_, err := q.Add(ctx, &Job{ID: "low_1", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = q.Add(ctx, &Job{ID: "normal_1"})
	require.NoError(t, err)
	_, err = q.Add(ctx, &Job{ID: "normal_2", Priority: PriorityNormal})
	require.NoError(t, err)

	var order []string
	for {
		job, ok, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"normal_1", "normal_2", "low_1"}, order,
		"normal priority jobs drain before low priority ones")
}

func TestPendingIDs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, ctx, t.Name())

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Add(ctx, &Job{ID: id})
		require.NoError(t, err)
	}
	ids, err := q.PendingIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	rdb := dtesting.NewRedisClient(t)
	t.Cleanup(func() {
		cleanup := dtesting.NewRedisClient(t)
		dtesting.CleanupRedis(t, cleanup, false, t.Name())
		cleanup.Close()
	})
	q, err := NewQueue(ctx, t.Name(), rdb)
	require.NoError(t, err)

	_, err = q.Add(ctx, &Job{ID: "job_1"})
	require.NoError(t, err)
	require.NoError(t, q.Destroy(ctx))

	check := dtesting.NewRedisClient(t)
	defer check.Close()
	keys, err := check.Keys(ctx, queueKeyPrefix+t.Name()+":*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)
}
