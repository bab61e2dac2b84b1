// Package queue implements the job dispatch core: broker level queues backed
// by Redis and a router that sends each job to the shared throttled queue or
// to a per-platform dedicated queue based on the platform's entitlement.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowkit/dispatch/dispatch"
)

type (
	// Priority orders jobs within a queue. Low priority jobs are consumed
	// only once no normal priority job is pending.
	Priority string

	// Job is a queued unit of work. The data blob is opaque to this layer.
	Job struct {
		// ID identifies the job. The broker deduplicates enqueue attempts
		// carrying the same id.
		ID string `json:"id"`
		// PlatformID is the tenant the job belongs to, empty for
		// anonymous or system jobs which always route to the shared queue.
		PlatformID string `json:"platformId,omitempty"`
		// Data is the job payload.
		Data json.RawMessage `json:"data,omitempty"`
		// Priority is the job priority, normal when empty.
		Priority Priority `json:"priority,omitempty"`
	}

	// Queue is a client to one named broker queue. Each Queue owns a
	// dedicated Redis connection so blocking queue reads never starve ad hoc
	// commands. All Queue instances with the same name across processes
	// target the same logical broker queue.
	Queue struct {
		// Name of the queue.
		Name string

		rdb        *redis.Client
		logger     dispatch.Logger
		dedupKey   string
		payloadKey string
		pendingKey string
		lowKey     string
		metaKey    string
	}

	// QueueOption is a queue creation option.
	QueueOption func(*queueOptions)

	queueOptions struct {
		logger dispatch.Logger
	}
)

const (
	// PriorityNormal is the default job priority.
	PriorityNormal Priority = "normal"
	// PriorityLow marks jobs consumed only when nothing else is pending,
	// used when draining deprecated queues.
	PriorityLow Priority = "low"
)

// queueKeyPrefix is the prefix used for queue keys.
const queueKeyPrefix = "queue:"

// WithQueueLogger sets the logger used by the queue.
func WithQueueLogger(logger dispatch.Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = logger
	}
}

// NewQueue returns a client to the queue with the given name. The client
// takes ownership of rdb and closes it when the queue is closed. NewQueue
// performs the queue's one-time setup (clearing any legacy global concurrency
// default) and verifies the connection so the returned queue is ready for
// use.
func NewQueue(ctx context.Context, name string, rdb *redis.Client, opts ...QueueOption) (*Queue, error) {
	if !isValidQueueName(name) {
		return nil, fmt.Errorf("not a valid queue name %q", name)
	}
	o := queueOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	q := &Queue{
		Name:       name,
		rdb:        rdb,
		logger:     o.logger.WithPrefix("queue", name),
		dedupKey:   queueKeyPrefix + name + ":ids",
		payloadKey: queueKeyPrefix + name + ":payloads",
		pendingKey: queueKeyPrefix + name + ":pending",
		lowKey:     queueKeyPrefix + name + ":pending:low",
		metaKey:    queueKeyPrefix + name + ":meta",
	}
	for _, script := range []*redis.Script{luaEnqueue, luaDequeue} {
		if err := script.Load(ctx, rdb).Err(); err != nil {
			return nil, fmt.Errorf("queue %q: failed to load Lua scripts: %w", name, err)
		}
	}
	if err := rdb.HDel(ctx, q.metaKey, "concurrency").Err(); err != nil {
		return nil, fmt.Errorf("queue %q: failed to clear concurrency default: %w", name, err)
	}
	q.logger.Debug("ready")
	return q, nil
}

// Add enqueues the job. It returns false if a job with the same id is already
// pending, in which case the queue is left untouched.
func (q *Queue) Add(ctx context.Context, job *Job) (bool, error) {
	if job.ID == "" {
		return false, fmt.Errorf("queue %q: job id cannot be empty", q.Name)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue %q: failed to serialize job %q: %w", q.Name, job.ID, err)
	}
	priority := job.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	res, err := luaEnqueue.Run(ctx, q.rdb,
		[]string{q.dedupKey, q.payloadKey, q.pendingKey, q.lowKey},
		job.ID, payload, string(priority)).Result()
	if err != nil {
		return false, fmt.Errorf("queue %q: failed to enqueue job %q: %w", q.Name, job.ID, err)
	}
	added := res.(int64) == 1
	if added {
		q.logger.Debug("enqueued", "job", job.ID, "priority", priority)
	} else {
		q.logger.Debug("duplicate", "job", job.ID)
	}
	return added, nil
}

// Dequeue pops the oldest pending job. Normal priority jobs drain before low
// priority ones. The second return value is false if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, bool, error) {
	res, err := luaDequeue.Run(ctx, q.rdb,
		[]string{q.dedupKey, q.payloadKey, q.pendingKey, q.lowKey}).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue %q: failed to dequeue: %w", q.Name, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(res.(string)), &job); err != nil {
		return nil, false, fmt.Errorf("queue %q: failed to deserialize job: %w", q.Name, err)
	}
	q.logger.Debug("dequeued", "job", job.ID)
	return &job, true, nil
}

// Len returns the number of pending jobs across both priorities.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	pipe := q.rdb.Pipeline()
	normal := pipe.LLen(ctx, q.pendingKey)
	low := pipe.LLen(ctx, q.lowKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue %q: failed to read length: %w", q.Name, err)
	}
	return normal.Val() + low.Val(), nil
}

// PendingIDs returns the ids of all pending jobs, normal priority first.
func (q *Queue) PendingIDs(ctx context.Context) ([]string, error) {
	pipe := q.rdb.Pipeline()
	normal := pipe.LRange(ctx, q.pendingKey, 0, -1)
	low := pipe.LRange(ctx, q.lowKey, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue %q: failed to list pending jobs: %w", q.Name, err)
	}
	return append(normal.Val(), low.Val()...), nil
}

// Destroy deletes the queue and all its pending jobs from the broker, then
// closes the client. Used when draining deprecated queues.
func (q *Queue) Destroy(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.dedupKey, q.payloadKey, q.pendingKey, q.lowKey, q.metaKey).Err(); err != nil {
		return fmt.Errorf("queue %q: failed to destroy: %w", q.Name, err)
	}
	q.logger.Info("destroyed")
	return q.Close()
}

// Close closes the queue's dedicated connection. Pending jobs remain in the
// broker.
func (q *Queue) Close() error {
	if err := q.rdb.Close(); err != nil {
		return fmt.Errorf("queue %q: failed to close connection: %w", q.Name, err)
	}
	return nil
}

// queueNameRegex matches valid queue names.
var queueNameRegex = regexp.MustCompile(`^[^ \0\*\?\[\]]{1,512}$`)

func isValidQueueName(name string) bool {
	return queueNameRegex.MatchString(name)
}
