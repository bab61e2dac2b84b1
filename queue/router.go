package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowkit/dispatch/dedicated"
	"github.com/flowkit/dispatch/dispatch"
	"github.com/flowkit/dispatch/dlock"
	"github.com/flowkit/dispatch/redispool"
)

type (
	// Router routes each job to the shared throttled queue or to the
	// dedicated queue of the job's platform. It maintains one Queue client
	// per routing target. The map is process local, every process keeps its
	// own clients, all pointing at the same logical broker queues.
	Router struct {
		pool        *redispool.Pool
		locker      *dlock.Locker
		dir         dedicated.Directory
		logger      dispatch.Logger
		rootLogger  dispatch.Logger
		metrics     *metrics
		lockTimeout time.Duration

		lock        sync.Mutex
		queues      map[string]*Queue
		initialized bool
	}

	// RouterOption is a router creation option.
	RouterOption func(*routerOptions)

	routerOptions struct {
		logger      dispatch.Logger
		registerer  prometheus.Registerer
		lockTimeout time.Duration
	}

	// Report is the per-platform operational queue report.
	Report struct {
		// QueueName is the queue the platform's jobs route to.
		QueueName string
		// Dedicated reports whether the platform uses a dedicated queue.
		Dedicated bool
		// Pending is the number of pending jobs in that queue.
		Pending int64
	}
)

// SharedQueueName is the name of the shared throttled jobs queue. Jobs with
// no platform id and jobs of platforms without dedicated workers route here.
const SharedQueueName = "throttled_jobs"

// ErrNotInitialized is returned by SharedQueue when Init has not run.
var ErrNotInitialized = errors.New("router not initialized")

// ensureLockPrefix scopes the distributed lock that serializes queue
// creation.
const ensureLockPrefix = "ensure_queue_exists_"

// WithLogger sets the logger used by the router and the queues it creates.
func WithLogger(logger dispatch.Logger) RouterOption {
	return func(o *routerOptions) {
		o.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer the router metrics are
// registered with. The default is a private registry.
func WithRegisterer(reg prometheus.Registerer) RouterOption {
	return func(o *routerOptions) {
		o.registerer = reg
	}
}

// WithEnsureTimeout sets the distributed lock timeout used when creating
// queues. The default is 30s.
func WithEnsureTimeout(d time.Duration) RouterOption {
	return func(o *routerOptions) {
		o.lockTimeout = d
	}
}

// NewRouter returns a router that mints queue connections from the given pool
// and consults the given directory for routing decisions.
func NewRouter(pool *redispool.Pool, locker *dlock.Locker, dir dedicated.Directory, opts ...RouterOption) *Router {
	o := routerOptions{
		logger:      dispatch.NoopLogger(),
		registerer:  prometheus.NewRegistry(),
		lockTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Router{
		pool:        pool,
		locker:      locker,
		dir:         dir,
		logger:      o.logger.WithPrefix("router", "queues"),
		rootLogger:  o.logger,
		metrics:     newMetrics(o.registerer),
		lockTimeout: o.lockTimeout,
		queues:      make(map[string]*Queue),
	}
}

// Init creates the shared queue and the dedicated queue of every entitled
// platform. It is intended to run once at startup, after which SharedQueue
// can be used.
func (r *Router) Init(ctx context.Context) error {
	ids, err := r.dir.PlatformIDs(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(ids)+1)
	names = append(names, SharedQueueName)
	for _, id := range ids {
		names = append(names, DedicatedQueueName(id))
	}
	for _, name := range names {
		if _, err := r.EnsureQueue(ctx, name); err != nil {
			return err
		}
	}
	r.lock.Lock()
	r.initialized = true
	r.lock.Unlock()
	r.logger.Info("initialized", "queues", len(names))
	return nil
}

// QueueName returns the name of the queue the given platform's jobs route
// to. An empty platform id always routes to the shared queue. The result is
// deterministic across processes so every process converges on the same
// broker queue.
func (r *Router) QueueName(ctx context.Context, platformID string) (string, error) {
	if platformID == "" {
		return SharedQueueName, nil
	}
	enabled, err := r.dir.Enabled(ctx, platformID)
	if err != nil {
		return "", err
	}
	if enabled {
		return DedicatedQueueName(platformID), nil
	}
	return SharedQueueName, nil
}

// DedicatedQueueName returns the name of the dedicated queue of the given
// platform.
func DedicatedQueueName(platformID string) string {
	return SharedQueueName + ":" + platformID
}

// EnsureQueue returns the queue with the given name, creating it exactly once
// per process even under concurrent first use. Creation is serialized across
// processes by a distributed lock so the broker level one-time setup runs
// exactly once per queue cluster-wide as well.
func (r *Router) EnsureQueue(ctx context.Context, name string) (*Queue, error) {
	r.lock.Lock()
	if q, ok := r.queues[name]; ok {
		r.lock.Unlock()
		return q, nil
	}
	r.lock.Unlock()

	var queue *Queue
	err := r.locker.RunExclusive(ctx, ensureLockPrefix+name, r.lockTimeout, func(ctx context.Context) error {
		// Another caller may have created the queue while we waited.
		r.lock.Lock()
		if q, ok := r.queues[name]; ok {
			r.lock.Unlock()
			queue = q
			return nil
		}
		r.lock.Unlock()

		rdb, err := r.pool.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("failed to create connection for queue %q: %w", name, err)
		}
		q, err := NewQueue(ctx, name, rdb, WithQueueLogger(r.rootLogger))
		if err != nil {
			rdb.Close()
			return err
		}

		r.lock.Lock()
		r.queues[name] = q
		r.lock.Unlock()
		r.metrics.queuesCreated.Inc()
		r.logger.Info("created", "queue", name)
		queue = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queue, nil
}

// Add routes the job to the proper queue and enqueues it. Duplicate enqueue
// attempts with the same job id are deduplicated by the broker.
func (r *Router) Add(ctx context.Context, job *Job) error {
	name, err := r.QueueName(ctx, job.PlatformID)
	if err != nil {
		return err
	}
	q, err := r.EnsureQueue(ctx, name)
	if err != nil {
		return err
	}
	added, err := q.Add(ctx, job)
	if err != nil {
		return err
	}
	target := "shared"
	if name != SharedQueueName {
		target = "dedicated"
	}
	r.metrics.jobsRouted.WithLabelValues(target).Inc()
	if added {
		r.metrics.jobsEnqueued.WithLabelValues(name).Inc()
	} else {
		r.metrics.jobsDeduplicated.WithLabelValues(name).Inc()
	}
	r.logger.Debug("added", "job", job.ID, "queue", name, "platform", job.PlatformID)
	return nil
}

// Queues returns the queues tracked by this process.
func (r *Router) Queues() []*Queue {
	r.lock.Lock()
	defer r.lock.Unlock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	return queues
}

// SharedQueue returns the shared throttled jobs queue. It fails loudly if the
// router has not been initialized.
func (r *Router) SharedQueue() (*Queue, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	q, ok := r.queues[SharedQueueName]
	if !ok {
		return nil, fmt.Errorf("shared queue missing: %w", ErrNotInitialized)
	}
	return q, nil
}

// Stats reports the routing target and backlog of the given platform, for
// operational tooling.
func (r *Router) Stats(ctx context.Context, platformID string) (*Report, error) {
	name, err := r.QueueName(ctx, platformID)
	if err != nil {
		return nil, err
	}
	q, err := r.EnsureQueue(ctx, name)
	if err != nil {
		return nil, err
	}
	pending, err := q.Len(ctx)
	if err != nil {
		return nil, err
	}
	return &Report{
		QueueName: name,
		Dedicated: name != SharedQueueName,
		Pending:   pending,
	}, nil
}

// Close closes every tracked queue. Individual close failures do not prevent
// the other queues from closing, the errors are collected and returned
// together.
func (r *Router) Close(ctx context.Context) error {
	r.lock.Lock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.queues = make(map[string]*Queue)
	r.initialized = false
	r.lock.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, q := range queues {
		q := q
		wg.Add(1)
		dispatch.Go(ctx, func() {
			defer wg.Done()
			if err := q.Close(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.logger.Info("closed", "queues", len(queues))
	return nil
}
