package redispool

import (
	"context"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowkit/dispatch/dispatch"
)

type (
	// Pool hands out Redis clients built from a single validated Config. Get
	// returns the process-wide shared client, creating it on first use.
	// NewClient mints a fresh independent client for callers that need their
	// own connection, typically queue handles that issue blocking reads and
	// must not share a connection with ad hoc commands.
	Pool struct {
		cfg    Config
		logger dispatch.Logger

		lock   sync.RWMutex
		shared *redis.Client
	}

	// PoolOption is a pool creation option.
	PoolOption func(*poolOptions)

	poolOptions struct {
		logger dispatch.Logger
	}
)

// WithLogger sets the logger used by the pool.
func WithLogger(logger dispatch.Logger) PoolOption {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// NewPool validates the config and returns a new pool. Missing mandatory
// connection parameters fail fast here, not on first use.
func NewPool(cfg Config, opts ...PoolOption) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	o := poolOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool{cfg: cfg, logger: o.logger.WithPrefix("redis", cfg.Host)}, nil
}

// Get returns the shared client, creating it on first call. Concurrent first
// callers observe exactly one construction.
func (p *Pool) Get(ctx context.Context) (*redis.Client, error) {
	p.lock.RLock()
	shared := p.shared
	p.lock.RUnlock()
	if shared != nil {
		return shared, nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	if p.shared != nil {
		return p.shared, nil
	}
	rdb, err := p.cfg.NewClient()
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	p.shared = rdb
	p.logger.Info("connected")
	return p.shared, nil
}

// NewClient always constructs and returns a brand-new client independent of
// the shared one. The caller owns the client and must close it.
func (p *Pool) NewClient(ctx context.Context) (*redis.Client, error) {
	rdb, err := p.cfg.NewClient()
	if err != nil {
		return nil, err
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Close closes the shared client if it was created. Fresh clients returned by
// NewClient are owned by their callers and are not tracked by the pool.
func (p *Pool) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.shared == nil {
		return nil
	}
	err := p.shared.Close()
	p.shared = nil
	return err
}
