// Package dedicated answers whether a platform is entitled to a dedicated
// worker pool. The entitlement lives in the relational platform plan store,
// this package caches the boolean in the distributed store so the dispatch
// hot path avoids a database round trip. The community edition uses the
// Disabled implementation which never touches the store or the database.
package dedicated

import (
	"context"
	"fmt"

	"github.com/flowkit/dispatch/dispatch"
	"github.com/flowkit/dispatch/store"
)

type (
	// WorkerConfig describes a platform's dedicated worker pool.
	WorkerConfig struct {
		// Count is the number of dedicated workers.
		Count int `json:"count"`
		// Size is the worker machine size, if specified.
		Size string `json:"size,omitempty"`
	}

	// PlanStore is the relational platform plan lookup, an external
	// collaborator of this module.
	PlanStore interface {
		// FindPlatformsWithDedicatedWorkers returns the ids of all platforms
		// with a non-null dedicated worker config.
		FindPlatformsWithDedicatedWorkers(ctx context.Context) ([]string, error)
		// PlatformWorkerConfig returns the dedicated worker config of the
		// given platform, nil if the platform has none.
		PlatformWorkerConfig(ctx context.Context, platformID string) (*WorkerConfig, error)
	}

	// Directory answers dedicated worker entitlement questions.
	Directory interface {
		// PlatformIDs returns the ids of all platforms with dedicated
		// workers and warms the cache for each, intended to run once at
		// startup.
		PlatformIDs(ctx context.Context) ([]string, error)
		// Enabled reports whether the given platform has dedicated workers.
		// A cache miss falls back to the plan store and caches the result,
		// negative answers included.
		Enabled(ctx context.Context, platformID string) (bool, error)
		// Config returns the dedicated worker config of the given platform.
		// It always reads the plan store, config is read rarely and must be
		// fresh.
		Config(ctx context.Context, platformID string) (*WorkerConfig, error)
		// Invalidate drops the cached entitlement of the given platform.
		Invalidate(ctx context.Context, platformID string) error
	}

	// directory is the enterprise implementation.
	directory struct {
		store  *store.Store
		plans  PlanStore
		logger dispatch.Logger
	}

	// disabled is the community implementation, inert by construction.
	disabled struct{}

	// DirectoryOption is a directory creation option.
	DirectoryOption func(*directoryOptions)

	directoryOptions struct {
		logger dispatch.Logger
	}
)

var (
	_ Directory = (*directory)(nil)
	_ Directory = disabled{}
)

// keyPrefix is the prefix used for entitlement cache keys.
const keyPrefix = "platform:dedicated:"

// WithLogger sets the logger used by the directory.
func WithLogger(logger dispatch.Logger) DirectoryOption {
	return func(o *directoryOptions) {
		o.logger = logger
	}
}

// New returns the enterprise directory backed by the given store and plan
// store.
func New(s *store.Store, plans PlanStore, opts ...DirectoryOption) Directory {
	o := directoryOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &directory{store: s, plans: plans, logger: o.logger.WithPrefix("directory", "dedicated")}
}

// Disabled returns the community directory. All methods return empty results
// without touching the store or the database.
func Disabled() Directory {
	return disabled{}
}

func (d *directory) PlatformIDs(ctx context.Context) ([]string, error) {
	ids, err := d.plans.FindPlatformsWithDedicatedWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list platforms with dedicated workers: %w", err)
	}
	entries := make(map[string]any, len(ids))
	for _, id := range ids {
		entries[keyPrefix+id] = true
	}
	if err := d.store.PutMany(ctx, entries); err != nil {
		return nil, err
	}
	d.logger.Info("warmed", "platforms", len(ids))
	return ids, nil
}

func (d *directory) Enabled(ctx context.Context, platformID string) (bool, error) {
	enabled, ok, err := store.Get[bool](ctx, d.store, keyPrefix+platformID)
	if err != nil {
		return false, err
	}
	if ok {
		return enabled, nil
	}
	// A miss is never treated as false without confirming against the
	// source of truth.
	cfg, err := d.plans.PlatformWorkerConfig(ctx, platformID)
	if err != nil {
		return false, fmt.Errorf("failed to look up worker config for platform %q: %w", platformID, err)
	}
	enabled = cfg != nil
	// Cache negative answers too so community platforms do not hammer the
	// database on every dispatch.
	if err := d.store.Put(ctx, keyPrefix+platformID, enabled, 0); err != nil {
		return false, err
	}
	d.logger.Debug("cached", "platform", platformID, "enabled", enabled)
	return enabled, nil
}

func (d *directory) Config(ctx context.Context, platformID string) (*WorkerConfig, error) {
	cfg, err := d.plans.PlatformWorkerConfig(ctx, platformID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up worker config for platform %q: %w", platformID, err)
	}
	return cfg, nil
}

func (d *directory) Invalidate(ctx context.Context, platformID string) error {
	return d.store.Delete(ctx, keyPrefix+platformID)
}

func (disabled) PlatformIDs(_ context.Context) ([]string, error) { return nil, nil }

func (disabled) Enabled(_ context.Context, _ string) (bool, error) { return false, nil }

func (disabled) Config(_ context.Context, _ string) (*WorkerConfig, error) { return nil, nil }

func (disabled) Invalidate(_ context.Context, _ string) error { return nil }
