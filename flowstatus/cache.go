// Package flowstatus caches the status of flows so dispatch eligibility
// checks avoid a database round trip. The cache is not the source of truth,
// the owning service refreshes it synchronously whenever a flow status
// changes. Entries carry no TTL, staleness is bounded by the write path.
package flowstatus

import (
	"context"
	"fmt"

	"github.com/flowkit/dispatch/dispatch"
	"github.com/flowkit/dispatch/store"
)

type (
	// Status is the cached flow status.
	Status string

	// Flow pairs a flow id with its status, used for bulk writes.
	Flow struct {
		ID     string
		Status Status
	}

	// Cache is a write-through cache of flow id to status.
	Cache struct {
		store  *store.Store
		logger dispatch.Logger
	}

	// CacheOption is a cache creation option.
	CacheOption func(*cacheOptions)

	cacheOptions struct {
		logger dispatch.Logger
	}
)

const (
	// StatusEnabled marks a flow eligible for dispatch.
	StatusEnabled Status = "ENABLED"
	// StatusDisabled marks a flow ineligible for dispatch.
	StatusDisabled Status = "DISABLED"
	// StatusDeleted marks a soft deleted flow. This status exists only in
	// the cache, the system of record has no such value, it lets dispatch
	// short-circuit without a database hit.
	StatusDeleted Status = "DELETED"
)

// keyPrefix is the prefix used for flow status keys.
const keyPrefix = "flow:status:"

// WithLogger sets the logger used by the cache.
func WithLogger(logger dispatch.Logger) CacheOption {
	return func(o *cacheOptions) {
		o.logger = logger
	}
}

// New returns a cache backed by the given store.
func New(s *store.Store, opts ...CacheOption) *Cache {
	o := cacheOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache{store: s, logger: o.logger.WithPrefix("cache", "flowstatus")}
}

// SetStatus writes the status of a single flow unconditionally.
func (c *Cache) SetStatus(ctx context.Context, flowID string, status Status) error {
	if !status.valid() {
		return fmt.Errorf("invalid flow status %q for flow %q", status, flowID)
	}
	if err := c.store.Put(ctx, keyPrefix+flowID, status, 0); err != nil {
		return err
	}
	c.logger.Debug("set", "flow", flowID, "status", status)
	return nil
}

// SetStatuses writes the statuses of all given flows in a single round trip.
// Used by the boot time backfill migration.
func (c *Cache) SetStatuses(ctx context.Context, flows []Flow) error {
	entries := make(map[string]any, len(flows))
	for _, f := range flows {
		if !f.Status.valid() {
			return fmt.Errorf("invalid flow status %q for flow %q", f.Status, f.ID)
		}
		entries[keyPrefix+f.ID] = f.Status
	}
	if err := c.store.PutMany(ctx, entries); err != nil {
		return err
	}
	c.logger.Debug("set many", "count", len(flows))
	return nil
}

// Status returns the cached status of the given flow. The second return value
// is false if the flow was never cached. A corrupt entry is treated as absent
// so the caller falls back to the source of truth.
func (c *Cache) Status(ctx context.Context, flowID string) (Status, bool, error) {
	status, ok, err := store.Get[Status](ctx, c.store, keyPrefix+flowID)
	if err != nil {
		c.logger.Error(fmt.Errorf("treating corrupt status as absent: %w", err), "flow", flowID)
		return "", false, nil
	}
	if !ok || !status.valid() {
		return "", false, nil
	}
	return status, true, nil
}

// Delete removes the cached statuses of the given flows.
func (c *Cache) Delete(ctx context.Context, flowIDs ...string) error {
	keys := make([]string, len(flowIDs))
	for i, id := range flowIDs {
		keys[i] = keyPrefix + id
	}
	return c.store.Delete(ctx, keys...)
}

func (s Status) valid() bool {
	switch s {
	case StatusEnabled, StatusDisabled, StatusDeleted:
		return true
	}
	return false
}
