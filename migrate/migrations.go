package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/flowkit/dispatch/flowstatus"
	"github.com/flowkit/dispatch/queue"
	"github.com/flowkit/dispatch/store"
)

type (
	// FlowSource is the relational flow lookup, an external collaborator
	// consumed once at boot by the refill migration.
	FlowSource interface {
		// ListFlows returns the id and status of every flow.
		ListFlows(ctx context.Context) ([]flowstatus.Flow, error)
	}

	// refillFlowStatuses backfills the flow status cache from the system of
	// record.
	refillFlowStatuses struct {
		flows FlowSource
		cache *flowstatus.Cache
	}

	// expireRunMetadata puts a bounded grace period on stale run metadata
	// keys instead of deleting them outright. Re-expiring an already
	// expiring key is harmless, which keeps the migration idempotent.
	expireRunMetadata struct {
		store   *store.Store
		pattern string
		grace   time.Duration
	}

	// drainLegacyQueue moves the pending jobs of a deprecated queue into
	// the throttled job queue with the low priority marker, then destroys
	// the old queue. Re-adding an already moved job is deduplicated by the
	// broker.
	drainLegacyQueue struct {
		legacy *queue.Queue
		router *queue.Router
	}
)

// NewRefillFlowStatuses returns the migration that backfills the flow status
// cache from the given source.
func NewRefillFlowStatuses(flows FlowSource, cache *flowstatus.Cache) Migration {
	return &refillFlowStatuses{flows: flows, cache: cache}
}

func (m *refillFlowStatuses) Name() string { return "refill-flow-statuses" }

func (m *refillFlowStatuses) Run(ctx context.Context) error {
	flows, err := m.flows.ListFlows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list flows: %w", err)
	}
	return m.cache.SetStatuses(ctx, flows)
}

// NewExpireRunMetadata returns the migration that expires the keys matching
// pattern after the given grace period.
func NewExpireRunMetadata(s *store.Store, pattern string, grace time.Duration) Migration {
	return &expireRunMetadata{store: s, pattern: pattern, grace: grace}
}

func (m *expireRunMetadata) Name() string { return "expire-run-metadata" }

func (m *expireRunMetadata) Run(ctx context.Context) error {
	keys, err := m.store.ScanKeys(ctx, m.pattern)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.store.Expire(ctx, key, m.grace); err != nil {
			return err
		}
	}
	return nil
}

// NewDrainLegacyQueue returns the migration that drains the given deprecated
// queue into the throttled job queue and destroys it.
func NewDrainLegacyQueue(legacy *queue.Queue, router *queue.Router) Migration {
	return &drainLegacyQueue{legacy: legacy, router: router}
}

func (m *drainLegacyQueue) Name() string { return "drain-" + m.legacy.Name }

func (m *drainLegacyQueue) Run(ctx context.Context) error {
	for {
		job, ok, err := m.legacy.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		job.Priority = queue.PriorityLow
		if err := m.router.Add(ctx, job); err != nil {
			return err
		}
	}
	return m.legacy.Destroy(ctx)
}
