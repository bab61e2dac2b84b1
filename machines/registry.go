// Package machines maintains a directory of worker machine records, one key
// per worker, recording each worker's last heartbeat and an opaque
// information blob. Records have no TTL, absence means never seen or
// explicitly removed. No locking is used, only a worker writes its own id so
// last-writer-wins on concurrent heartbeats is acceptable.
package machines

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/flowkit/dispatch/dispatch"
	"github.com/flowkit/dispatch/store"
)

type (
	// Machine is a worker machine record.
	Machine struct {
		// ID is the worker id.
		ID string
		// CreatedAt is the time of the first heartbeat.
		CreatedAt time.Time
		// UpdatedAt is the time of the most recent heartbeat.
		UpdatedAt time.Time
		// Information is the opaque worker information blob.
		Information json.RawMessage
	}

	// Registry reads and writes worker machine records.
	Registry struct {
		store  *store.Store
		rdb    *redis.Client
		logger dispatch.Logger
	}

	// RegistryOption is a registry creation option.
	RegistryOption func(*registryOptions)

	registryOptions struct {
		logger dispatch.Logger
	}
)

// keyPrefix is the prefix used for machine record keys.
const keyPrefix = "machine:"

// WithLogger sets the logger used by the registry.
func WithLogger(logger dispatch.Logger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// NewRegistry returns a registry backed by the given store.
func NewRegistry(ctx context.Context, s *store.Store, opts ...RegistryOption) (*Registry, error) {
	o := registryOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	rdb := s.Client()
	if err := luaUpsert.Load(ctx, rdb).Err(); err != nil {
		return nil, fmt.Errorf("failed to load machine upsert script: %w", err)
	}
	return &Registry{store: s, rdb: rdb, logger: o.logger.WithPrefix("registry", "machines")}, nil
}

// Upsert records a heartbeat for the given worker. A new record gets
// created == updated == now, an existing record keeps its created timestamp
// and has its information blob overwritten and updated timestamp bumped.
func (r *Registry) Upsert(ctx context.Context, id string, information any) error {
	blob, err := json.Marshal(information)
	if err != nil {
		return fmt.Errorf("failed to serialize information for worker %q: %w", id, err)
	}
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := luaUpsert.Run(ctx, r.rdb, []string{keyPrefix + id}, now, blob).Err(); err != nil {
		return fmt.Errorf("failed to upsert worker %q: %w", id, err)
	}
	r.logger.Debug("upsert", "worker", id)
	return nil
}

// List enumerates all worker records. Corrupt entries are skipped and logged
// rather than aborting the whole scan.
func (r *Registry) List(ctx context.Context) ([]*Machine, error) {
	keys, err := r.store.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read %d worker records: %w", len(keys), err)
	}
	var workers []*Machine
	for i, cmd := range cmds {
		id := strings.TrimPrefix(keys[i], keyPrefix)
		m, err := parseMachine(id, cmd.Val())
		if err != nil {
			r.logger.Error(fmt.Errorf("skipping corrupt worker record: %w", err), "worker", id)
			continue
		}
		workers = append(workers, m)
	}
	return workers, nil
}

// Delete removes the records of the given workers in one call.
func (r *Registry) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	if err := r.store.Delete(ctx, keys...); err != nil {
		return err
	}
	r.logger.Debug("delete", "workers", ids)
	return nil
}

func parseMachine(id string, fields map[string]string) (*Machine, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty record for worker %q", id)
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid created timestamp for worker %q: %w", id, err)
	}
	updated, err := strconv.ParseInt(fields["updated"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid updated timestamp for worker %q: %w", id, err)
	}
	info := fields["information"]
	if !json.Valid([]byte(info)) {
		return nil, fmt.Errorf("invalid information blob for worker %q", id)
	}
	return &Machine{
		ID:          id,
		CreatedAt:   time.Unix(0, created),
		UpdatedAt:   time.Unix(0, updated),
		Information: json.RawMessage(info),
	}, nil
}
