// Package migrate runs one-shot boot time migrations: cache backfills and
// cleanups of now obsolete keys and queues. Each migration is gated by a
// sentinel key in the distributed store, re-running a completed migration is
// a guaranteed no-op. Two processes racing at boot may both run a migration's
// side effects, every migration is therefore built from individually
// idempotent operations (expire instead of delete, re-add instead of
// duplicate) rather than guarded by a cross-process lock.
package migrate

import (
	"context"
	"fmt"

	"github.com/flowkit/dispatch/dispatch"
	"github.com/flowkit/dispatch/store"
)

type (
	// Migration is a one-shot idempotent procedure.
	Migration interface {
		// Name identifies the migration, it keys the sentinel.
		Name() string
		// Run performs the migration's side effects.
		Run(ctx context.Context) error
	}

	// Runner runs migrations that have not completed yet.
	Runner struct {
		store  *store.Store
		logger dispatch.Logger
	}

	// RunnerOption is a runner creation option.
	RunnerOption func(*runnerOptions)

	runnerOptions struct {
		logger dispatch.Logger
	}
)

// sentinelPrefix is the prefix used for migration sentinel keys.
const sentinelPrefix = "migration:"

// WithLogger sets the logger used by the runner.
func WithLogger(logger dispatch.Logger) RunnerOption {
	return func(o *runnerOptions) {
		o.logger = logger
	}
}

// NewRunner returns a runner backed by the given store.
func NewRunner(s *store.Store, opts ...RunnerOption) *Runner {
	o := runnerOptions{logger: dispatch.NoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Runner{store: s, logger: o.logger.WithPrefix("migrations", "runner")}
}

// Run runs each migration whose sentinel is not set, in order, and sets the
// sentinel last so a partial failure is retried from scratch on next boot.
func (r *Runner) Run(ctx context.Context, migrations ...Migration) error {
	for _, m := range migrations {
		key := sentinelPrefix + m.Name()
		_, done, err := store.Get[bool](ctx, r.store, key)
		if err != nil {
			return err
		}
		if done {
			r.logger.Debug("skipped", "migration", m.Name())
			continue
		}
		r.logger.Info("running", "migration", m.Name())
		if err := m.Run(ctx); err != nil {
			return fmt.Errorf("migration %q failed: %w", m.Name(), err)
		}
		if err := r.store.Put(ctx, key, true, 0); err != nil {
			return err
		}
		r.logger.Info("completed", "migration", m.Name())
	}
	return nil
}
