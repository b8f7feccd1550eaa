// Package recalc drives bulk recalculation of daily records and the location hierarchy.
//
// A batch moves PENDING → RUNNING → COMMITTED, ROLLED_BACK or FAILED. Record and location
// failures are collected into the result and never abort the batch; only failures to
// select the work or to finalize the transaction do.
package recalc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/metrics"
)

// Options tune the numeric parameters and parallelism of a run.
type Options struct {
	IncidenceFactor float64
	RSkipDays       int
	// Workers bounds how many locations are processed concurrently outside a transaction.
	Workers int
}

func DefaultOptions() Options {
	return Options{
		IncidenceFactor: metrics.DefaultIncidenceFactor,
		RSkipDays:       metrics.DefaultRSkipDays,
		Workers:         1,
	}
}

// Batch describes one orchestrated run.
type Batch struct {
	// TransactionName opens a transaction for the run when set.
	TransactionName string
	// Autocommit commits the run's transaction on completion.
	Autocommit bool

	LocationIDs []int64
	Since       *time.Time
	// Force recalculates records already flagged as calculated.
	Force bool
}

// Orchestrator owns at most one open transaction at a time.
type Orchestrator struct {
	store database.Store
	clock clockwork.Clock
	opts  Options

	mu     sync.Mutex
	active *database.TxHandle
}

func New(store database.Store, clock clockwork.Clock, opts Options) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Orchestrator{store: store, clock: clock, opts: opts}
}

// Begin opens a named transaction. It fails fast with database.ErrTransactionConflict
// while another transaction of this orchestrator is open.
func (o *Orchestrator) Begin(ctx context.Context, name string) (database.TxHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return database.TxHandle{}, fmt.Errorf("%w: cannot open %q while %q is open",
			database.ErrTransactionConflict, name, o.active.Name)
	}
	tx, err := o.store.Begin(ctx, name)
	if err != nil {
		return database.TxHandle{}, err
	}
	o.active = &tx
	return tx, nil
}

func (o *Orchestrator) Commit(ctx context.Context, tx database.TxHandle) error {
	return o.finish(ctx, tx, o.store.Commit)
}

func (o *Orchestrator) Rollback(ctx context.Context, tx database.TxHandle) error {
	return o.finish(ctx, tx, o.store.Rollback)
}

func (o *Orchestrator) finish(ctx context.Context, tx database.TxHandle, fn func(context.Context, database.TxHandle) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil || o.active.ID != tx.ID {
		return fmt.Errorf("%w: %s", database.ErrUnknownTransaction, tx.Name)
	}
	o.active = nil
	// The transaction is finished from the store's point of view even if fn fails.
	return fn(context.WithoutCancel(ctx), tx)
}

// Run recalculates the selected records, then rolls their locations and all of their
// ancestors up the hierarchy bottom-up.
func (o *Orchestrator) Run(ctx context.Context, batch Batch) (*RunResult, error) {
	res := &RunResult{State: StatePending, StartedAt: o.clock.Now()}
	defer func() { res.FinishedAt = o.clock.Now() }()

	if batch.TransactionName != "" {
		tx, err := o.Begin(ctx, batch.TransactionName)
		if err != nil {
			res.State = StateFailed
			return res, err
		}
		res.Tx = tx
	}
	res.State = StateRunning

	series, err := o.RecalculateSeries(ctx, SeriesFilter{
		Tx:          res.Tx,
		LocationIDs: batch.LocationIDs,
		Since:       batch.Since,
		Force:       batch.Force,
	})
	res.Series = series
	if err != nil {
		return res, o.abort(ctx, res, err)
	}

	ids := append(append([]int64{}, batch.LocationIDs...), series.Locations...)
	if len(ids) > 0 {
		hierarchy, err := o.RecalculateHierarchy(ctx, HierarchyFilter{
			Tx:               res.Tx,
			Locations:        database.LocationFilter{IDs: ids},
			IncludeAncestors: true,
		})
		res.Hierarchy = hierarchy
		if err != nil {
			return res, o.abort(ctx, res, err)
		}
	} else {
		res.Hierarchy = &HierarchyResult{}
	}

	switch {
	case res.Tx.IsZero():
		res.State = StateCommitted
	case batch.Autocommit:
		if err := o.Commit(ctx, res.Tx); err != nil {
			res.State = StateFailed
			return res, fmt.Errorf("failed to commit %q: %w", res.Tx.Name, err)
		}
		res.State = StateCommitted
	}
	// Otherwise the transaction stays open and the run stays RUNNING until the caller
	// commits or rolls back res.Tx.
	return res, nil
}

func (o *Orchestrator) abort(ctx context.Context, res *RunResult, cause error) error {
	if res.Tx.IsZero() {
		res.State = StateFailed
		return cause
	}
	if err := o.Rollback(ctx, res.Tx); err != nil {
		res.State = StateFailed
		return fmt.Errorf("%w (rollback failed: %v)", cause, err)
	}
	res.State = StateRolledBack
	return cause
}

func (o *Orchestrator) workers(tx database.TxHandle) int {
	// A database transaction is bound to one connection.
	if !tx.IsZero() {
		return 1
	}
	return o.opts.Workers
}
