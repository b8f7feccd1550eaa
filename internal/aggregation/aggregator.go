// Package aggregation rolls location statistics up the hierarchy and projects contamination.
package aggregation

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

const precision = 6

// Aggregator computes the aggregate and contamination fields of locations.
type Aggregator struct {
	store database.Store
	clock clockwork.Clock
}

func NewAggregator(store database.Store, clock clockwork.Clock) *Aggregator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{store: store, clock: clock}
}

// Outcome records which steps of a location recalculation applied.
type Outcome struct {
	ChildValues     bool
	Contamination   bool
	PositiveChilds  bool
	DataIncomplete  bool
	NoLongerUpdated bool
}

// Recalculate runs child rollup (or direct contamination for leaves), falls back to the
// statistic projection when neither applied, and sets the lifecycle flags on loc. loc is left unchanged when a step fails.
func (a *Aggregator) Recalculate(ctx context.Context, tx database.TxHandle, loc *database.Location) (Outcome, error) {
	var out Outcome
	work := *loc

	var err error
	if work.Type.IsLeaf() {
		if out.Contamination, err = a.CalculateContamination(ctx, tx, &work); err != nil {
			return Outcome{}, err
		}
	} else if out.ChildValues, err = a.CalculateChildValues(ctx, tx, &work); err != nil {
		return Outcome{}, err
	}

	// The subtree statistic only stands in for locations without their own series or children.
	if !out.Contamination && !out.ChildValues {
		if out.PositiveChilds, err = a.CalculatePositiveChilds(ctx, tx, &work); err != nil {
			return Outcome{}, err
		}
	}

	now := a.clock.Now()
	out.DataIncomplete = AutosetDataIncompleteFlag(&work, now)
	out.NoLongerUpdated = AutosetNoLongerUpdatedFlag(&work, now)

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	*loc = work
	return out, nil
}

func round(d decimal.Decimal) float64 {
	return d.Round(precision).InexactFloat64()
}
