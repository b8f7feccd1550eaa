package recalc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smukkama/epidemic-metrics/internal/aggregation"
	"github.com/smukkama/epidemic-metrics/internal/database"
)

// HierarchyFilter selects the locations of a hierarchy recalculation.
type HierarchyFilter struct {
	Tx        database.TxHandle
	Locations database.LocationFilter
	// IncludeAncestors adds every ancestor of the selected locations.
	IncludeAncestors bool
}

type locationOutcome struct {
	location database.Location
	err      *DetailedError
}

// RecalculateHierarchy aggregates the selected locations level by level, deepest first,
// so every parent reads children that were already updated in this run. Siblings on
// one level may run in parallel.
func (o *Orchestrator) RecalculateHierarchy(ctx context.Context, filter HierarchyFilter) (*HierarchyResult, error) {
	res := &HierarchyResult{}

	selected, err := o.store.ListLocations(ctx, filter.Tx, filter.Locations)
	if err != nil {
		return res, fmt.Errorf("failed to select locations: %w", err)
	}
	if filter.IncludeAncestors {
		selected, err = o.withAncestors(ctx, filter.Tx, selected, res)
		if err != nil {
			return res, err
		}
	}

	levels := make(map[int][]database.Location)
	maxLevel := -1
	for _, loc := range selected {
		lvl := loc.Type.Level()
		if lvl < 0 {
			res.Total++
			res.Error++
			res.Errors = append(res.Errors, newDetailedError(
				fmt.Errorf("%w: unknown location type %q", database.ErrSchemaViolation, loc.Type), loc.ID, time.Time{}, "location_type"))
			continue
		}
		levels[lvl] = append(levels[lvl], loc)
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	aggregator := aggregation.NewAggregator(o.store, o.clock)
	for lvl := maxLevel; lvl >= 0; lvl-- {
		locs := levels[lvl]
		if len(locs) == 0 {
			continue
		}
		outcomes, err := o.recalculateLevel(ctx, filter.Tx, aggregator, locs)
		for _, out := range outcomes {
			res.Total++
			if out.err != nil {
				res.Error++
				res.Errors = append(res.Errors, *out.err)
				continue
			}
			res.Success++
			res.Locations = append(res.Locations, out.location)
		}
		if err != nil {
			sortDetailed(res.Errors)
			return res, err
		}
	}

	sortDetailed(res.Errors)
	sortDetailed(res.Warnings)
	return res, nil
}

func (o *Orchestrator) recalculateLevel(ctx context.Context, tx database.TxHandle, aggregator *aggregation.Aggregator, locs []database.Location) ([]locationOutcome, error) {
	outcomes := make([]locationOutcome, len(locs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers(tx))
	for i := range locs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			loc := locs[i]
			out := locationOutcome{location: loc}

			if _, err := aggregator.Recalculate(gctx, tx, &loc); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				de := newDetailedError(err, loc.ID, time.Time{}, "")
				out.err = &de
			} else if err := o.store.UpsertLocation(gctx, tx, &loc); err != nil {
				de := newDetailedError(err, loc.ID, time.Time{}, "")
				out.err = &de
			} else {
				out.location = loc
			}

			outcomes[i] = out
			return nil
		})
	}
	err := g.Wait()

	// Locations never reached after cancellation have no outcome.
	done := outcomes[:0]
	for _, out := range outcomes {
		if out.location.ID != 0 {
			done = append(done, out)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].location.ID < done[j].location.ID })
	return done, err
}

// withAncestors extends locs with every ancestor, following parent ids.
func (o *Orchestrator) withAncestors(ctx context.Context, tx database.TxHandle, locs []database.Location, res *HierarchyResult) ([]database.Location, error) {
	seen := make(map[int64]bool, len(locs))
	for _, l := range locs {
		seen[l.ID] = true
	}

	out := append([]database.Location{}, locs...)
	queue := append([]database.Location{}, locs...)
	for len(queue) > 0 {
		loc := queue[0]
		queue = queue[1:]
		if loc.ParentID == nil || seen[*loc.ParentID] {
			continue
		}
		parentID := *loc.ParentID
		seen[parentID] = true

		parent, err := o.store.GetLocation(ctx, tx, parentID)
		if errors.Is(err, database.ErrNotFound) {
			res.Warnings = append(res.Warnings, newDetailedError(
				fmt.Errorf("parent %d of location %d does not exist", parentID, loc.ID), loc.ID, time.Time{}, "parent_id"))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load parent %d: %w", parentID, err)
		}
		out = append(out, *parent)
		queue = append(queue, *parent)
	}
	return out, nil
}
