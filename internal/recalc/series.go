package recalc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smukkama/epidemic-metrics/internal/aggregation"
	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/metrics"
)

// SeriesFilter selects the records of a series recalculation.
type SeriesFilter struct {
	Tx          database.TxHandle
	LocationIDs []int64
	Since       *time.Time
	Force       bool
}

// locationSeries is the outcome of one location's records, merged into the shared result.
type locationSeries struct {
	locationID int64
	success    int
	failed     int
	records    []database.DailyRecord
	errors     []DetailedError
	warnings   []DetailedError
	virusFree  *bool
	alert      *LocationAlert
}

// RecalculateSeries recomputes the derived fields of every selected record. Locations are
// independent and may run in parallel; records of one location run in date order.
// The returned error is only set when the selection failed or the context ended.
func (o *Orchestrator) RecalculateSeries(ctx context.Context, filter SeriesFilter) (*SeriesResult, error) {
	res := &SeriesResult{}

	records, err := o.store.ListRecords(ctx, filter.Tx, database.RecordFilter{
		LocationIDs: filter.LocationIDs,
		Since:       filter.Since,
	})
	if err != nil {
		return res, fmt.Errorf("failed to select records: %w", err)
	}
	res.Total = len(records)

	byLocation := make(map[int64][]database.DailyRecord)
	var order []int64
	for _, rec := range records {
		if rec.FlagCalculated && !filter.Force {
			res.Skipped++
			continue
		}
		if _, seen := byLocation[rec.LocationID]; !seen {
			order = append(order, rec.LocationID)
		}
		byLocation[rec.LocationID] = append(byLocation[rec.LocationID], rec)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	calc := metrics.NewCalculator(
		metrics.NewWindowReader(o.store, filter.Tx),
		o.clock,
		o.opts.IncidenceFactor,
		o.opts.RSkipDays,
	)

	var mu sync.Mutex
	var parts []locationSeries

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers(filter.Tx))
	for _, id := range order {
		id := id
		group := byLocation[id]
		g.Go(func() error {
			part, err := o.recalculateLocationSeries(gctx, filter.Tx, calc, id, group)
			mu.Lock()
			parts = append(parts, part)
			mu.Unlock()
			return err
		})
	}
	waitErr := g.Wait()

	sort.Slice(parts, func(i, j int) bool { return parts[i].locationID < parts[j].locationID })
	for _, p := range parts {
		res.Success += p.success
		res.Error += p.failed
		res.Records = append(res.Records, p.records...)
		res.Errors = append(res.Errors, p.errors...)
		res.Warnings = append(res.Warnings, p.warnings...)
		if p.success > 0 {
			res.Locations = append(res.Locations, p.locationID)
		}
		if p.alert != nil {
			res.LatestAlerts = append(res.LatestAlerts, *p.alert)
		}
	}
	for _, p := range parts {
		if p.virusFree == nil || waitErr != nil || ctx.Err() != nil {
			continue
		}
		changed, err := o.applyVirusFree(ctx, filter.Tx, p.locationID, *p.virusFree)
		if err != nil {
			res.Errors = append(res.Errors, newDetailedError(err, p.locationID, time.Time{}, "virus_free"))
			continue
		}
		if changed {
			res.VirusFreeChanged = append(res.VirusFreeChanged, p.locationID)
		}
	}
	sortDetailed(res.Errors)
	sortDetailed(res.Warnings)

	if waitErr != nil {
		return res, waitErr
	}
	return res, ctx.Err()
}

// recalculateLocationSeries runs compute and persist for each record of one location.
// Only context cancellation is returned as an error; everything else lands in the part.
func (o *Orchestrator) recalculateLocationSeries(ctx context.Context, tx database.TxHandle, calc *metrics.Calculator, locationID int64, records []database.DailyRecord) (locationSeries, error) {
	part := locationSeries{locationID: locationID}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return part, err
		}
		rec := records[i]

		calcRes, err := calc.Recalculate(ctx, &rec)
		if err != nil {
			return part, err
		}
		for _, w := range calcRes.Warnings {
			part.warnings = append(part.warnings, newDetailedError(w.Err, locationID, rec.Date, w.Field))
		}
		if len(calcRes.Errors) > 0 {
			part.failed++
			for _, e := range calcRes.Errors {
				part.errors = append(part.errors, newDetailedError(e.Err, locationID, rec.Date, e.Field))
			}
			continue
		}

		if err := o.store.UpsertRecord(ctx, tx, &rec); err != nil {
			part.failed++
			part.errors = append(part.errors, newDetailedError(err, locationID, rec.Date, ""))
			continue
		}

		part.success++
		part.records = append(part.records, rec)
		if calcRes.VirusFree != nil {
			part.virusFree = calcRes.VirusFree
		}
		if rec.AlertCondition != nil && (part.alert == nil || !rec.Date.Before(part.alert.Date)) {
			part.alert = &LocationAlert{LocationID: locationID, Date: rec.Date, Condition: *rec.AlertCondition}
		}
	}
	return part, nil
}

// applyVirusFree writes the virus-free flag only when it transitions.
func (o *Orchestrator) applyVirusFree(ctx context.Context, tx database.TxHandle, locationID int64, free bool) (bool, error) {
	loc, err := o.store.GetLocation(ctx, tx, locationID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !aggregation.SetVirusFree(loc, free, o.clock.Now()) {
		return false, nil
	}
	if err := o.store.UpsertLocation(ctx, tx, loc); err != nil {
		return false, err
	}
	return true, nil
}
