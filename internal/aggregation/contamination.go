package aggregation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

const (
	secondsPerDay = 86400

	// hdiFloor replaces a zero human development index in the projection.
	hdiFloor = 0.1

	// maxProjectionDays bounds contamination_target for locations with almost no cases.
	maxProjectionDays = 1_000_000
)

// ContaminationInput is what the projection needs, regardless of where it was read from.
type ContaminationInput struct {
	CasesTotal        int64
	DeathsTotal       int64
	RecoveredTotal    int64
	Days              int64
	PopulationAverage float64
}

// ApplyContamination writes the per-period averages and the saturation projection onto loc.
func ApplyContamination(loc *database.Location, in ContaminationInput, now time.Time) {
	loc.CasesTotal = in.CasesTotal
	loc.DeathsTotal = in.DeathsTotal
	loc.RecoveredTotal = in.RecoveredTotal
	loc.ContaminationRuntime = in.Days

	casesDay := perDay(in.CasesTotal, in.Days)
	deathsDay := perDay(in.DeathsTotal, in.Days)
	recoveredDay := perDay(in.RecoveredTotal, in.Days)

	loc.AverageCasesPerDay, loc.AverageCasesPerWeek, loc.AverageCasesPerMonth, loc.AverageCasesPerYear = periods(casesDay)
	loc.AverageDeathsPerDay, loc.AverageDeathsPerWeek, loc.AverageDeathsPerMonth, loc.AverageDeathsPerYear = periods(deathsDay)
	loc.AverageRecoveredPerDay, loc.AverageRecoveredPerWeek, loc.AverageRecoveredPerMonth, loc.AverageRecoveredPerYear = periods(recoveredDay)

	population := decimal.NewFromFloat(in.PopulationAverage)

	loc.ContaminationValue = 0
	if in.PopulationAverage > 0 {
		loc.ContaminationValue = round(decimal.NewFromInt(in.CasesTotal).Mul(decimal.NewFromInt(100)).Div(population))
	}

	loc.InfectionDensity = 0
	if loc.PopulationDensity > 0 {
		loc.InfectionDensity = round(casesDay.Div(decimal.NewFromFloat(loc.PopulationDensity)))
	}

	hdi := 0.0
	if loc.HumanDevelopmentIndex != nil {
		hdi = *loc.HumanDevelopmentIndex
	}
	if hdi == 0 {
		hdi = hdiFloor
	}

	seconds := 365.0 * secondsPerDay
	if casesDay.IsPositive() {
		seconds = population.Div(casesDay).
			Mul(decimal.NewFromInt(secondsPerDay)).
			Mul(decimal.NewFromFloat(hdi)).
			InexactFloat64()
	}

	target := database.Day(addSeconds(now, seconds))
	loc.ContaminationTarget = &target
}

func perDay(total, days int64) decimal.Decimal {
	if days <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(total).Div(decimal.NewFromInt(days))
}

func periods(day decimal.Decimal) (d, w, m, y float64) {
	return round(day),
		round(day.Mul(decimal.NewFromInt(7))),
		round(day.Mul(decimal.NewFromInt(30))),
		round(day.Mul(decimal.NewFromInt(365)))
}

// addSeconds adds whole days with the calendar and the remainder as a duration.
func addSeconds(t time.Time, seconds float64) time.Time {
	days := math.Floor(seconds / secondsPerDay)
	if days > maxProjectionDays {
		return t.AddDate(0, 0, maxProjectionDays)
	}
	rest := seconds - days*secondsPerDay
	return t.AddDate(0, 0, int(days)).Add(time.Duration(rest * float64(time.Second)))
}

// CalculateContamination projects a leaf location from its own daily records.
// It returns false for non-leaf locations.
func (a *Aggregator) CalculateContamination(ctx context.Context, tx database.TxHandle, loc *database.Location) (bool, error) {
	if !loc.Type.IsLeaf() {
		return false, nil
	}

	totals, err := a.store.RecordTotals(ctx, tx, loc.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read totals of location %d: %w", loc.ID, err)
	}

	ApplyContamination(loc, ContaminationInput{
		CasesTotal:        totals.Cases,
		DeathsTotal:       totals.Deaths,
		Days:              totals.Days,
		PopulationAverage: totals.PopulationAverage,
	}, a.clock.Now())
	return true, nil
}

// CalculatePositiveChilds projects a location from its precomputed subtree statistic.
// It returns false when no statistic exists for the location.
func (a *Aggregator) CalculatePositiveChilds(ctx context.Context, tx database.TxHandle, loc *database.Location) (bool, error) {
	stat, err := a.store.LocationStatistic(ctx, tx, loc.ID)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read statistic of location %d: %w", loc.ID, err)
	}

	ApplyContamination(loc, ContaminationInput{
		CasesTotal:        stat.CasesTotal,
		DeathsTotal:       stat.DeathsTotal,
		RecoveredTotal:    stat.RecoveredTotal,
		Days:              stat.Days,
		PopulationAverage: float64(loc.Population),
	}, a.clock.Now())
	return true, nil
}
