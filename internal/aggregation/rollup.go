package aggregation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

type reducer int

const (
	reduceCount reducer = iota
	reduceSum
	reduceAvg
)

func (r reducer) String() string {
	switch r {
	case reduceCount:
		return "count"
	case reduceSum:
		return "sum"
	case reduceAvg:
		return "avg"
	}
	return "unknown"
}

// rollupField binds one location column to the reducer applied across children.
// get reports false when the child has no value (nullable columns only).
type rollupField struct {
	name   string
	reduce reducer
	get    func(*database.Location) (decimal.Decimal, bool)
	set    func(*database.Location, decimal.Decimal, bool)
}

// rollupFields is the fixed column → reducer table used for child rollups.
var rollupFields = []rollupField{
	{"uid", reduceCount, nil, func(l *database.Location, v decimal.Decimal, _ bool) { l.ChildCount = v.IntPart() }},

	intField("population", reduceSum, func(l *database.Location) *int64 { return &l.Population }),
	intField("cases_total", reduceSum, func(l *database.Location) *int64 { return &l.CasesTotal }),
	intField("deaths_total", reduceSum, func(l *database.Location) *int64 { return &l.DeathsTotal }),
	intField("recovered_total", reduceSum, func(l *database.Location) *int64 { return &l.RecoveredTotal }),

	floatField("population_density", func(l *database.Location) *float64 { return &l.PopulationDensity }),
	nullableField("median_age", func(l *database.Location) **float64 { return &l.MedianAge }),
	nullableField("aged_65_older", func(l *database.Location) **float64 { return &l.Aged65Older }),
	nullableField("aged_70_older", func(l *database.Location) **float64 { return &l.Aged70Older }),
	nullableField("life_expectancy", func(l *database.Location) **float64 { return &l.LifeExpectancy }),
	nullableField("human_development_index", func(l *database.Location) **float64 { return &l.HumanDevelopmentIndex }),

	floatField("average_cases_per_day", func(l *database.Location) *float64 { return &l.AverageCasesPerDay }),
	floatField("average_cases_per_week", func(l *database.Location) *float64 { return &l.AverageCasesPerWeek }),
	floatField("average_cases_per_month", func(l *database.Location) *float64 { return &l.AverageCasesPerMonth }),
	floatField("average_cases_per_year", func(l *database.Location) *float64 { return &l.AverageCasesPerYear }),
	floatField("average_deaths_per_day", func(l *database.Location) *float64 { return &l.AverageDeathsPerDay }),
	floatField("average_deaths_per_week", func(l *database.Location) *float64 { return &l.AverageDeathsPerWeek }),
	floatField("average_deaths_per_month", func(l *database.Location) *float64 { return &l.AverageDeathsPerMonth }),
	floatField("average_deaths_per_year", func(l *database.Location) *float64 { return &l.AverageDeathsPerYear }),
	floatField("average_recovered_per_day", func(l *database.Location) *float64 { return &l.AverageRecoveredPerDay }),
	floatField("average_recovered_per_week", func(l *database.Location) *float64 { return &l.AverageRecoveredPerWeek }),
	floatField("average_recovered_per_month", func(l *database.Location) *float64 { return &l.AverageRecoveredPerMonth }),
	floatField("average_recovered_per_year", func(l *database.Location) *float64 { return &l.AverageRecoveredPerYear }),

	intField("contamination_runtime", reduceAvg, func(l *database.Location) *int64 { return &l.ContaminationRuntime }),
	floatField("contamination_value", func(l *database.Location) *float64 { return &l.ContaminationValue }),
	floatField("infection_density", func(l *database.Location) *float64 { return &l.InfectionDensity }),
}

func intField(name string, r reducer, ptr func(*database.Location) *int64) rollupField {
	return rollupField{
		name:   name,
		reduce: r,
		get: func(l *database.Location) (decimal.Decimal, bool) {
			return decimal.NewFromInt(*ptr(l)), true
		},
		set: func(l *database.Location, v decimal.Decimal, _ bool) {
			*ptr(l) = v.Round(0).IntPart()
		},
	}
}

func floatField(name string, ptr func(*database.Location) *float64) rollupField {
	return rollupField{
		name:   name,
		reduce: reduceAvg,
		get: func(l *database.Location) (decimal.Decimal, bool) {
			return decimal.NewFromFloat(*ptr(l)), true
		},
		set: func(l *database.Location, v decimal.Decimal, _ bool) {
			*ptr(l) = v.InexactFloat64()
		},
	}
}

func nullableField(name string, ptr func(*database.Location) **float64) rollupField {
	return rollupField{
		name:   name,
		reduce: reduceAvg,
		get: func(l *database.Location) (decimal.Decimal, bool) {
			p := *ptr(l)
			if p == nil {
				return decimal.Zero, false
			}
			return decimal.NewFromFloat(*p), true
		},
		set: func(l *database.Location, v decimal.Decimal, ok bool) {
			if !ok {
				*ptr(l) = nil
				return
			}
			f := v.InexactFloat64()
			*ptr(l) = &f
		},
	}
}

// reduceChildren applies every rollup field across children and writes the results onto parent.
func reduceChildren(parent *database.Location, children []database.Location) {
	for _, f := range rollupFields {
		if f.reduce == reduceCount {
			f.set(parent, decimal.NewFromInt(int64(len(children))), true)
			continue
		}

		sum := decimal.Zero
		n := 0
		for i := range children {
			v, ok := f.get(&children[i])
			if !ok {
				continue
			}
			sum = sum.Add(v)
			n++
		}

		switch f.reduce {
		case reduceSum:
			f.set(parent, sum, true)
		case reduceAvg:
			if n == 0 {
				f.set(parent, decimal.Zero, false)
				continue
			}
			f.set(parent, sum.Div(decimal.NewFromInt(int64(n))).Round(precision), true)
		}
	}
}

// CalculateChildValues rolls the direct children one level below loc up onto loc.
// It returns false without touching loc for leaf locations and locations without children.
func (a *Aggregator) CalculateChildValues(ctx context.Context, tx database.TxHandle, loc *database.Location) (bool, error) {
	childType, ok := loc.Type.ChildType()
	if !ok {
		return false, nil
	}

	children, err := a.store.ListChildren(ctx, tx, loc.ID, childType)
	if err != nil {
		return false, fmt.Errorf("failed to list children of location %d: %w", loc.ID, err)
	}
	if len(children) == 0 {
		return false, nil
	}

	reduceChildren(loc, children)
	return true, nil
}
