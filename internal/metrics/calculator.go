package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

const (
	DefaultIncidenceFactor = 100000
	DefaultRSkipDays       = 3

	// precision is the number of decimal places kept on ratio fields.
	precision = 6
)

// Fields reported in FieldIssue.
const (
	FieldRate         = "rate"
	FieldAscension    = "ascension"
	FieldExponence1   = "exponence_1day"
	Field7Day         = "7day"
	Field14Day        = "14day"
	FieldAlert        = "alert_condition"
	FieldReproduction = "reproduction_%dday"
)

var reproductionWindows = []int{4, 7, 14}

// FieldIssue is a failed sub-step of a record calculation.
type FieldIssue struct {
	Field string
	Err   error
}

// Result describes a single record calculation.
type Result struct {
	// Warnings hold sub-steps that lacked history. The fields stay unset.
	Warnings []FieldIssue
	// Errors hold sub-steps that failed for any other reason.
	Errors []FieldIssue
	// VirusFree is the flag the location should carry after this record, if any trigger fired.
	VirusFree *bool
}

func (r *Result) fail(field string, err error) {
	if errors.Is(err, ErrInsufficientHistory) {
		r.Warnings = append(r.Warnings, FieldIssue{Field: field, Err: err})
		return
	}
	r.Errors = append(r.Errors, FieldIssue{Field: field, Err: err})
}

// Calculator derives the rolling indicators of one daily record from its own location's history.
type Calculator struct {
	windows         Windower
	clock           clockwork.Clock
	incidenceFactor decimal.Decimal
	rSkipDays       int
}

func NewCalculator(windows Windower, clock clockwork.Clock, incidenceFactor float64, rSkipDays int) *Calculator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if incidenceFactor <= 0 {
		incidenceFactor = DefaultIncidenceFactor
	}
	if rSkipDays < 0 {
		rSkipDays = DefaultRSkipDays
	}
	return &Calculator{
		windows:         windows,
		clock:           clock,
		incidenceFactor: decimal.NewFromFloat(incidenceFactor),
		rSkipDays:       rSkipDays,
	}
}

// Recalculate recomputes every derived field of rec. Sub-steps run in order
// (rates, ascension, 7-day, 14-day, alert condition, R values) and a failing step
// never stops the ones after it. rec is only modified when the context is still live
// at the end, so a cancelled calculation leaves it untouched.
func (c *Calculator) Recalculate(ctx context.Context, rec *database.DailyRecord) (Result, error) {
	var res Result
	work := *rec
	work.ClearDerived()

	c.rates(&work)

	if err := c.ascension(ctx, &work); err != nil {
		res.fail(FieldAscension, err)
	}

	sum7, err := c.window(ctx, &work, 7)
	if err != nil {
		res.fail(Field7Day, err)
	} else if sum7 > 0 {
		res.VirusFree = boolPtr(false)
	}

	sum14, err := c.window(ctx, &work, 14)
	if err != nil {
		res.fail(Field14Day, err)
	} else if sum14 == 0 {
		res.VirusFree = boolPtr(true)
	}

	// Both windows always take a slot; an unset one averages in as unknown.
	if work.Condition7Day == nil && work.Condition14Day == nil {
		res.fail(FieldAlert, ErrInsufficientHistory)
	} else {
		conditions := []database.Condition{conditionOrUnknown(work.Condition7Day), conditionOrUnknown(work.Condition14Day)}
		if alert, ok := AlertCondition(conditions); ok {
			work.AlertCondition = &alert
		}
	}

	for _, n := range reproductionWindows {
		r, err := c.reproduction(ctx, &work, n)
		if err != nil {
			res.fail(reproductionField(n), err)
			continue
		}
		switch n {
		case 4:
			work.Reproduction4Day = &r
		case 7:
			work.Reproduction7Day = &r
		case 14:
			work.Reproduction14Day = &r
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	now := c.clock.Now().UTC()
	work.FlagCalculated = true
	work.TimestampCalculated = &now
	*rec = work
	return res, nil
}

// rates sets the case and death rates. A zero population yields 0.
func (c *Calculator) rates(rec *database.DailyRecord) {
	pop := decimal.NewFromInt(rec.PopulationUsed)
	hundred := decimal.NewFromInt(100)
	casesRate := ratio(decimal.NewFromInt(rec.Cases).Mul(hundred), pop)
	deathsRate := ratio(decimal.NewFromInt(rec.Deaths).Mul(hundred), pop)
	rec.CasesRate = &casesRate
	rec.DeathsRate = &deathsRate
}

func (c *Calculator) ascension(ctx context.Context, rec *database.DailyRecord) error {
	prev, err := c.windows.ReadWindow(ctx, rec.LocationID, rec.Date, 1, 0)
	if err != nil {
		return err
	}
	yesterday := prev[len(prev)-1]

	casesAsc := rec.Cases - yesterday.Cases
	deathsAsc := rec.Deaths - yesterday.Deaths
	casesPtr := pointerFor(casesAsc)
	deathsPtr := pointerFor(deathsAsc)
	rec.CasesAscension = &casesAsc
	rec.DeathsAscension = &deathsAsc
	rec.CasesPointer = &casesPtr
	rec.DeathsPointer = &deathsPtr

	if base := rec.Cases - casesAsc; base != 0 {
		exp := ratio(decimal.NewFromInt(rec.Cases), decimal.NewFromInt(base))
		rec.Exponence1Day = &exp
	}
	return nil
}

// window fills the n-day sums, exponence, incidence and condition and returns the case sum.
func (c *Calculator) window(ctx context.Context, rec *database.DailyRecord, n int) (int64, error) {
	records, err := c.windows.ReadWindow(ctx, rec.LocationID, dayAfter(rec), n, 0)
	if err != nil {
		return 0, err
	}

	var cases, deaths int64
	for _, r := range records {
		cases += r.Cases
		deaths += r.Deaths
	}

	exponence := ratio(decimal.NewFromInt(rec.Cases).Mul(decimal.NewFromInt(int64(n))), decimal.NewFromInt(cases))
	incidence := ratio(decimal.NewFromInt(cases).Mul(c.incidenceFactor), decimal.NewFromInt(rec.PopulationUsed))
	condition := ConditionFor(incidence)

	switch n {
	case 7:
		rec.Cases7Day, rec.Deaths7Day = &cases, &deaths
		rec.Exponence7Day, rec.Incidence7Day, rec.Condition7Day = &exponence, &incidence, &condition
	case 14:
		rec.Cases14Day, rec.Deaths14Day = &cases, &deaths
		rec.Exponence14Day, rec.Incidence14Day, rec.Condition14Day = &exponence, &incidence, &condition
	}
	return cases, nil
}

// reproduction compares the average of the latest n days (after skipping rSkipDays)
// with the average of the n days before them.
func (c *Calculator) reproduction(ctx context.Context, rec *database.DailyRecord, n int) (float64, error) {
	ref := dayAfter(rec)
	suffix, err := c.windows.ReadWindow(ctx, rec.LocationID, ref, n, c.rSkipDays)
	if err != nil {
		return 0, err
	}
	prefix, err := c.windows.ReadWindow(ctx, rec.LocationID, ref, n, c.rSkipDays+n)
	if err != nil {
		return 0, err
	}
	return ReproductionNumber(suffix, prefix), nil
}

// ReproductionNumber returns avg(suffix.cases) / avg(prefix.cases), or 0 when the prefix average is 0.
func ReproductionNumber(suffix, prefix []database.DailyRecord) float64 {
	if len(suffix) == 0 || len(prefix) == 0 {
		return 0
	}
	return ratio(averageCases(suffix), averageCases(prefix))
}

func averageCases(records []database.DailyRecord) decimal.Decimal {
	var sum int64
	for _, r := range records {
		sum += r.Cases
	}
	return decimal.NewFromInt(sum).Div(decimal.NewFromInt(int64(len(records))))
}

// ratio divides with a zero fallback and rounds to the stored precision.
func ratio(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	return num.Div(den).Round(precision).InexactFloat64()
}

func pointerFor(delta int64) database.Pointer {
	switch {
	case delta > 0:
		return database.PointerAsc
	case delta < 0:
		return database.PointerDesc
	default:
		return database.PointerStandby
	}
}

func dayAfter(rec *database.DailyRecord) time.Time {
	return database.Day(rec.Date).AddDate(0, 0, 1)
}

func reproductionField(n int) string {
	return fmt.Sprintf(FieldReproduction, n)
}

func conditionOrUnknown(c *database.Condition) database.Condition {
	if c == nil {
		return ""
	}
	return *c
}

func boolPtr(b bool) *bool {
	return &b
}
