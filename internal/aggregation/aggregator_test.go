package aggregation

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

var now = time.Date(2021, time.June, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func upsertLocations(t *testing.T, store database.Store, locs ...database.Location) {
	t.Helper()
	for i := range locs {
		require.NoError(t, store.UpsertLocation(context.Background(), database.TxHandle{}, &locs[i]))
	}
}

func newTestAggregator(store database.Store) *Aggregator {
	return NewAggregator(store, clockwork.NewFakeClockAt(now))
}

func TestCalculateChildValues_SumAndAverage(t *testing.T) {
	store := database.NewMemoryStore()
	upsertLocations(t, store,
		database.Location{ID: 1, Type: database.LocationTypeCountry, Name: "Country"},
		database.Location{ID: 2, ParentID: ptr(int64(1)), Type: database.LocationTypeState, Population: 100, AverageCasesPerDay: 1, MedianAge: ptr(30.0)},
		database.Location{ID: 3, ParentID: ptr(int64(1)), Type: database.LocationTypeState, Population: 200, AverageCasesPerDay: 2},
		database.Location{ID: 4, ParentID: ptr(int64(1)), Type: database.LocationTypeState, Population: 300, AverageCasesPerDay: 3, MedianAge: ptr(40.0)},
		// Not one level below the country, so it must be ignored.
		database.Location{ID: 5, ParentID: ptr(int64(1)), Type: database.LocationTypeDistrict, Population: 9999, AverageCasesPerDay: 50},
	)

	country, err := store.GetLocation(context.Background(), database.TxHandle{}, 1)
	require.NoError(t, err)

	applied, err := newTestAggregator(store).CalculateChildValues(context.Background(), database.TxHandle{}, country)
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, int64(600), country.Population)
	assert.Equal(t, 2.0, country.AverageCasesPerDay)
	assert.Equal(t, int64(3), country.ChildCount)
	require.NotNil(t, country.MedianAge)
	assert.Equal(t, 35.0, *country.MedianAge)
	assert.Nil(t, country.LifeExpectancy)
}

func TestCalculateChildValues_LeafAndChildless(t *testing.T) {
	store := database.NewMemoryStore()
	agg := newTestAggregator(store)

	leaf := &database.Location{ID: 7, Type: database.LocationTypeLocation, Population: 5}
	applied, err := agg.CalculateChildValues(context.Background(), database.TxHandle{}, leaf)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(5), leaf.Population)

	lonely := &database.Location{ID: 8, Type: database.LocationTypeState, Population: 12}
	applied, err = agg.CalculateChildValues(context.Background(), database.TxHandle{}, lonely)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(12), lonely.Population)
}

func TestCalculateContamination_FromRecords(t *testing.T) {
	store := database.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		rec := database.DailyRecord{LocationID: 9, Date: now.AddDate(0, 0, -i), Cases: 10, Deaths: 1, PopulationUsed: 1000}
		require.NoError(t, store.UpsertRecord(ctx, database.TxHandle{}, &rec))
	}
	deleted := database.DailyRecord{LocationID: 9, Date: now.AddDate(0, 0, -20), Cases: 5000, PopulationUsed: 1000, Deleted: true}
	require.NoError(t, store.UpsertRecord(ctx, database.TxHandle{}, &deleted))

	loc := &database.Location{ID: 9, Type: database.LocationTypeLocation, PopulationDensity: 5}
	applied, err := newTestAggregator(store).CalculateContamination(ctx, database.TxHandle{}, loc)
	require.NoError(t, err)
	require.True(t, applied)

	assert.Equal(t, int64(100), loc.CasesTotal)
	assert.Equal(t, int64(10), loc.ContaminationRuntime)
	assert.Equal(t, 10.0, loc.AverageCasesPerDay)
	assert.Equal(t, 70.0, loc.AverageCasesPerWeek)
	assert.Equal(t, 300.0, loc.AverageCasesPerMonth)
	assert.Equal(t, 3650.0, loc.AverageCasesPerYear)
	assert.Equal(t, 1.0, loc.AverageDeathsPerDay)
	assert.Equal(t, 10.0, loc.ContaminationValue)
	assert.Equal(t, 2.0, loc.InfectionDensity)

	// 1000 / 10 * 86400 * 0.1 seconds is ten days.
	require.NotNil(t, loc.ContaminationTarget)
	assert.Equal(t, time.Date(2021, time.June, 11, 0, 0, 0, 0, time.UTC), *loc.ContaminationTarget)
}

func TestCalculateContamination_NonLeaf(t *testing.T) {
	applied, err := newTestAggregator(database.NewMemoryStore()).
		CalculateContamination(context.Background(), database.TxHandle{}, &database.Location{ID: 1, Type: database.LocationTypeState})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyContamination_NoCasesProjectsOneYear(t *testing.T) {
	loc := &database.Location{ID: 1, Type: database.LocationTypeLocation, HumanDevelopmentIndex: ptr(0.9)}
	ApplyContamination(loc, ContaminationInput{Days: 0, PopulationAverage: 0}, now)

	assert.Equal(t, 0.0, loc.AverageCasesPerDay)
	assert.Equal(t, 0.0, loc.ContaminationValue)
	assert.Equal(t, 0.0, loc.InfectionDensity)
	require.NotNil(t, loc.ContaminationTarget)
	assert.Equal(t, time.Date(2022, time.June, 1, 0, 0, 0, 0, time.UTC), *loc.ContaminationTarget)
}

func TestApplyContamination_UsesHumanDevelopmentIndex(t *testing.T) {
	loc := &database.Location{ID: 1, Type: database.LocationTypeLocation, HumanDevelopmentIndex: ptr(0.5)}
	// 100 cases over 10 days, population 200: 200 / 10 * 86400 * 0.5 seconds = 10 days.
	ApplyContamination(loc, ContaminationInput{CasesTotal: 100, Days: 10, PopulationAverage: 200}, now)

	assert.Equal(t, 50.0, loc.ContaminationValue)
	assert.Equal(t, time.Date(2021, time.June, 11, 0, 0, 0, 0, time.UTC), *loc.ContaminationTarget)
}

func TestAddSeconds_ProjectionCap(t *testing.T) {
	limit := now.AddDate(0, 0, maxProjectionDays)

	assert.Equal(t, limit, addSeconds(now, maxProjectionDays*secondsPerDay))
	assert.Equal(t, limit.Add(12*time.Hour), addSeconds(now, (maxProjectionDays+0.5)*secondsPerDay),
		"a partial day past the limit is still added")
	assert.Equal(t, limit, addSeconds(now, (maxProjectionDays+1)*secondsPerDay))
	assert.Equal(t, limit, addSeconds(now, 1e300))
}

func TestApplyContamination_CapsFarProjection(t *testing.T) {
	loc := &database.Location{ID: 1, Type: database.LocationTypeLocation, HumanDevelopmentIndex: ptr(1.0)}
	// 1 case over 1000 days against a trillion people is 1e15 days away.
	ApplyContamination(loc, ContaminationInput{CasesTotal: 1, Days: 1000, PopulationAverage: 1e12}, now)

	require.NotNil(t, loc.ContaminationTarget)
	assert.Equal(t, database.Day(now.AddDate(0, 0, maxProjectionDays)), *loc.ContaminationTarget)
}

func TestCalculatePositiveChilds(t *testing.T) {
	store := database.NewMemoryStore()
	store.SetStatistic(database.LocationStatistic{LocationID: 3, CasesTotal: 40, DeathsTotal: 4, RecoveredTotal: 20, Days: 4})
	agg := newTestAggregator(store)

	loc := &database.Location{ID: 3, Type: database.LocationTypeState, Population: 400}
	applied, err := agg.CalculatePositiveChilds(context.Background(), database.TxHandle{}, loc)
	require.NoError(t, err)
	require.True(t, applied)
	assert.Equal(t, 10.0, loc.AverageCasesPerDay)
	assert.Equal(t, 5.0, loc.AverageRecoveredPerDay)
	assert.Equal(t, 10.0, loc.ContaminationValue)

	other := &database.Location{ID: 4, Type: database.LocationTypeState}
	applied, err = agg.CalculatePositiveChilds(context.Background(), database.TxHandle{}, other)
	require.NoError(t, err)
	assert.False(t, applied)
}

func completeLocation() *database.Location {
	return &database.Location{
		ID:                    1,
		Type:                  database.LocationTypeCountry,
		Name:                  "Germany",
		GeoID:                 ptr("DE"),
		CountryCode:           ptr("DEU"),
		Continent:             ptr("Europe"),
		Population:            83000000,
		PopulationDensity:     237,
		MedianAge:             ptr(46.6),
		Aged65Older:           ptr(21.4),
		Aged70Older:           ptr(15.9),
		LifeExpectancy:        ptr(81.3),
		HumanDevelopmentIndex: ptr(0.947),
	}
}

func TestAutosetDataIncompleteFlag(t *testing.T) {
	loc := completeLocation()
	assert.Empty(t, MissingFields(loc))
	assert.False(t, AutosetDataIncompleteFlag(loc, now), "complete location stays unflagged")

	loc.MedianAge = nil
	loc.GeoID = ptr(" ")
	assert.Equal(t, []string{"geo_id", "median_age"}, MissingFields(loc))

	assert.True(t, AutosetDataIncompleteFlag(loc, now))
	assert.True(t, loc.FlagDataIncomplete)
	require.NotNil(t, loc.TimestampDataIncomplete)
	first := *loc.TimestampDataIncomplete

	assert.False(t, AutosetDataIncompleteFlag(loc, now.Add(time.Hour)), "no rewrite without transition")
	assert.Equal(t, first, *loc.TimestampDataIncomplete)

	loc.MedianAge = ptr(40.0)
	loc.GeoID = ptr("DE")
	assert.True(t, AutosetDataIncompleteFlag(loc, now))
	assert.False(t, loc.FlagDataIncomplete)
}

func TestAutosetNoLongerUpdatedFlag(t *testing.T) {
	loc := &database.Location{ID: 1, Type: database.LocationTypeLocation}
	assert.False(t, AutosetNoLongerUpdatedFlag(loc, now), "no dataset yet")

	loc.TimestampLastDataset = ptr(now.Add(-23 * time.Hour))
	assert.False(t, AutosetNoLongerUpdatedFlag(loc, now))

	loc.TimestampLastDataset = ptr(now.Add(-25 * time.Hour))
	assert.True(t, AutosetNoLongerUpdatedFlag(loc, now))
	assert.True(t, loc.FlagNoLongerUpdated)
	assert.False(t, AutosetNoLongerUpdatedFlag(loc, now), "already flagged")

	loc.TimestampLastDataset = ptr(now.Add(48 * time.Hour))
	assert.True(t, AutosetNoLongerUpdatedFlag(loc, now), "future timestamps are not stale")
	assert.False(t, loc.FlagNoLongerUpdated)
}

func TestSetVirusFree(t *testing.T) {
	loc := &database.Location{ID: 1, Type: database.LocationTypeLocation}

	assert.True(t, SetVirusFree(loc, true, now))
	require.NotNil(t, loc.TimestampVirusFree)
	assert.Equal(t, now, *loc.TimestampVirusFree)

	assert.False(t, SetVirusFree(loc, true, now.Add(time.Hour)))
	assert.Equal(t, now, *loc.TimestampVirusFree, "timestamp is not rewritten")

	assert.True(t, SetVirusFree(loc, false, now.Add(2*time.Hour)))
	require.NotNil(t, loc.TimestampVirusBack)
	assert.Equal(t, now.Add(2*time.Hour), *loc.TimestampVirusBack)
}

func TestRecalculate_LeafRunsContaminationAndFlags(t *testing.T) {
	store := database.NewMemoryStore()
	rec := database.DailyRecord{LocationID: 1, Date: now, Cases: 3, PopulationUsed: 300}
	require.NoError(t, store.UpsertRecord(context.Background(), database.TxHandle{}, &rec))

	loc := completeLocation()
	loc.Type = database.LocationTypeLocation
	loc.TimestampLastDataset = ptr(now.AddDate(0, 0, -3))

	out, err := newTestAggregator(store).Recalculate(context.Background(), database.TxHandle{}, loc)
	require.NoError(t, err)
	assert.True(t, out.Contamination)
	assert.False(t, out.ChildValues)
	assert.False(t, out.DataIncomplete)
	assert.True(t, out.NoLongerUpdated)
	assert.Equal(t, 1.0, loc.ContaminationValue)
}

func TestRecalculate_RollupWinsOverStatistic(t *testing.T) {
	store := database.NewMemoryStore()
	upsertLocations(t, store,
		database.Location{ID: 11, ParentID: ptr(int64(10)), Type: database.LocationTypeState, Population: 100, AverageCasesPerDay: 1},
		database.Location{ID: 12, ParentID: ptr(int64(10)), Type: database.LocationTypeState, Population: 200, AverageCasesPerDay: 2},
		database.Location{ID: 13, ParentID: ptr(int64(10)), Type: database.LocationTypeState, Population: 300, AverageCasesPerDay: 3},
	)
	store.SetStatistic(database.LocationStatistic{LocationID: 10, CasesTotal: 50, Days: 5})

	loc := &database.Location{ID: 10, Type: database.LocationTypeCountry}
	out, err := newTestAggregator(store).Recalculate(context.Background(), database.TxHandle{}, loc)
	require.NoError(t, err)

	assert.True(t, out.ChildValues)
	assert.False(t, out.PositiveChilds)
	assert.Equal(t, int64(600), loc.Population)
	assert.Equal(t, 2.0, loc.AverageCasesPerDay)
}

func TestRecalculate_LeafIgnoresStatistic(t *testing.T) {
	store := database.NewMemoryStore()
	for i := 0; i < 4; i++ {
		rec := database.DailyRecord{LocationID: 7, Date: now.AddDate(0, 0, -i), Cases: 2, PopulationUsed: 800}
		require.NoError(t, store.UpsertRecord(context.Background(), database.TxHandle{}, &rec))
	}
	store.SetStatistic(database.LocationStatistic{LocationID: 7, CasesTotal: 90, Days: 3})

	loc := &database.Location{ID: 7, Type: database.LocationTypeLocation, Population: 5000}
	out, err := newTestAggregator(store).Recalculate(context.Background(), database.TxHandle{}, loc)
	require.NoError(t, err)

	assert.True(t, out.Contamination)
	assert.False(t, out.PositiveChilds)
	assert.Equal(t, int64(8), loc.CasesTotal)
	assert.Equal(t, int64(4), loc.ContaminationRuntime)
	assert.Equal(t, 2.0, loc.AverageCasesPerDay)
	assert.Equal(t, 1.0, loc.ContaminationValue, "8 cases per 800 average population_used")
}

func TestRecalculate_ChildlessParentUsesStatistic(t *testing.T) {
	store := database.NewMemoryStore()
	store.SetStatistic(database.LocationStatistic{LocationID: 20, CasesTotal: 40, Days: 4})

	loc := &database.Location{ID: 20, Type: database.LocationTypeDistrict, Population: 400}
	out, err := newTestAggregator(store).Recalculate(context.Background(), database.TxHandle{}, loc)
	require.NoError(t, err)

	assert.False(t, out.ChildValues)
	assert.True(t, out.PositiveChilds)
	assert.Equal(t, 10.0, loc.AverageCasesPerDay)
}
