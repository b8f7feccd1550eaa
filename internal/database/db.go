package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

const (
	tableRecords     = "daily_records"
	tableLocations   = "locations"
	viewStatistics   = "location_statistics"
	recordConflict   = "location_id, date"
	locationConflict = "id"
	savepointName    = "store_write"
)

var recordWriteColumns = []string{
	"location_id", "date", "cases", "deaths", "population_used", "deleted", "disabled",
	"cases_ascension", "deaths_ascension", "cases_pointer", "deaths_pointer",
	"cases_rate", "deaths_rate",
	"cases_7day", "deaths_7day", "cases_14day", "deaths_14day",
	"exponence_1day", "exponence_7day", "exponence_14day",
	"incidence_7day", "incidence_14day",
	"condition_7day", "condition_14day", "alert_condition",
	"reproduction_4day", "reproduction_7day", "reproduction_14day",
	"flag_calculated", "timestamp_calculated",
}

var locationWriteColumns = []string{
	"id", "parent_id", "location_type", "name",
	"geo_id", "country_code", "continent", "population", "population_density",
	"median_age", "aged_65_older", "aged_70_older", "life_expectancy", "human_development_index",
	"child_count", "cases_total", "deaths_total", "recovered_total",
	"average_cases_per_day", "average_cases_per_week", "average_cases_per_month", "average_cases_per_year",
	"average_deaths_per_day", "average_deaths_per_week", "average_deaths_per_month", "average_deaths_per_year",
	"average_recovered_per_day", "average_recovered_per_week", "average_recovered_per_month", "average_recovered_per_year",
	"contamination_runtime", "contamination_value", "contamination_target", "infection_density",
	"flag_virus_free", "timestamp_virus_free", "timestamp_virus_back",
	"flag_data_incomplete", "timestamp_data_incomplete",
	"flag_no_longer_updated", "timestamp_last_dataset",
}

var statisticColumns = []string{
	"location_id",
	"cases_total", "cases_avg", "cases_max",
	"deaths_total", "deaths_avg", "deaths_max",
	"recovered_total", "recovered_avg", "recovered_max",
	"days",
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type openTx struct {
	handle TxHandle
	tx     *sql.Tx
}

// DB is the PostgreSQL implementation of Store.
type DB struct {
	*sql.DB

	mu     sync.Mutex
	active *openTx
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{DB: db}, nil
}

// builder returns a squirrel statement builder using $n placeholders.
func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (db *DB) querier(tx TxHandle) (querier, error) {
	if tx.IsZero() {
		return db.DB, nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.active == nil || db.active.handle.ID != tx.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, tx.Name)
	}
	return db.active.tx, nil
}

func (db *DB) ReadWindow(ctx context.Context, tx TxHandle, locationID int64, reference time.Time, days, skip int) ([]DailyRecord, error) {
	from, to := windowBounds(reference, days, skip)
	query := builder().
		Select(recordSelectColumns()...).
		From(tableRecords).
		Where(squirrel.Eq{"location_id": locationID, "deleted": false, "disabled": false}).
		Where(squirrel.GtOrEq{"date": from}).
		Where(squirrel.Lt{"date": to}).
		OrderBy("date ASC")

	return db.queryRecords(ctx, tx, "read window", query)
}

func (db *DB) ListRecords(ctx context.Context, tx TxHandle, filter RecordFilter) ([]DailyRecord, error) {
	query := builder().
		Select(recordSelectColumns()...).
		From(tableRecords).
		Where(squirrel.Eq{"deleted": false, "disabled": false}).
		OrderBy("date ASC", "location_id ASC")

	if len(filter.LocationIDs) > 0 {
		query = query.Where(squirrel.Eq{"location_id": filter.LocationIDs})
	}
	if filter.Since != nil {
		query = query.Where(squirrel.GtOrEq{"date": Day(*filter.Since)})
	}
	if filter.OnlyUncalculated {
		query = query.Where(squirrel.Eq{"flag_calculated": false})
	}

	return db.queryRecords(ctx, tx, "list records", query)
}

func (db *DB) queryRecords(ctx context.Context, tx TxHandle, op string, query squirrel.SelectBuilder) ([]DailyRecord, error) {
	q, err := db.querier(tx)
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build %s query: %w", op, err)
	}

	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var records []DailyRecord
	for rows.Next() {
		var rec DailyRecord
		if err := rows.Scan(recordDest(&rec)...); err != nil {
			return nil, wrapErr(op, err)
		}
		records = append(records, rec)
	}
	return records, wrapErr(op, rows.Err())
}

// UpsertRecord inserts or updates a record. update_count and flag_updated only change
// when at least one column differs from the stored row.
func (db *DB) UpsertRecord(ctx context.Context, tx TxHandle, rec *DailyRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	rec.Date = Day(rec.Date)
	return db.write(ctx, tx, "upsert record", func(q querier) error {
		return upsertRecord(ctx, q, rec)
	})
}

func upsertRecord(ctx context.Context, q querier, rec *DailyRecord) error {
	sqlStr, args, err := builder().
		Insert(tableRecords).
		Columns(recordWriteColumns...).
		Values(recordValues(rec)...).
		Suffix(upsertSuffix(tableRecords, recordConflict, recordWriteColumns)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build record upsert: %w", err)
	}

	err = q.QueryRowContext(ctx, sqlStr, args...).Scan(&rec.ID, &rec.UpdateCount, &rec.FlagUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		// Row exists and nothing changed.
		sqlStr, args, err = builder().
			Select("id", "update_count", "flag_updated").
			From(tableRecords).
			Where(squirrel.Eq{"location_id": rec.LocationID, "date": rec.Date}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build record lookup: %w", err)
		}
		err = q.QueryRowContext(ctx, sqlStr, args...).Scan(&rec.ID, &rec.UpdateCount, &rec.FlagUpdated)
	}
	return wrapErr("upsert record", err)
}

func (db *DB) GetLocation(ctx context.Context, tx TxHandle, id int64) (*Location, error) {
	locs, err := db.ListLocations(ctx, tx, LocationFilter{IDs: []int64{id}})
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, ErrNotFound
	}
	return &locs[0], nil
}

func (db *DB) ListLocations(ctx context.Context, tx TxHandle, filter LocationFilter) ([]Location, error) {
	q, err := db.querier(tx)
	if err != nil {
		return nil, err
	}

	query := builder().
		Select(locationSelectColumns()...).
		From(tableLocations).
		OrderBy("id ASC")
	if len(filter.IDs) > 0 {
		query = query.Where(squirrel.Eq{"id": filter.IDs})
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		query = query.Where(squirrel.Eq{"location_type": types})
	}
	if filter.ParentID != nil {
		query = query.Where(squirrel.Eq{"parent_id": *filter.ParentID})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build location query: %w", err)
	}
	rows, err := q.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, wrapErr("list locations", err)
	}
	defer rows.Close()

	var locations []Location
	for rows.Next() {
		var loc Location
		if err := rows.Scan(locationDest(&loc)...); err != nil {
			return nil, wrapErr("list locations", err)
		}
		locations = append(locations, loc)
	}
	return locations, wrapErr("list locations", rows.Err())
}

func (db *DB) ListChildren(ctx context.Context, tx TxHandle, parentID int64, childType LocationType) ([]Location, error) {
	return db.ListLocations(ctx, tx, LocationFilter{
		Types:    []LocationType{childType},
		ParentID: &parentID,
	})
}

func (db *DB) UpsertLocation(ctx context.Context, tx TxHandle, loc *Location) error {
	if err := validateLocation(loc); err != nil {
		return err
	}
	return db.write(ctx, tx, "upsert location", func(q querier) error {
		return upsertLocation(ctx, q, loc)
	})
}

func upsertLocation(ctx context.Context, q querier, loc *Location) error {
	sqlStr, args, err := builder().
		Insert(tableLocations).
		Columns(locationWriteColumns...).
		Values(locationValues(loc)...).
		Suffix(upsertSuffix(tableLocations, locationConflict, locationWriteColumns)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build location upsert: %w", err)
	}

	var id int64
	err = q.QueryRowContext(ctx, sqlStr, args...).Scan(&id, &loc.UpdateCount, &loc.FlagUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		sqlStr, args, err = builder().
			Select("id", "update_count", "flag_updated").
			From(tableLocations).
			Where(squirrel.Eq{"id": loc.ID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("failed to build location lookup: %w", err)
		}
		err = q.QueryRowContext(ctx, sqlStr, args...).Scan(&id, &loc.UpdateCount, &loc.FlagUpdated)
	}
	return wrapErr("upsert location", err)
}

// write runs fn directly outside a transaction. Inside one it runs fn under a savepoint,
// so a failed statement is undone alone and the transaction stays usable.
func (db *DB) write(ctx context.Context, tx TxHandle, op string, fn func(q querier) error) error {
	q, err := db.querier(tx)
	if err != nil {
		return err
	}
	if tx.IsZero() {
		return fn(q)
	}

	if _, err := q.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return wrapErr(op, err)
	}
	if err := fn(q); err != nil {
		if _, rbErr := q.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint failed: %v)", err, rbErr)
		}
		return err
	}
	if _, err := q.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return wrapErr(op, err)
	}
	return nil
}

func (db *DB) RecordTotals(ctx context.Context, tx TxHandle, locationID int64) (RecordTotals, error) {
	q, err := db.querier(tx)
	if err != nil {
		return RecordTotals{}, err
	}

	sqlStr, args, err := builder().
		Select(
			"COALESCE(SUM(cases), 0)",
			"COALESCE(SUM(deaths), 0)",
			"COALESCE(AVG(population_used), 0)",
			"COUNT(DISTINCT date)",
		).
		From(tableRecords).
		Where(squirrel.Eq{"location_id": locationID, "deleted": false, "disabled": false}).
		ToSql()
	if err != nil {
		return RecordTotals{}, fmt.Errorf("failed to build totals query: %w", err)
	}

	var t RecordTotals
	err = q.QueryRowContext(ctx, sqlStr, args...).Scan(&t.Cases, &t.Deaths, &t.PopulationAverage, &t.Days)
	return t, wrapErr("record totals", err)
}

func (db *DB) LocationStatistic(ctx context.Context, tx TxHandle, locationID int64) (*LocationStatistic, error) {
	q, err := db.querier(tx)
	if err != nil {
		return nil, err
	}

	sqlStr, args, err := builder().
		Select(statisticColumns...).
		From(viewStatistics).
		Where(squirrel.Eq{"location_id": locationID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build statistic query: %w", err)
	}

	var s LocationStatistic
	err = q.QueryRowContext(ctx, sqlStr, args...).Scan(
		&s.LocationID,
		&s.CasesTotal, &s.CasesAvg, &s.CasesMax,
		&s.DeathsTotal, &s.DeathsAvg, &s.DeathsMax,
		&s.RecoveredTotal, &s.RecoveredAvg, &s.RecoveredMax,
		&s.Days,
	)
	if err != nil {
		return nil, wrapErr("location statistic", err)
	}
	return &s, nil
}

// Begin opens the single transaction this store allows at a time.
func (db *DB) Begin(ctx context.Context, name string) (TxHandle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.active != nil {
		return TxHandle{}, fmt.Errorf("%w: %q is active", ErrTransactionConflict, db.active.handle.Name)
	}
	// Only Commit and Rollback end the transaction, not the caller's context.
	tx, err := db.DB.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return TxHandle{}, wrapErr("begin", err)
	}
	h := newTxHandle(name)
	db.active = &openTx{handle: h, tx: tx}
	return h, nil
}

func (db *DB) Commit(_ context.Context, tx TxHandle) error {
	open, err := db.release(tx)
	if err != nil {
		return err
	}
	return wrapErr("commit", open.tx.Commit())
}

func (db *DB) Rollback(_ context.Context, tx TxHandle) error {
	open, err := db.release(tx)
	if err != nil {
		return err
	}
	return wrapErr("rollback", open.tx.Rollback())
}

func (db *DB) release(tx TxHandle) (*openTx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if tx.IsZero() || db.active == nil || db.active.handle.ID != tx.ID {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, tx.Name)
	}
	open := db.active
	db.active = nil
	return open, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

// upsertSuffix builds the ON CONFLICT clause that skips no-op updates and bumps bookkeeping.
func upsertSuffix(table, conflict string, columns []string) string {
	set := make([]string, 0, len(columns)+2)
	current := make([]string, 0, len(columns))
	excluded := make([]string, 0, len(columns))
	for _, c := range columns {
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		current = append(current, table+"."+c)
		excluded = append(excluded, "EXCLUDED."+c)
	}
	set = append(set,
		fmt.Sprintf("update_count = %s.update_count + 1", table),
		"flag_updated = true",
	)

	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s) RETURNING id, update_count, flag_updated",
		conflict,
		strings.Join(set, ", "),
		strings.Join(current, ", "),
		strings.Join(excluded, ", "),
	)
}

func recordSelectColumns() []string {
	cols := append([]string{"id"}, recordWriteColumns...)
	return append(cols, "flag_updated", "update_count")
}

func recordValues(r *DailyRecord) []any {
	return []any{
		r.LocationID, r.Date, r.Cases, r.Deaths, r.PopulationUsed, r.Deleted, r.Disabled,
		r.CasesAscension, r.DeathsAscension, r.CasesPointer, r.DeathsPointer,
		r.CasesRate, r.DeathsRate,
		r.Cases7Day, r.Deaths7Day, r.Cases14Day, r.Deaths14Day,
		r.Exponence1Day, r.Exponence7Day, r.Exponence14Day,
		r.Incidence7Day, r.Incidence14Day,
		r.Condition7Day, r.Condition14Day, r.AlertCondition,
		r.Reproduction4Day, r.Reproduction7Day, r.Reproduction14Day,
		r.FlagCalculated, r.TimestampCalculated,
	}
}

func recordDest(r *DailyRecord) []any {
	return []any{
		&r.ID,
		&r.LocationID, &r.Date, &r.Cases, &r.Deaths, &r.PopulationUsed, &r.Deleted, &r.Disabled,
		&r.CasesAscension, &r.DeathsAscension, &r.CasesPointer, &r.DeathsPointer,
		&r.CasesRate, &r.DeathsRate,
		&r.Cases7Day, &r.Deaths7Day, &r.Cases14Day, &r.Deaths14Day,
		&r.Exponence1Day, &r.Exponence7Day, &r.Exponence14Day,
		&r.Incidence7Day, &r.Incidence14Day,
		&r.Condition7Day, &r.Condition14Day, &r.AlertCondition,
		&r.Reproduction4Day, &r.Reproduction7Day, &r.Reproduction14Day,
		&r.FlagCalculated, &r.TimestampCalculated,
		&r.FlagUpdated, &r.UpdateCount,
	}
}

func locationSelectColumns() []string {
	return append(append([]string{}, locationWriteColumns...), "flag_updated", "update_count")
}

func locationValues(l *Location) []any {
	return []any{
		l.ID, l.ParentID, string(l.Type), l.Name,
		l.GeoID, l.CountryCode, l.Continent, l.Population, l.PopulationDensity,
		l.MedianAge, l.Aged65Older, l.Aged70Older, l.LifeExpectancy, l.HumanDevelopmentIndex,
		l.ChildCount, l.CasesTotal, l.DeathsTotal, l.RecoveredTotal,
		l.AverageCasesPerDay, l.AverageCasesPerWeek, l.AverageCasesPerMonth, l.AverageCasesPerYear,
		l.AverageDeathsPerDay, l.AverageDeathsPerWeek, l.AverageDeathsPerMonth, l.AverageDeathsPerYear,
		l.AverageRecoveredPerDay, l.AverageRecoveredPerWeek, l.AverageRecoveredPerMonth, l.AverageRecoveredPerYear,
		l.ContaminationRuntime, l.ContaminationValue, l.ContaminationTarget, l.InfectionDensity,
		l.FlagVirusFree, l.TimestampVirusFree, l.TimestampVirusBack,
		l.FlagDataIncomplete, l.TimestampDataIncomplete,
		l.FlagNoLongerUpdated, l.TimestampLastDataset,
	}
}

func locationDest(l *Location) []any {
	return []any{
		&l.ID, &l.ParentID, &l.Type, &l.Name,
		&l.GeoID, &l.CountryCode, &l.Continent, &l.Population, &l.PopulationDensity,
		&l.MedianAge, &l.Aged65Older, &l.Aged70Older, &l.LifeExpectancy, &l.HumanDevelopmentIndex,
		&l.ChildCount, &l.CasesTotal, &l.DeathsTotal, &l.RecoveredTotal,
		&l.AverageCasesPerDay, &l.AverageCasesPerWeek, &l.AverageCasesPerMonth, &l.AverageCasesPerYear,
		&l.AverageDeathsPerDay, &l.AverageDeathsPerWeek, &l.AverageDeathsPerMonth, &l.AverageDeathsPerYear,
		&l.AverageRecoveredPerDay, &l.AverageRecoveredPerWeek, &l.AverageRecoveredPerMonth, &l.AverageRecoveredPerYear,
		&l.ContaminationRuntime, &l.ContaminationValue, &l.ContaminationTarget, &l.InfectionDensity,
		&l.FlagVirusFree, &l.TimestampVirusFree, &l.TimestampVirusBack,
		&l.FlagDataIncomplete, &l.TimestampDataIncomplete,
		&l.FlagNoLongerUpdated, &l.TimestampLastDataset,
		&l.FlagUpdated, &l.UpdateCount,
	}
}

var _ Store = (*DB)(nil)
var _ Store = (*MemoryStore)(nil)
