package database

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	locationID int64
	date       time.Time
}

type memoryState struct {
	records    map[recordKey]DailyRecord
	locations  map[int64]Location
	statistics map[int64]LocationStatistic
	nextID     int64
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		records:    make(map[recordKey]DailyRecord, len(s.records)),
		locations:  make(map[int64]Location, len(s.locations)),
		statistics: make(map[int64]LocationStatistic, len(s.statistics)),
		nextID:     s.nextID,
	}
	for k, v := range s.records {
		c.records[k] = cloneRecord(v)
	}
	for k, v := range s.locations {
		c.locations[k] = cloneLocation(v)
	}
	for k, v := range s.statistics {
		c.statistics[k] = v
	}
	return c
}

// MemoryStore is an in-process Store. Begin snapshots the whole state and Rollback restores it.
type MemoryStore struct {
	mu       sync.Mutex
	state    memoryState
	active   *TxHandle
	snapshot memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memoryState{
			records:    make(map[recordKey]DailyRecord),
			locations:  make(map[int64]Location),
			statistics: make(map[int64]LocationStatistic),
		},
	}
}

// SetStatistic stores the precomputed subtree aggregate for a location.
func (m *MemoryStore) SetStatistic(stat LocationStatistic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.statistics[stat.LocationID] = stat
}

func (m *MemoryStore) checkTx(tx TxHandle) error {
	if tx.IsZero() {
		return nil
	}
	if m.active == nil || m.active.ID != tx.ID {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, tx.Name)
	}
	return nil
}

func (m *MemoryStore) ReadWindow(_ context.Context, tx TxHandle, locationID int64, reference time.Time, days, skip int) ([]DailyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return nil, err
	}

	from, to := windowBounds(reference, days, skip)
	var out []DailyRecord
	for k, rec := range m.state.records {
		if k.locationID != locationID || rec.Deleted || rec.Disabled {
			continue
		}
		if k.date.Before(from) || !k.date.Before(to) {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, tx TxHandle, filter RecordFilter) ([]DailyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return nil, err
	}

	var out []DailyRecord
	for _, rec := range m.state.records {
		if rec.Deleted || rec.Disabled {
			continue
		}
		if len(filter.LocationIDs) > 0 && !slices.Contains(filter.LocationIDs, rec.LocationID) {
			continue
		}
		if filter.Since != nil && rec.Date.Before(Day(*filter.Since)) {
			continue
		}
		if filter.OnlyUncalculated && rec.FlagCalculated {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) UpsertRecord(_ context.Context, tx TxHandle, rec *DailyRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return err
	}

	rec.Date = Day(rec.Date)
	key := recordKey{locationID: rec.LocationID, date: rec.Date}
	existing, ok := m.state.records[key]
	if !ok {
		m.state.nextID++
		rec.ID = m.state.nextID
		rec.UpdateCount = 0
		rec.FlagUpdated = false
		m.state.records[key] = cloneRecord(*rec)
		return nil
	}

	rec.ID = existing.ID
	if recordsEqual(existing, *rec) {
		rec.UpdateCount = existing.UpdateCount
		rec.FlagUpdated = existing.FlagUpdated
		return nil
	}
	rec.UpdateCount = existing.UpdateCount + 1
	rec.FlagUpdated = true
	m.state.records[key] = cloneRecord(*rec)
	return nil
}

func (m *MemoryStore) GetLocation(_ context.Context, tx TxHandle, id int64) (*Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return nil, err
	}

	loc, ok := m.state.locations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneLocation(loc)
	return &c, nil
}

func (m *MemoryStore) ListLocations(_ context.Context, tx TxHandle, filter LocationFilter) ([]Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return nil, err
	}

	var out []Location
	for _, loc := range m.state.locations {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, loc.ID) {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, loc.Type) {
			continue
		}
		if filter.ParentID != nil && (loc.ParentID == nil || *loc.ParentID != *filter.ParentID) {
			continue
		}
		out = append(out, cloneLocation(loc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListChildren(ctx context.Context, tx TxHandle, parentID int64, childType LocationType) ([]Location, error) {
	return m.ListLocations(ctx, tx, LocationFilter{
		Types:    []LocationType{childType},
		ParentID: &parentID,
	})
}

func (m *MemoryStore) UpsertLocation(_ context.Context, tx TxHandle, loc *Location) error {
	if err := validateLocation(loc); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return err
	}

	existing, ok := m.state.locations[loc.ID]
	switch {
	case !ok:
		loc.UpdateCount = 0
		loc.FlagUpdated = false
	case locationsEqual(existing, *loc):
		loc.UpdateCount = existing.UpdateCount
		loc.FlagUpdated = existing.FlagUpdated
		return nil
	default:
		loc.UpdateCount = existing.UpdateCount + 1
		loc.FlagUpdated = true
	}
	m.state.locations[loc.ID] = cloneLocation(*loc)
	return nil
}

func (m *MemoryStore) RecordTotals(_ context.Context, tx TxHandle, locationID int64) (RecordTotals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return RecordTotals{}, err
	}

	var totals RecordTotals
	var population int64
	days := make(map[time.Time]struct{})
	var n int64
	for k, rec := range m.state.records {
		if k.locationID != locationID || rec.Deleted || rec.Disabled {
			continue
		}
		totals.Cases += rec.Cases
		totals.Deaths += rec.Deaths
		population += rec.PopulationUsed
		days[k.date] = struct{}{}
		n++
	}
	if n > 0 {
		totals.PopulationAverage = float64(population) / float64(n)
	}
	totals.Days = int64(len(days))
	return totals, nil
}

func (m *MemoryStore) LocationStatistic(_ context.Context, tx TxHandle, locationID int64) (*LocationStatistic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkTx(tx); err != nil {
		return nil, err
	}

	stat, ok := m.state.statistics[locationID]
	if !ok {
		return nil, ErrNotFound
	}
	return &stat, nil
}

func (m *MemoryStore) Begin(_ context.Context, name string) (TxHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return TxHandle{}, fmt.Errorf("%w: %q is active", ErrTransactionConflict, m.active.Name)
	}
	h := newTxHandle(name)
	m.active = &h
	m.snapshot = m.state.clone()
	return h, nil
}

func (m *MemoryStore) Commit(_ context.Context, tx TxHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IsZero() {
		return fmt.Errorf("%w: empty handle", ErrUnknownTransaction)
	}
	if err := m.checkTx(tx); err != nil {
		return err
	}
	m.active = nil
	m.snapshot = memoryState{}
	return nil
}

func (m *MemoryStore) Rollback(_ context.Context, tx TxHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.IsZero() {
		return fmt.Errorf("%w: empty handle", ErrUnknownTransaction)
	}
	if err := m.checkTx(tx); err != nil {
		return err
	}
	m.state = m.snapshot
	m.active = nil
	m.snapshot = memoryState{}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func sortRecords(recs []DailyRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Date.Equal(recs[j].Date) {
			return recs[i].Date.Before(recs[j].Date)
		}
		return recs[i].LocationID < recs[j].LocationID
	})
}

func recordsEqual(a, b DailyRecord) bool {
	a.ID, b.ID = 0, 0
	a.UpdateCount, b.UpdateCount = 0, 0
	a.FlagUpdated, b.FlagUpdated = false, false
	return reflect.DeepEqual(a, b)
}

func locationsEqual(a, b Location) bool {
	a.UpdateCount, b.UpdateCount = 0, 0
	a.FlagUpdated, b.FlagUpdated = false, false
	return reflect.DeepEqual(a, b)
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRecord(r DailyRecord) DailyRecord {
	r.CasesAscension = clonePtr(r.CasesAscension)
	r.DeathsAscension = clonePtr(r.DeathsAscension)
	r.CasesPointer = clonePtr(r.CasesPointer)
	r.DeathsPointer = clonePtr(r.DeathsPointer)
	r.CasesRate = clonePtr(r.CasesRate)
	r.DeathsRate = clonePtr(r.DeathsRate)
	r.Cases7Day = clonePtr(r.Cases7Day)
	r.Deaths7Day = clonePtr(r.Deaths7Day)
	r.Cases14Day = clonePtr(r.Cases14Day)
	r.Deaths14Day = clonePtr(r.Deaths14Day)
	r.Exponence1Day = clonePtr(r.Exponence1Day)
	r.Exponence7Day = clonePtr(r.Exponence7Day)
	r.Exponence14Day = clonePtr(r.Exponence14Day)
	r.Incidence7Day = clonePtr(r.Incidence7Day)
	r.Incidence14Day = clonePtr(r.Incidence14Day)
	r.Condition7Day = clonePtr(r.Condition7Day)
	r.Condition14Day = clonePtr(r.Condition14Day)
	r.AlertCondition = clonePtr(r.AlertCondition)
	r.Reproduction4Day = clonePtr(r.Reproduction4Day)
	r.Reproduction7Day = clonePtr(r.Reproduction7Day)
	r.Reproduction14Day = clonePtr(r.Reproduction14Day)
	r.TimestampCalculated = clonePtr(r.TimestampCalculated)
	return r
}

func cloneLocation(l Location) Location {
	l.ParentID = clonePtr(l.ParentID)
	l.GeoID = clonePtr(l.GeoID)
	l.CountryCode = clonePtr(l.CountryCode)
	l.Continent = clonePtr(l.Continent)
	l.MedianAge = clonePtr(l.MedianAge)
	l.Aged65Older = clonePtr(l.Aged65Older)
	l.Aged70Older = clonePtr(l.Aged70Older)
	l.LifeExpectancy = clonePtr(l.LifeExpectancy)
	l.HumanDevelopmentIndex = clonePtr(l.HumanDevelopmentIndex)
	l.ContaminationTarget = clonePtr(l.ContaminationTarget)
	l.TimestampVirusFree = clonePtr(l.TimestampVirusFree)
	l.TimestampVirusBack = clonePtr(l.TimestampVirusBack)
	l.TimestampDataIncomplete = clonePtr(l.TimestampDataIncomplete)
	l.TimestampLastDataset = clonePtr(l.TimestampLastDataset)
	return l
}
