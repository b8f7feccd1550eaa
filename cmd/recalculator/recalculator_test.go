package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/alerting"
	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/observability"
	"github.com/smukkama/epidemic-metrics/internal/recalc"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

var day0 = time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)

type memoryStates struct {
	mu     sync.Mutex
	states map[int64]alerting.AlertState
}

func (m *memoryStates) Get(_ context.Context, id int64) (*alerting.AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *memoryStates) Set(_ context.Context, id int64, s *alerting.AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = *s
	return nil
}

type countingPublisher struct{ published int }

func (p *countingPublisher) Publish(context.Context, string, []byte) error {
	p.published++
	return nil
}

// brokenStore fails every record write of one location.
type brokenStore struct {
	*database.MemoryStore
	locationID int64
}

func (b *brokenStore) UpsertRecord(ctx context.Context, tx database.TxHandle, rec *database.DailyRecord) error {
	if rec.FlagCalculated && rec.LocationID == b.locationID {
		return &database.StorageError{Op: "upsert record", Err: errors.New("disk full")}
	}
	return b.MemoryStore.UpsertRecord(ctx, tx, rec)
}

func seed(t *testing.T, store *database.MemoryStore, ids ...int64) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		loc := database.Location{ID: id, Type: database.LocationTypeLocation, Name: "Town"}
		require.NoError(t, store.UpsertLocation(ctx, database.TxHandle{}, &loc))
		for i := 0; i < 14; i++ {
			rec := database.DailyRecord{LocationID: id, Date: day0.AddDate(0, 0, i), Cases: 5, PopulationUsed: 10000}
			require.NoError(t, store.UpsertRecord(ctx, database.TxHandle{}, &rec))
		}
	}
}

func newTestRecalculator(t *testing.T, store database.Store, autocommit bool) (*recalculator, *countingPublisher) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(day0.AddDate(0, 0, 14).Add(6 * time.Hour))
	pub := &countingPublisher{}
	metrics := observability.NewMetricsForTesting()
	return &recalculator{
		orch:    recalc.New(store, clock, recalc.DefaultOptions()),
		tracker: alerting.NewTracker(&memoryStates{states: map[int64]alerting.AlertState{}}, pub, clock, zap.NewNop(), metrics),
		clock:   clock,
		logger:  zap.NewNop(),
		metrics: metrics,
		cfg: config.RecalculationConfig{
			Autocommit: autocommit,
			DumpDir:    t.TempDir(),
		},
	}, pub
}

func TestRunPass_CommitsAndPublishesAlerts(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, 1, 2)
	r, pub := newTestRecalculator(t, store, true)

	res := r.runPass(context.Background())
	assert.Equal(t, recalc.StateCommitted, res.State)
	assert.Equal(t, 28, res.Series.Success)
	assert.Equal(t, 2, pub.published, "one initial alert per location")

	res = r.runPass(context.Background())
	assert.Equal(t, 28, res.Series.Skipped)
	assert.Equal(t, 2, pub.published, "nothing changed")

	entries, err := os.ReadDir(r.cfg.DumpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunPass_WithoutAutocommitRollsBackOnErrors(t *testing.T) {
	mem := database.NewMemoryStore()
	seed(t, mem, 1, 2)
	r, pub := newTestRecalculator(t, &brokenStore{MemoryStore: mem, locationID: 2}, false)

	res := r.runPass(context.Background())
	assert.Equal(t, recalc.StateRolledBack, res.State)
	assert.Equal(t, 14, res.Series.Error)
	assert.Zero(t, pub.published, "alerts are only published after a commit")

	recs, err := mem.ListRecords(context.Background(), database.TxHandle{}, database.RecordFilter{OnlyUncalculated: true})
	require.NoError(t, err)
	assert.Len(t, recs, 28)

	entries, err := os.ReadDir(r.cfg.DumpDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(r.cfg.DumpDir, entries[0].Name()))
	require.NoError(t, err)
	var dump errorDump
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, recalc.StateRolledBack, dump.State)
	require.Len(t, dump.Records, 14)
	assert.Equal(t, recalc.KindStorage, dump.Records[0].Kind)
	assert.Equal(t, int64(2), dump.Records[0].LocationID)
}

func TestRunPass_WithoutAutocommitCommitsCleanRun(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, 1)
	r, _ := newTestRecalculator(t, store, false)

	res := r.runPass(context.Background())
	assert.Equal(t, recalc.StateCommitted, res.State)

	recs, err := store.ListRecords(context.Background(), database.TxHandle{}, database.RecordFilter{OnlyUncalculated: true})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunPass_ForceOnlyOnFirstPass(t *testing.T) {
	store := database.NewMemoryStore()
	seed(t, store, 1)
	r, _ := newTestRecalculator(t, store, true)
	r.batch.Force = true

	first := r.runPass(context.Background())
	assert.Equal(t, 14, first.Series.Success)

	second := r.runPass(context.Background())
	assert.Equal(t, 14, second.Series.Skipped)
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 3, 7,,12 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7, 12}, ids)

	ids, err = parseIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = parseIDs("3,x")
	require.Error(t, err)
	_, err = parseIDs("-1")
	require.Error(t, err)
}

func TestParseSince(t *testing.T) {
	since, err := parseSince("2021-03-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 3, 5, 0, 0, 0, 0, time.UTC), *since)

	since, err = parseSince("")
	require.NoError(t, err)
	assert.Nil(t, since)

	_, err = parseSince("March 5")
	require.Error(t, err)
}
