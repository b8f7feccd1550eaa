package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/epidemic-metrics/internal/recalc"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestObserveRun(t *testing.T) {
	m := NewMetricsForTesting()
	start := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)

	m.ObserveRun(&recalc.RunResult{
		State:      recalc.StateCommitted,
		StartedAt:  start,
		FinishedAt: start.Add(3 * time.Second),
		Series: &recalc.SeriesResult{
			Success:          5,
			Error:            1,
			Skipped:          2,
			VirusFreeChanged: []int64{7},
			Warnings: []recalc.DetailedError{
				{Kind: recalc.KindInsufficientHistory, LocationID: 1},
				{Kind: recalc.KindInsufficientHistory, LocationID: 1},
				{Kind: recalc.KindCalculation, LocationID: 2},
			},
		},
		Hierarchy: &recalc.HierarchyResult{Success: 3},
	})

	assert.Equal(t, 5.0, counterValue(t, m.RecordsProcessed.WithLabelValues("success")))
	assert.Equal(t, 1.0, counterValue(t, m.RecordsProcessed.WithLabelValues("error")))
	assert.Equal(t, 2.0, counterValue(t, m.RecordsProcessed.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, counterValue(t, m.InsufficientHistory))
	assert.Equal(t, 1.0, counterValue(t, m.VirusFreeChanges))
	assert.Equal(t, 3.0, counterValue(t, m.LocationsAggregated.WithLabelValues("success")))
	assert.Equal(t, 1.0, counterValue(t, m.Runs.WithLabelValues("COMMITTED")))
}

func TestObserveRun_NilIsIgnored(t *testing.T) {
	m := NewMetricsForTesting()
	assert.NotPanics(t, func() { m.ObserveRun(nil) })
}

func TestNewMetricsForTesting_Repeatable(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewMetricsForTesting().Runs))

	other := prometheus.NewRegistry()
	require.NoError(t, other.Register(NewMetricsForTesting().Runs))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = NewLogger(config.LogConfig{Level: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}
