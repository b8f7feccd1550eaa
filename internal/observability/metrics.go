package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smukkama/epidemic-metrics/internal/recalc"
)

const namespace = "epidemic_metrics"

// Metrics holds the Prometheus counters, histograms, and gauges of the recalculation daemons.
type Metrics struct {
	RecordsProcessed    *prometheus.CounterVec // labels: outcome={success,error,skipped}
	InsufficientHistory prometheus.Counter
	LocationsAggregated *prometheus.CounterVec // labels: outcome={success,error}
	VirusFreeChanges    prometheus.Counter
	AlertChanges        *prometheus.CounterVec // labels: type={INITIAL,ESCALATED,DEESCALATED}
	Runs                *prometheus.CounterVec // labels: state
	RunDuration         prometheus.Histogram
	RecalculationActive prometheus.Gauge

	// Ingestion metrics.
	RecordsConsumed prometheus.Counter
	IngestErrors    prometheus.Counter
	BatchSize       prometheus.Histogram
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Daily records handled by series recalculation, by outcome.",
		}, []string{"outcome"}),
		InsufficientHistory: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insufficient_history_total",
			Help:      "Derived fields left unset because the window was short.",
		}),
		LocationsAggregated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "locations_aggregated_total",
			Help:      "Locations handled by hierarchy recalculation, by outcome.",
		}, []string{"outcome"}),
		VirusFreeChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "virus_free_changes_total",
			Help:      "Virus-free flag transitions.",
		}),
		AlertChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_changes_total",
			Help:      "Published alert condition changes, by type.",
		}, []string{"type"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Recalculation runs by final state.",
		}, []string{"state"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete recalculation run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		RecalculationActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recalculation_running",
			Help:      "1 while a recalculation run is in progress.",
		}),
		RecordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_consumed_total",
			Help:      "Canonical records read from the records topic.",
		}),
		IngestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_errors_total",
			Help:      "Canonical records that could not be decoded or stored.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_size",
			Help:      "Number of records per flushed ingestion batch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsProcessed,
		m.InsufficientHistory,
		m.LocationsAggregated,
		m.VirusFreeChanges,
		m.AlertChanges,
		m.Runs,
		m.RunDuration,
		m.RecalculationActive,
		m.RecordsConsumed,
		m.IngestErrors,
		m.BatchSize,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// ObserveRun records the counters and duration of a finished run.
func (m *Metrics) ObserveRun(res *recalc.RunResult) {
	if res == nil {
		return
	}
	m.Runs.WithLabelValues(string(res.State)).Inc()
	if !res.FinishedAt.IsZero() {
		m.RunDuration.Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	}

	if s := res.Series; s != nil {
		m.RecordsProcessed.WithLabelValues("success").Add(float64(s.Success))
		m.RecordsProcessed.WithLabelValues("error").Add(float64(s.Error))
		m.RecordsProcessed.WithLabelValues("skipped").Add(float64(s.Skipped))
		m.VirusFreeChanges.Add(float64(len(s.VirusFreeChanged)))
		for _, w := range s.Warnings {
			if w.Kind == recalc.KindInsufficientHistory {
				m.InsufficientHistory.Inc()
			}
		}
	}
	if h := res.Hierarchy; h != nil {
		m.LocationsAggregated.WithLabelValues("success").Add(float64(h.Success))
		m.LocationsAggregated.WithLabelValues("error").Add(float64(h.Error))
	}
}
