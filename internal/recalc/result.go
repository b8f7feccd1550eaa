package recalc

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/smukkama/epidemic-metrics/internal/database"
	"github.com/smukkama/epidemic-metrics/internal/metrics"
)

// State is the lifecycle of one batch.
type State string

const (
	StatePending    State = "PENDING"
	StateRunning    State = "RUNNING"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
	StateFailed     State = "FAILED"
)

// ErrorKind classifies a DetailedError.
type ErrorKind string

const (
	KindInsufficientHistory ErrorKind = "insufficient_history"
	KindStorage             ErrorKind = "storage"
	KindSchemaViolation     ErrorKind = "schema_violation"
	KindTransaction         ErrorKind = "transaction"
	KindCancelled           ErrorKind = "cancelled"
	KindCalculation         ErrorKind = "calculation"
)

// DetailedError identifies the record or location a failure belongs to.
type DetailedError struct {
	Kind       ErrorKind `json:"kind"`
	LocationID int64     `json:"location_id"`
	Date       string    `json:"date,omitempty"`
	Field      string    `json:"field,omitempty"`
	Message    string    `json:"message"`
}

func newDetailedError(err error, locationID int64, date time.Time, field string) DetailedError {
	d := DetailedError{
		Kind:       classify(err),
		LocationID: locationID,
		Field:      field,
		Message:    err.Error(),
	}
	if !date.IsZero() {
		d.Date = date.Format(time.DateOnly)
	}
	return d
}

func classify(err error) ErrorKind {
	var storageErr *database.StorageError
	switch {
	case errors.Is(err, metrics.ErrInsufficientHistory):
		return KindInsufficientHistory
	case errors.Is(err, database.ErrSchemaViolation):
		return KindSchemaViolation
	case errors.Is(err, database.ErrTransactionConflict), errors.Is(err, database.ErrUnknownTransaction):
		return KindTransaction
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.As(err, &storageErr):
		return KindStorage
	default:
		return KindCalculation
	}
}

func sortDetailed(errs []DetailedError) {
	sort.SliceStable(errs, func(i, j int) bool {
		a, b := errs[i], errs[j]
		if a.LocationID != b.LocationID {
			return a.LocationID < b.LocationID
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.Field < b.Field
	})
}

// LocationAlert is the alert condition of a location's most recent recalculated record.
type LocationAlert struct {
	LocationID int64
	Date       time.Time
	Condition  database.Condition
}

// SeriesResult summarizes a series recalculation.
type SeriesResult struct {
	Total   int
	Success int
	Error   int
	Skipped int

	Records  []database.DailyRecord
	Errors   []DetailedError
	Warnings []DetailedError

	// Locations holds every location that had at least one record recalculated.
	Locations []int64
	// VirusFreeChanged holds the locations whose virus-free flag transitioned.
	VirusFreeChanged []int64
	LatestAlerts     []LocationAlert
}

// HierarchyResult summarizes a hierarchy recalculation.
type HierarchyResult struct {
	Total   int
	Success int
	Error   int

	Locations []database.Location
	Errors    []DetailedError
	Warnings  []DetailedError
}

// RunResult is the outcome of one batch.
type RunResult struct {
	State      State
	Tx         database.TxHandle
	StartedAt  time.Time
	FinishedAt time.Time
	Series     *SeriesResult
	Hierarchy  *HierarchyResult
}

// ErrorCount sums record and location errors.
func (r *RunResult) ErrorCount() int {
	n := 0
	if r.Series != nil {
		n += r.Series.Error
	}
	if r.Hierarchy != nil {
		n += r.Hierarchy.Error
	}
	return n
}
