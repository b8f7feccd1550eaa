package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/epidemic-metrics/internal/database"
)

// ErrInsufficientHistory means a window held fewer records than the calculation needs.
var ErrInsufficientHistory = errors.New("insufficient history")

// Windower returns a complete trailing window of daily records for one location.
type Windower interface {
	ReadWindow(ctx context.Context, locationID int64, reference time.Time, days, skip int) ([]database.DailyRecord, error)
}

// WindowReader reads windows from a store, optionally inside a transaction.
type WindowReader struct {
	store database.Store
	tx    database.TxHandle
}

func NewWindowReader(store database.Store, tx database.TxHandle) *WindowReader {
	return &WindowReader{store: store, tx: tx}
}

// ReadWindow returns the records dated in [reference-(days+skip), reference-skip) in
// ascending order. It fails with ErrInsufficientHistory when fewer than days records exist.
func (r *WindowReader) ReadWindow(ctx context.Context, locationID int64, reference time.Time, days, skip int) ([]database.DailyRecord, error) {
	if days <= 0 {
		return nil, fmt.Errorf("window of %d days", days)
	}
	if skip < 0 {
		skip = 0
	}

	records, err := r.store.ReadWindow(ctx, r.tx, locationID, reference, days, skip)
	if err != nil {
		return nil, err
	}
	if len(records) < days {
		return nil, fmt.Errorf("%w: location %d needs %d days before %s, found %d",
			ErrInsufficientHistory, locationID, days, database.Day(reference).AddDate(0, 0, -skip).Format(time.DateOnly), len(records))
	}
	return records, nil
}
