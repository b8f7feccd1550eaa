package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrTransactionConflict = errors.New("a transaction is already open")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrSchemaViolation     = errors.New("schema violation")
)

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

var mapping = map[error]error{sql.ErrNoRows: ErrNotFound}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for k, v := range mapping {
		if errors.Is(err, k) {
			return v
		}
	}
	return &StorageError{Op: op, Err: err}
}

// TxHandle identifies an open transaction. The zero value means "no transaction".
type TxHandle struct {
	ID   uuid.UUID
	Name string
}

func (h TxHandle) IsZero() bool {
	return h.ID == uuid.Nil
}

func newTxHandle(name string) TxHandle {
	return TxHandle{ID: uuid.New(), Name: name}
}

// Store is the storage collaborator of the recalculation engine.
// Every method accepts a transaction handle; the zero handle runs outside a transaction.
type Store interface {
	// ReadWindow returns the non-deleted, enabled records of a location dated within
	// [reference-(days+skip), reference-skip), ordered by date ascending.
	ReadWindow(ctx context.Context, tx TxHandle, locationID int64, reference time.Time, days, skip int) ([]DailyRecord, error)
	ListRecords(ctx context.Context, tx TxHandle, filter RecordFilter) ([]DailyRecord, error)
	UpsertRecord(ctx context.Context, tx TxHandle, rec *DailyRecord) error

	GetLocation(ctx context.Context, tx TxHandle, id int64) (*Location, error)
	ListLocations(ctx context.Context, tx TxHandle, filter LocationFilter) ([]Location, error)
	ListChildren(ctx context.Context, tx TxHandle, parentID int64, childType LocationType) ([]Location, error)
	UpsertLocation(ctx context.Context, tx TxHandle, loc *Location) error

	RecordTotals(ctx context.Context, tx TxHandle, locationID int64) (RecordTotals, error)
	LocationStatistic(ctx context.Context, tx TxHandle, locationID int64) (*LocationStatistic, error)

	Begin(ctx context.Context, name string) (TxHandle, error)
	Commit(ctx context.Context, tx TxHandle) error
	Rollback(ctx context.Context, tx TxHandle) error

	Ping(ctx context.Context) error
}

func validateRecord(rec *DailyRecord) error {
	if rec.LocationID == 0 {
		return fmt.Errorf("%w: daily record without location_id", ErrSchemaViolation)
	}
	if rec.Date.IsZero() {
		return fmt.Errorf("%w: daily record without date", ErrSchemaViolation)
	}
	return nil
}

func validateLocation(loc *Location) error {
	if loc.ID == 0 {
		return fmt.Errorf("%w: location without id", ErrSchemaViolation)
	}
	if !loc.Type.Valid() {
		return fmt.Errorf("%w: location %d has unknown type %q", ErrSchemaViolation, loc.ID, loc.Type)
	}
	return nil
}

func windowBounds(reference time.Time, days, skip int) (from, to time.Time) {
	ref := Day(reference)
	return ref.AddDate(0, 0, -(days + skip)), ref.AddDate(0, 0, -skip)
}
