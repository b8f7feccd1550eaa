package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &DB{DB: conn}, mock
}

func upsertedRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "update_count", "flag_updated"}).AddRow(id, 0, false)
}

func TestUpsertRecord_FailureInTransactionIsIsolated(t *testing.T) {
	db, mock := newMockDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("^SAVEPOINT store_write$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO daily_records").WillReturnError(errors.New("numeric field overflow"))
	mock.ExpectExec("^ROLLBACK TO SAVEPOINT store_write$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("^SAVEPOINT store_write$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO daily_records").WillReturnRows(upsertedRow(2))
	mock.ExpectExec("^RELEASE SAVEPOINT store_write$").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := db.Begin(ctx, "batch")
	require.NoError(t, err)

	err = db.UpsertRecord(ctx, tx, record(1, 0, 10))
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "upsert record", storageErr.Op)

	next := record(1, 1, 12)
	require.NoError(t, db.UpsertRecord(ctx, tx, next), "the transaction stays usable after a failed record")
	assert.Equal(t, int64(2), next.ID)

	require.NoError(t, db.Commit(ctx, tx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLocation_OutsideTransactionHasNoSavepoint(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("INSERT INTO locations").WillReturnRows(upsertedRow(7))

	loc := &Location{ID: 7, Type: LocationTypeDistrict, Name: "District"}
	require.NoError(t, db.UpsertLocation(context.Background(), TxHandle{}, loc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertLocation_UnknownTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	err := db.UpsertLocation(context.Background(), newTxHandle("stale"), &Location{ID: 7, Type: LocationTypeDistrict})
	require.ErrorIs(t, err, ErrUnknownTransaction)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecords_ExcludesInactiveRecords(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery(`FROM daily_records WHERE deleted = \$1 AND disabled = \$2`).
		WithArgs(false, false).
		WillReturnRows(sqlmock.NewRows(recordSelectColumns()))

	recs, err := db.ListRecords(context.Background(), TxHandle{}, RecordFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	require.NoError(t, mock.ExpectationsWereMet())
}
