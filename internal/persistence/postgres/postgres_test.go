package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/internal/persistence"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestSaveReplacesPriorSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	takenAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM store_snapshots").
		WithArgs("urn:dev:one").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO store_snapshots").
		WithArgs("urn:dev:one", takenAt, 3, 0, 0, 0, []byte("Open Mobile Alliance")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO store_snapshots").
		WithArgs("urn:dev:one", takenAt, 3, 0, 15, 0, []byte("Pacific/Auckland")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	snap := &persistence.Snapshot{
		Endpoint: "urn:dev:one",
		TakenAt:  takenAt,
		Records: []persistence.Record{
			{Object: 3, Instance: 0, Resource: 0, ResourceInstance: 0, Value: []byte("Open Mobile Alliance")},
			{Object: 3, Instance: 0, Resource: 15, ResourceInstance: 0, Value: []byte("Pacific/Auckland")},
		},
	}
	require.NoError(t, store.Save(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnInsertFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM store_snapshots").
		WithArgs("urn:dev:one").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO store_snapshots").
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	snap := &persistence.Snapshot{
		Endpoint: "urn:dev:one",
		TakenAt:  time.Now(),
		Records:  []persistence.Record{{Object: 3, Value: []byte("x")}},
	}
	require.Error(t, store.Save(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReturnsRecordsInStoreOrder(t *testing.T) {
	store, mock := newMockStore(t)
	takenAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"taken_at", "object_id", "instance_id", "resource_id", "resource_instance_id", "value"}).
		AddRow(takenAt, 3, 0, 0, 0, []byte("Open Mobile Alliance")).
		AddRow(takenAt, 3, 0, 15, 0, []byte("Pacific/Auckland"))
	mock.ExpectQuery("SELECT taken_at, object_id").
		WithArgs("urn:dev:one").
		WillReturnRows(rows)

	snap, err := store.Load(context.Background(), "urn:dev:one")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, "urn:dev:one", snap.Endpoint)
	require.Equal(t, takenAt, snap.TakenAt)
	require.Len(t, snap.Records, 2)
	require.Equal(t, uint16(15), snap.Records[1].Resource)
	require.Equal(t, []byte("Pacific/Auckland"), snap.Records[1].Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadWithNoSnapshotReturnsNil(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"taken_at", "object_id", "instance_id", "resource_id", "resource_instance_id", "value"})
	mock.ExpectQuery("SELECT taken_at, object_id").
		WithArgs("urn:dev:missing").
		WillReturnRows(rows)

	snap, err := store.Load(context.Background(), "urn:dev:missing")
	require.NoError(t, err)
	require.Nil(t, snap)
	require.NoError(t, mock.ExpectationsWereMet())
}
