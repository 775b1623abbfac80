package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/egtann/upgrade"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestConnURL(t *testing.T) {
	t.Parallel()

	db := New("app", `pa'ss\word`, "db.internal", "weather", 5433, "", "", "")
	require.Equal(t,
		`dbname='weather' host='db.internal' port=5433 user='app' password='pa\'ss\\word' sslmode=disable`,
		db.connURL("weather"))

	db = New("app", "", "db.internal", "weather", 5432, "client.key", "client.crt", "ca.crt")
	require.Contains(t, db.connURL(maintenanceDB), "dbname='postgres' ")
	require.Contains(t, db.connURL("weather"),
		"sslmode=verify-full sslkey='client.key' sslcert='client.crt' sslrootcert='ca.crt'")
}

func TestCreateLedgerIfNotExists(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS designversion`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM designversion`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS dataversion`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM dataversion`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	created, err := db.CreateLedgerIfNotExists(ctx, 50, 48)
	check(t, err)
	require.False(t, created)
	check(t, mock.ExpectationsWereMet())
}

func TestCreateLedgerRollsBack(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(q(`CREATE TABLE IF NOT EXISTS designversion`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q(`SELECT COUNT(*) FROM designversion`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(q(`INSERT INTO designversion (version) VALUES ($1)`)).
		WithArgs(50).
		WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err := db.CreateLedgerIfNotExists(context.Background(), 50, 48)
	require.Error(t, err)
	require.Contains(t, err.Error(), "permission denied")
	check(t, mock.ExpectationsWereMet())
}

func TestSetVersion(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)
	ctx := context.Background()

	mock.ExpectExec(q(`UPDATE designversion SET version=$1`)).
		WithArgs(51).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`UPDATE dataversion SET version=$1`)).
		WithArgs(49).
		WillReturnResult(sqlmock.NewResult(0, 0))

	check(t, db.SetVersion(ctx, upgrade.Design, 51))
	require.ErrorIs(t, db.SetVersion(ctx, upgrade.Data, 49), upgrade.ErrNoLedger)
	check(t, mock.ExpectationsWereMet())
}

func TestVersion(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)

	mock.ExpectQuery(q(`SELECT version FROM dataversion`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(48))

	v, err := db.Version(context.Background(), upgrade.Data)
	check(t, err)
	require.Equal(t, 48, v)
	check(t, mock.ExpectationsWereMet())
}

func TestProbes(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)
	ctx := context.Background()

	count := func(n int) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"count"}).AddRow(n)
	}
	mock.ExpectQuery(q(`FROM information_schema.tables`)).
		WithArgs("READINGS").WillReturnRows(count(0))
	mock.ExpectQuery(q(`FROM information_schema.columns`)).
		WithArgs("READINGS", "UNITS").WillReturnRows(count(1))
	mock.ExpectQuery(q(`FROM pg_indexes`)).
		WithArgs("READINGS", "READINGS_UNITS_IDX").WillReturnRows(count(1))
	mock.ExpectQuery(q(`UPPER(constraint_name) = $2`)).
		WithArgs("READINGS", "READINGS_STATION_FK").WillReturnRows(count(0))
	mock.ExpectQuery(q(`constraint_type = 'PRIMARY KEY'`)).
		WithArgs("READINGS").WillReturnRows(count(1))
	mock.ExpectQuery(q(`constraint_type = 'PRIMARY KEY' AND UPPER(constraint_name) = $2`)).
		WithArgs("READINGS", "READINGS_PKEY").WillReturnRows(count(1))

	ok, err := db.TableExists(ctx, "readings")
	check(t, err)
	require.False(t, ok)
	ok, err = db.ColumnExists(ctx, "readings", "Units")
	check(t, err)
	require.True(t, ok)
	ok, err = db.IndexExists(ctx, "readings", "readings_units_idx")
	check(t, err)
	require.True(t, ok)
	ok, err = db.ConstraintExists(ctx, "readings", "readings_station_fk")
	check(t, err)
	require.False(t, ok)
	ok, err = db.PrimaryKeyExists(ctx, "readings", "")
	check(t, err)
	require.True(t, ok)
	ok, err = db.PrimaryKeyExists(ctx, "readings", "readings_pkey")
	check(t, err)
	require.True(t, ok)
	check(t, mock.ExpectationsWereMet())
}

func TestProbeError(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)

	mock.ExpectQuery(q(`FROM information_schema.tables`)).
		WillReturnError(errors.New("connection reset"))

	_, err := db.TableExists(context.Background(), "readings")
	require.Error(t, err)
	require.Contains(t, err.Error(), "probe catalog")
	check(t, mock.ExpectationsWereMet())
}

func TestCheckpoints(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)
	ctx := context.Background()

	mock.ExpectQuery(q(`SELECT md5 FROM upgradecheckpoints WHERE chain=$1 AND version=$2 ORDER BY idx`)).
		WithArgs("data", 3).
		WillReturnRows(sqlmock.NewRows([]string{"md5"}))
	mock.ExpectExec(q(`INSERT INTO upgradecheckpoints`)).
		WithArgs("data", 3, 0, "md5a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q(`DELETE FROM upgradecheckpoints WHERE chain=$1 AND version=$2`)).
		WithArgs("data", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	cps, err := db.GetCheckpoints(ctx, upgrade.Data, 3)
	check(t, err)
	require.Empty(t, cps)
	check(t, db.InsertCheckpoint(ctx, upgrade.Data, 3, 0, "md5a"))
	check(t, db.DeleteCheckpoints(ctx, upgrade.Data, 3))
	check(t, mock.ExpectationsWereMet())
}

func TestInsertHistory(t *testing.T) {
	t.Parallel()
	db, mock := newDB(t)

	now := time.Now().UTC()
	mock.ExpectExec(q(`ON CONFLICT (chain, version) DO UPDATE SET`)).
		WithArgs("data", 48, "convert units", "", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	check(t, db.InsertHistory(context.Background(), upgrade.History{
		Chain:      "data",
		Version:    48,
		Name:       "convert units",
		StartedAt:  now,
		FinishedAt: now,
	}))
	check(t, mock.ExpectationsWereMet())
}

func check(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// q matches a query fragment literally.
func q(s string) string {
	return regexp.QuoteMeta(s)
}

func newDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	check(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return &DB{dbName: "weather", DB: sqlx.NewDb(mockDB, "postgres")}, mock
}
