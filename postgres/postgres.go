package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/egtann/upgrade"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// maintenanceDB is connected to while the target database may not exist.
const maintenanceDB = "postgres"

type DB struct {
	dbName string
	params string

	// Embed the sqlx DB struct
	*sqlx.DB
}

func New(
	user, pass, host, dbName string,
	port int,
	sslKey, sslCert, sslCA string,
) *DB {
	params := fmt.Sprintf("host=%s port=%d user=%s password=%s ",
		quote(host), port, quote(user), quote(pass))
	if sslKey == "" {
		params += "sslmode=disable"
	} else {
		params += fmt.Sprintf(
			"sslmode=verify-full sslkey=%s sslcert=%s sslrootcert=%s",
			quote(sslKey), quote(sslCert), quote(sslCA))
	}
	return &DB{dbName: dbName, params: params}
}

// quote escapes a value for a key=value connection string.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

func (db *DB) connURL(dbName string) string {
	// The trailing space is important
	return fmt.Sprintf("dbname=%s %s", quote(dbName), db.params)
}

func (db *DB) server(ctx context.Context) (*sqlx.DB, error) {
	conn, err := sqlx.Open("postgres", db.connURL(maintenanceDB))
	if err != nil {
		return nil, errors.Wrap(err, "open server connection")
	}
	if err = conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ping server")
	}
	return conn, nil
}

func (db *DB) PingServer(ctx context.Context) error {
	conn, err := db.server(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (db *DB) CreateDatabaseIfNotExists(ctx context.Context) error {
	conn, err := db.server(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var n int
	q := `SELECT COUNT(*) FROM pg_database WHERE datname=$1`
	if err = conn.GetContext(ctx, &n, q, db.dbName); err != nil {
		return errors.Wrap(err, "find database")
	}
	if n > 0 {
		return nil
	}
	q = fmt.Sprintf(`CREATE DATABASE %s`, pq.QuoteIdentifier(db.dbName))
	if _, err = conn.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create database")
	}
	return nil
}

func (db *DB) Open(ctx context.Context) error {
	if db.DB != nil {
		return nil
	}
	conn, err := sqlx.Open("postgres", db.connURL(db.dbName))
	if err != nil {
		return errors.Wrap(err, "open db connection")
	}
	if err = conn.PingContext(ctx); err != nil {
		conn.Close()
		return errors.Wrap(err, "ping")
	}
	db.DB = conn
	return nil
}

func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

func (db *DB) Handle() *sqlx.DB { return db.DB }

func (db *DB) CreateMetaIfNotExists(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS upgradecheckpoints (
		chain TEXT NOT NULL,
		version INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		md5 TEXT NOT NULL,
		createdat TIMESTAMP NOT NULL DEFAULT (now() AT TIME ZONE 'utc'),
		PRIMARY KEY (chain, version, idx)
	)`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create upgradecheckpoints table")
	}
	q = `CREATE TABLE IF NOT EXISTS upgradehistory (
		chain TEXT NOT NULL,
		version INTEGER NOT NULL,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT '',
		startedat TIMESTAMP NOT NULL,
		finishedat TIMESTAMP NOT NULL,
		PRIMARY KEY (chain, version)
	)`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create upgradehistory table")
	}
	return nil
}

func (db *DB) CreateLedgerIfNotExists(ctx context.Context, design, data int) (created bool, err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	seed := map[upgrade.Counter]int{upgrade.Design: design, upgrade.Data: data}
	for _, c := range []upgrade.Counter{upgrade.Design, upgrade.Data} {
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)`, c.Table())
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return false, errors.Wrapf(err, "create %s table", c.Table())
		}
		var n int
		q = fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.Table())
		if err = tx.GetContext(ctx, &n, q); err != nil {
			return false, errors.Wrapf(err, "count %s", c.Table())
		}
		if n > 0 {
			continue
		}
		q = fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, c.Table())
		if _, err = tx.ExecContext(ctx, q, seed[c]); err != nil {
			return false, errors.Wrapf(err, "seed %s", c.Table())
		}
		created = true
	}
	return created, nil
}

func (db *DB) Version(ctx context.Context, c upgrade.Counter) (int, error) {
	if !c.Valid() {
		return 0, fmt.Errorf("unknown counter %q", c)
	}
	var version int
	q := fmt.Sprintf(`SELECT version FROM %s`, c.Table())
	err := db.GetContext(ctx, &version, q)
	switch {
	case err == sql.ErrNoRows:
		return 0, upgrade.ErrNoLedger
	case err != nil:
		return 0, errors.Wrap(err, "get version")
	}
	return version, nil
}

func (db *DB) SetVersion(ctx context.Context, c upgrade.Counter, v int) error {
	if !c.Valid() {
		return fmt.Errorf("unknown counter %q", c)
	}
	q := fmt.Sprintf(`UPDATE %s SET version=$1`, c.Table())
	res, err := db.ExecContext(ctx, q, v)
	if err != nil {
		return errors.Wrap(err, "update version")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return upgrade.ErrNoLedger
	}
	return nil
}

func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND UPPER(table_name) = $1`
	return db.exists(ctx, q, upgrade.Ident(table))
}

func (db *DB) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = current_schema()
		AND UPPER(table_name) = $1 AND UPPER(column_name) = $2`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(column))
}

func (db *DB) IndexExists(ctx context.Context, table, index string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM pg_indexes
		WHERE schemaname = current_schema()
		AND UPPER(tablename) = $1 AND UPPER(indexname) = $2`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(index))
}

func (db *DB) ConstraintExists(ctx context.Context, table, name string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.table_constraints
		WHERE table_schema = current_schema()
		AND UPPER(table_name) = $1 AND UPPER(constraint_name) = $2`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(name))
}

// PrimaryKeyExists with an empty name reports whether the table has any
// primary key.
func (db *DB) PrimaryKeyExists(ctx context.Context, table, name string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.table_constraints
		WHERE table_schema = current_schema()
		AND UPPER(table_name) = $1 AND constraint_type = 'PRIMARY KEY'`
	if name == "" {
		return db.exists(ctx, q, upgrade.Ident(table))
	}
	q += ` AND UPPER(constraint_name) = $2`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(name))
}

func (db *DB) exists(ctx context.Context, q string, args ...interface{}) (bool, error) {
	var n int
	if err := db.GetContext(ctx, &n, q, args...); err != nil {
		return false, errors.Wrap(err, "probe catalog")
	}
	return n > 0, nil
}

func (db *DB) GetCheckpoints(ctx context.Context, c upgrade.Counter, version int) ([]string, error) {
	checkpoints := []string{}
	q := `SELECT md5 FROM upgradecheckpoints WHERE chain=$1 AND version=$2 ORDER BY idx`
	err := db.SelectContext(ctx, &checkpoints, q, string(c), version)
	return checkpoints, err
}

func (db *DB) InsertCheckpoint(ctx context.Context, c upgrade.Counter, version, idx int, checksum string) error {
	q := `
		INSERT INTO upgradecheckpoints (chain, version, idx, md5)
		VALUES ($1, $2, $3, $4)`
	_, err := db.ExecContext(ctx, q, string(c), version, idx, checksum)
	return err
}

func (db *DB) DeleteCheckpoints(ctx context.Context, c upgrade.Counter, version int) error {
	q := `DELETE FROM upgradecheckpoints WHERE chain=$1 AND version=$2`
	_, err := db.ExecContext(ctx, q, string(c), version)
	return err
}

func (db *DB) GetHistory(ctx context.Context) ([]upgrade.History, error) {
	history := []upgrade.History{}
	q := `
		SELECT chain, version, name, checksum, startedat, finishedat
		FROM upgradehistory ORDER BY chain, version`
	err := db.SelectContext(ctx, &history, q)
	return history, err
}

func (db *DB) InsertHistory(ctx context.Context, h upgrade.History) error {
	q := `
		INSERT INTO upgradehistory
			(chain, version, name, checksum, startedat, finishedat)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, version) DO UPDATE SET
			name=EXCLUDED.name,
			checksum=EXCLUDED.checksum,
			startedat=EXCLUDED.startedat,
			finishedat=EXCLUDED.finishedat`
	_, err := db.ExecContext(ctx, q, h.Chain, h.Version, h.Name, h.Checksum,
		h.StartedAt, h.FinishedAt)
	return err
}
