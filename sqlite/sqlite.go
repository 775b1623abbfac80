package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/egtann/upgrade"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	_ "github.com/mattn/go-sqlite3"
)

// connParams let pipeline workers share the file: writers wait on each
// other instead of failing with SQLITE_BUSY.
const connParams = "_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on"

type DB struct {
	filepath string

	// Embed the sqlx DB struct
	*sqlx.DB
}

func New(dbFile string) *DB {
	return &DB{filepath: dbFile}
}

func (db *DB) dsn() string {
	if strings.Contains(db.filepath, "?") {
		return db.filepath + "&" + connParams
	}
	return db.filepath + "?" + connParams
}

func (db *DB) inMemory() bool {
	return strings.HasPrefix(db.filepath, ":memory:") ||
		strings.Contains(db.filepath, "mode=memory")
}

// PingServer checks that the directory holding the database file exists.
func (db *DB) PingServer(ctx context.Context) error {
	if db.inMemory() {
		return nil
	}
	dir := filepath.Dir(strings.TrimPrefix(db.filepath, "file:"))
	fi, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "stat database dir")
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func (db *DB) CreateDatabaseIfNotExists(ctx context.Context) error {
	if db.inMemory() || strings.HasPrefix(db.filepath, "file:") {
		return nil
	}
	fi, err := os.OpenFile(db.filepath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "create database file")
	}
	return fi.Close()
}

func (db *DB) Open(ctx context.Context) error {
	if db.DB != nil {
		return nil
	}
	conn, err := sqlx.Open("sqlite3", db.dsn())
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
		createdat TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
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
	q := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND UPPER(name)=$1`
	return db.exists(ctx, q, upgrade.Ident(table))
}

func (db *DB) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	q := `SELECT COUNT(*) FROM pragma_table_info($1) WHERE UPPER(name)=$2`
	return db.exists(ctx, q, table, upgrade.Ident(column))
}

func (db *DB) IndexExists(ctx context.Context, table, index string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='index' AND UPPER(tbl_name)=$1 AND UPPER(name)=$2`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(index))
}

// ConstraintExists looks for a named constraint in the table definition.
// sqlite keeps no catalog of constraints.
func (db *DB) ConstraintExists(ctx context.Context, table, name string) (bool, error) {
	def, err := db.tableSQL(ctx, table)
	if err != nil || def == "" {
		return false, err
	}
	return constraintRegexp(name, "").MatchString(def), nil
}

// PrimaryKeyExists with an empty name reports whether the table has any
// primary key column.
func (db *DB) PrimaryKeyExists(ctx context.Context, table, name string) (bool, error) {
	if name == "" {
		q := `SELECT COUNT(*) FROM pragma_table_info($1) WHERE pk > 0`
		return db.exists(ctx, q, table)
	}
	def, err := db.tableSQL(ctx, table)
	if err != nil || def == "" {
		return false, err
	}
	return constraintRegexp(name, `\s+PRIMARY\s+KEY`).MatchString(def), nil
}

func (db *DB) tableSQL(ctx context.Context, table string) (string, error) {
	var def string
	q := `SELECT sql FROM sqlite_master WHERE type='table' AND UPPER(name)=$1`
	err := db.GetContext(ctx, &def, q, upgrade.Ident(table))
	switch {
	case err == sql.ErrNoRows:
		return "", nil
	case err != nil:
		return "", errors.Wrap(err, "get table sql")
	}
	return def, nil
}

func constraintRegexp(name, suffix string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)CONSTRAINT\s+["'` + "`" + `\[]?` +
		regexp.QuoteMeta(name) + `["'` + "`" + `\]]?` + suffix + `(\s|\(|,|$)`)
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

// InsertHistory records a step. A step re-run after a crash replaces its
// earlier row.
func (db *DB) InsertHistory(ctx context.Context, h upgrade.History) error {
	q := `
		INSERT INTO upgradehistory
			(chain, version, name, checksum, startedat, finishedat)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(chain, version) DO UPDATE SET
			name=excluded.name,
			checksum=excluded.checksum,
			startedat=excluded.startedat,
			finishedat=excluded.finishedat`
	_, err := db.ExecContext(ctx, q, h.Chain, h.Version, h.Name, h.Checksum,
		h.StartedAt, h.FinishedAt)
	return err
}
