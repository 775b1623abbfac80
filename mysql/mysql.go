package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/egtann/upgrade"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type DB struct {
	cfg       *mysql.Config
	tlsConfig *upgrade.TLSConfig

	// Embed the sqlx DB struct
	*sqlx.DB
}

// New prepares a connection. TLS is used when sslKey is set; the config is
// registered with the driver under sslServerName.
func New(
	user, pass, host, dbName string,
	port int,
	sslKey, sslCert, sslCA, sslServerName string,
) (*DB, error) {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = pass
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = dbName
	cfg.ParseTime = true
	db := &DB{cfg: cfg}
	if sslKey != "" {
		var err error
		db.tlsConfig, err = upgrade.NewTLSConfig(sslServerName, sslKey,
			sslCert, sslCA, sslServerName)
		if err != nil {
			return nil, errors.Wrap(err, "new tls config")
		}
		cfg.TLSConfig = sslServerName
	}
	return db, nil
}

func (db *DB) registerTLS() error {
	if db.tlsConfig == nil {
		return nil
	}
	err := mysql.RegisterTLSConfig(db.tlsConfig.Name, db.tlsConfig.Config)
	if err != nil {
		return errors.Wrap(err, "register tls config")
	}
	return nil
}

// server connects without selecting a database, which may not exist yet.
func (db *DB) server(ctx context.Context) (*sqlx.DB, error) {
	if err := db.registerTLS(); err != nil {
		return nil, err
	}
	cfg := db.cfg.Clone()
	cfg.DBName = ""
	conn, err := sqlx.Open("mysql", cfg.FormatDSN())
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
	q := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", quoteIdent(db.cfg.DBName))
	if _, err = conn.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create database")
	}
	return nil
}

func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func (db *DB) Open(ctx context.Context) error {
	if db.DB != nil {
		return nil
	}
	if err := db.registerTLS(); err != nil {
		return err
	}
	conn, err := sqlx.Open("mysql", db.cfg.FormatDSN())
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
		chain VARCHAR(16) NOT NULL,
		version INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		md5 VARCHAR(255) NOT NULL,
		createdat DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (chain, version, idx)
	)`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create upgradecheckpoints table")
	}
	q = `CREATE TABLE IF NOT EXISTS upgradehistory (
		chain VARCHAR(16) NOT NULL,
		version INTEGER NOT NULL,
		name VARCHAR(255) NOT NULL,
		checksum VARCHAR(255) NOT NULL DEFAULT '',
		startedat DATETIME(6) NOT NULL,
		finishedat DATETIME(6) NOT NULL,
		PRIMARY KEY (chain, version)
	)`
	if _, err := db.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "create upgradehistory table")
	}
	return nil
}

func (db *DB) CreateLedgerIfNotExists(ctx context.Context, design, data int) (bool, error) {
	seed := map[upgrade.Counter]int{upgrade.Design: design, upgrade.Data: data}
	var created bool
	for _, c := range []upgrade.Counter{upgrade.Design, upgrade.Data} {
		q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)`, c.Table())
		if _, err := db.ExecContext(ctx, q); err != nil {
			return false, errors.Wrapf(err, "create %s table", c.Table())
		}
		var n int
		q = fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.Table())
		if err := db.GetContext(ctx, &n, q); err != nil {
			return false, errors.Wrapf(err, "count %s", c.Table())
		}
		if n > 0 {
			continue
		}
		q = fmt.Sprintf(`INSERT INTO %s (version) VALUES (?)`, c.Table())
		if _, err := db.ExecContext(ctx, q, seed[c]); err != nil {
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
	// mysql reports zero affected rows for an unchanged value, so the row
	// count says nothing about a missing ledger row here.
	q := fmt.Sprintf(`UPDATE %s SET version=?`, c.Table())
	if _, err := db.ExecContext(ctx, q, v); err != nil {
		return errors.Wrap(err, "update version")
	}
	return nil
}

func (db *DB) TableExists(ctx context.Context, table string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = DATABASE() AND UPPER(table_name) = ?`
	return db.exists(ctx, q, upgrade.Ident(table))
}

func (db *DB) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = DATABASE()
		AND UPPER(table_name) = ? AND UPPER(column_name) = ?`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(column))
}

func (db *DB) IndexExists(ctx context.Context, table, index string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.statistics
		WHERE table_schema = DATABASE()
		AND UPPER(table_name) = ? AND UPPER(index_name) = ?`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(index))
}

func (db *DB) ConstraintExists(ctx context.Context, table, name string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.table_constraints
		WHERE table_schema = DATABASE()
		AND UPPER(table_name) = ? AND UPPER(constraint_name) = ?`
	return db.exists(ctx, q, upgrade.Ident(table), upgrade.Ident(name))
}

// PrimaryKeyExists ignores name: mysql always names the primary key
// PRIMARY.
func (db *DB) PrimaryKeyExists(ctx context.Context, table, name string) (bool, error) {
	q := `
		SELECT COUNT(*) FROM information_schema.table_constraints
		WHERE table_schema = DATABASE()
		AND UPPER(table_name) = ? AND constraint_type = 'PRIMARY KEY'`
	return db.exists(ctx, q, upgrade.Ident(table))
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
	q := `SELECT md5 FROM upgradecheckpoints WHERE chain=? AND version=? ORDER BY idx`
	err := db.SelectContext(ctx, &checkpoints, q, string(c), version)
	return checkpoints, err
}

func (db *DB) InsertCheckpoint(ctx context.Context, c upgrade.Counter, version, idx int, checksum string) error {
	q := `
		INSERT INTO upgradecheckpoints (chain, version, idx, md5)
		VALUES (?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q, string(c), version, idx, checksum)
	return err
}

func (db *DB) DeleteCheckpoints(ctx context.Context, c upgrade.Counter, version int) error {
	q := `DELETE FROM upgradecheckpoints WHERE chain=? AND version=?`
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
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE name=?, checksum=?, startedat=?, finishedat=?`
	_, err := db.ExecContext(ctx, q,
		h.Chain, h.Version, h.Name, h.Checksum, h.StartedAt, h.FinishedAt,
		h.Name, h.Checksum, h.StartedAt, h.FinishedAt)
	return err
}
