package upgrade

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Counter names one of the two ledger counters.
type Counter string

const (
	Design Counter = "design"
	Data   Counter = "data"
)

func (c Counter) Valid() bool {
	return c == Design || c == Data
}

// Table is the name of the single-row table holding the counter.
func (c Counter) Table() string {
	return string(c) + "version"
}

// LedgerStore reads and writes the two single-row version tables.
type LedgerStore interface {
	// CreateLedgerIfNotExists creates both version tables. When a table had
	// no row, it is seeded with the given version and created is true.
	CreateLedgerIfNotExists(ctx context.Context, design, data int) (created bool, err error)
	Version(ctx context.Context, c Counter) (int, error)
	SetVersion(ctx context.Context, c Counter, v int) error
}

// Prober answers catalog questions so DDL steps can be re-run safely.
// Identifiers are compared case-insensitively.
type Prober interface {
	TableExists(ctx context.Context, table string) (bool, error)
	ColumnExists(ctx context.Context, table, column string) (bool, error)
	IndexExists(ctx context.Context, table, index string) (bool, error)
	ConstraintExists(ctx context.Context, table, name string) (bool, error)
	PrimaryKeyExists(ctx context.Context, table, name string) (bool, error)
}

// History is a record of one applied step.
type History struct {
	Chain      string    `db:"chain"`
	Version    int       `db:"version"`
	Name       string    `db:"name"`
	Checksum   string    `db:"checksum"`
	StartedAt  time.Time `db:"startedat"`
	FinishedAt time.Time `db:"finishedat"`
}

// Store is implemented by each supported database.
type Store interface {
	LedgerStore
	Prober

	// PingServer checks that the database server (or, for file databases,
	// the directory holding the file) is reachable. It does not require the
	// database itself to exist.
	PingServer(ctx context.Context) error
	CreateDatabaseIfNotExists(ctx context.Context) error
	Open(ctx context.Context) error
	Close() error
	Handle() *sqlx.DB

	CreateMetaIfNotExists(ctx context.Context) error

	GetCheckpoints(ctx context.Context, c Counter, version int) ([]string, error)
	InsertCheckpoint(ctx context.Context, c Counter, version, idx int, checksum string) error
	DeleteCheckpoints(ctx context.Context, c Counter, version int) error

	GetHistory(ctx context.Context) ([]History, error)
	InsertHistory(ctx context.Context, h History) error
}

// Ident normalizes an identifier for catalog comparisons. Some embedded
// engines store identifiers upper-cased, so every probe compares upper-case
// on both sides.
func Ident(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
