// Package entity is a minimal persistence layer over sqlx for record
// updates: find by key, merge a changed record, one transaction at a time.
package entity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/egtann/upgrade"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var (
	ErrNoTransaction = errors.New("no active transaction")
	ErrNotFound      = errors.New("record not found")
)

// Table maps rows of one table to T, a struct with db tags. It opens one
// Manager per pipeline worker.
type Table[T any] struct {
	DB   *sqlx.DB
	Name string

	// Key is the primary key column, "id" when empty.
	Key string

	// Columns are read by Find and written by Merge. The key is not
	// included.
	Columns []string
}

func (t *Table[T]) key() string {
	if t.Key == "" {
		return "id"
	}
	return t.Key
}

func (t *Table[T]) selectQuery() string {
	cols := append([]string{t.key()}, t.Columns...)
	return t.DB.Rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE %s=?`,
		strings.Join(cols, ", "), t.Name, t.key()))
}

func (t *Table[T]) updateQuery() string {
	set := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		set[i] = fmt.Sprintf("%s=:%s", c, c)
	}
	return fmt.Sprintf(`UPDATE %s SET %s WHERE %s=:%s`,
		t.Name, strings.Join(set, ", "), t.key(), t.key())
}

// NewEntityManager reserves a connection from the pool for the caller.
func (t *Table[T]) NewEntityManager(ctx context.Context) (upgrade.EntityManager[*T], error) {
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", t.Name)
	}
	conn, err := t.DB.Connx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reserve connection")
	}
	return &Manager[T]{
		table:  t,
		conn:   conn,
		find:   t.selectQuery(),
		update: t.updateQuery(),
	}, nil
}

// Manager is a single-connection entity manager. It is not safe for
// concurrent use.
type Manager[T any] struct {
	table  *Table[T]
	conn   *sqlx.Conn
	tx     *sqlx.Tx
	find   string
	update string
}

func (m *Manager[T]) Find(ctx context.Context, id int64) (*T, bool, error) {
	rec := new(T)
	var err error
	if m.tx != nil {
		err = m.tx.GetContext(ctx, rec, m.find, id)
	} else {
		err = m.conn.GetContext(ctx, rec, m.find, id)
	}
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "find %s %d", m.table.Name, id)
	}
	return rec, true, nil
}

// Merge writes rec back. It must run inside a transaction.
func (m *Manager[T]) Merge(ctx context.Context, rec *T) error {
	if m.tx == nil {
		return ErrNoTransaction
	}
	q, args, err := sqlx.Named(m.update, rec)
	if err != nil {
		return errors.Wrap(err, "bind")
	}
	res, err := m.tx.ExecContext(ctx, m.table.DB.Rebind(q), args...)
	if err != nil {
		return errors.Wrapf(err, "update %s", m.table.Name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Manager[T]) Begin(ctx context.Context) error {
	if m.tx != nil {
		return errors.New("transaction already active")
	}
	tx, err := m.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	m.tx = tx
	return nil
}

func (m *Manager[T]) Commit() error {
	if m.tx == nil {
		return ErrNoTransaction
	}
	tx := m.tx
	m.tx = nil
	return tx.Commit()
}

func (m *Manager[T]) Rollback() error {
	if m.tx == nil {
		return ErrNoTransaction
	}
	tx := m.tx
	m.tx = nil
	return tx.Rollback()
}

func (m *Manager[T]) IsActive() bool { return m.tx != nil }

// Close rolls back any open transaction and returns the connection to the
// pool.
func (m *Manager[T]) Close() error {
	if m.tx != nil {
		_ = m.Rollback()
	}
	return m.conn.Close()
}
