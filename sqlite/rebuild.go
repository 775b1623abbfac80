package sqlite

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/egtann/upgrade"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Vacuum rebuilds the database file. Use it as the Run of an
// upgrade.EngineUpgrade after steps that drop large tables or columns.
func Vacuum(ctx context.Context, env *upgrade.Env) error {
	if _, err := env.DB.ExecContext(ctx, `VACUUM`); err != nil {
		return errors.Wrap(err, "vacuum")
	}
	return nil
}

// Analyze refreshes the query planner statistics.
func Analyze(ctx context.Context, env *upgrade.Env) error {
	if _, err := env.DB.ExecContext(ctx, `ANALYZE`); err != nil {
		return errors.Wrap(err, "analyze")
	}
	return nil
}

// RebuildTable is a design step that changes a table's definition.
// sqlite doesn't support MODIFY COLUMN so we recreate the table: create
// the new definition under a temporary name, copy columns across, drop the
// old table and rename. It all happens in one transaction, so running it
// again after a crash produces the same table.
//
// create must be a CREATE TABLE statement for table. columns are copied by
// name and must exist in both definitions.
func RebuildTable(from int, name, table, create string, columns ...string) upgrade.Step {
	return upgrade.Func(from, name, func(ctx context.Context, env *upgrade.Env) (err error) {
		tmp := table + "tmp"
		createTmp, err := renameCreate(create, table, tmp)
		if err != nil {
			return err
		}

		// Begin Tx
		tx, err := env.DB.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin tx")
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback()
				return
			}
			err = tx.Commit()
		}()

		if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tmp)); err != nil {
			return errors.Wrapf(err, "drop %s", tmp)
		}
		if _, err = tx.ExecContext(ctx, createTmp); err != nil {
			return errors.Wrapf(err, "create %s", tmp)
		}
		cols := strings.Join(columns, ", ")
		q := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, tmp, cols, cols, table)
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "insert %s", tmp)
		}
		if _, err = tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, table)); err != nil {
			return errors.Wrapf(err, "drop %s", table)
		}
		q = fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, tmp, table)
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return errors.Wrapf(err, "rename %s", tmp)
		}
		env.Log.Info("Rebuilt table", zap.String("table", table), zap.Int("columns", len(columns)))
		return nil
	})
}

// renameCreate points a CREATE TABLE statement at another table name. Only
// the name following CREATE TABLE [IF NOT EXISTS] changes.
func renameCreate(create, table, to string) (string, error) {
	re := regexp.MustCompile(`(?is)^\s*CREATE\s+(?:TEMP(?:ORARY)?\s+)?TABLE\s+` +
		`(?:IF\s+NOT\s+EXISTS\s+)?["` + "`" + `\[]?(` + regexp.QuoteMeta(table) + `)["` + "`" + `\]]?(?:\s|\(|$)`)
	m := re.FindStringSubmatchIndex(create)
	if m == nil {
		return "", fmt.Errorf("not a CREATE TABLE statement for %s", table)
	}
	return create[:m[2]] + to + create[m[3]:], nil
}
