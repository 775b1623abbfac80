package upgrade

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// guarded runs ddl only when exists reports false, which makes the step safe
// to apply twice.
func guarded(
	from int,
	name, ddl string,
	exists func(ctx context.Context, p Prober) (bool, error),
) Step {
	return Func(from, name, func(ctx context.Context, env *Env) error {
		ok, err := exists(ctx, env.Store)
		if err != nil {
			return errors.Wrap(err, "probe")
		}
		if ok {
			env.Log.Debug("Already applied, skipping", zap.String("step", name))
			return nil
		}
		if _, err = env.DB.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, "exec %s", name)
		}
		return nil
	})
}

// CreateTable runs ddl unless table exists.
func CreateTable(from int, table, ddl string) Step {
	return guarded(from, "create table "+table, ddl,
		func(ctx context.Context, p Prober) (bool, error) {
			return p.TableExists(ctx, table)
		})
}

// AddColumn adds column with the given definition unless it already exists.
func AddColumn(from int, table, column, definition string) Step {
	ddl := "ALTER TABLE " + table + " ADD COLUMN " + column + " " + definition
	return guarded(from, "add column "+table+"."+column, ddl,
		func(ctx context.Context, p Prober) (bool, error) {
			return p.ColumnExists(ctx, table, column)
		})
}

// DropColumn drops column if it is still there.
func DropColumn(from int, table, column string) Step {
	ddl := "ALTER TABLE " + table + " DROP COLUMN " + column
	return guarded(from, "drop column "+table+"."+column, ddl,
		func(ctx context.Context, p Prober) (bool, error) {
			ok, err := p.ColumnExists(ctx, table, column)
			return !ok, err
		})
}

// CreateIndex runs ddl unless the index exists on table.
func CreateIndex(from int, table, index, ddl string) Step {
	return guarded(from, "create index "+index, ddl,
		func(ctx context.Context, p Prober) (bool, error) {
			return p.IndexExists(ctx, table, index)
		})
}

// AddConstraint runs ddl unless a constraint with that name exists on table.
func AddConstraint(from int, table, name, ddl string) Step {
	return guarded(from, "add constraint "+name, ddl,
		func(ctx context.Context, p Prober) (bool, error) {
			return p.ConstraintExists(ctx, table, name)
		})
}

// AddPrimaryKey runs ddl unless table already has the named primary key.
func AddPrimaryKey(from int, table, name, ddl string) Step {
	return guarded(from, "add primary key "+table, ddl,
		func(ctx context.Context, p Prober) (bool, error) {
			return p.PrimaryKeyExists(ctx, table, name)
		})
}
