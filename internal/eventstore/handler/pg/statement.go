package pg

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
)

// NewCreateStatement builds a Statement that inserts one row, used by
// concrete projections' reducers for "X created" events.
func NewCreateStatement(event eventstore.Event, tableName string, values []handler.Column) *handler.Statement {
	return handler.NewStatement(event, []string{tableName}, func(ctx context.Context, ex handler.Executer, projectionName string) error {
		cols := make([]string, len(values))
		vals := make([]interface{}, len(values))
		for i, c := range values {
			cols[i] = c.Name
			vals[i] = c.Value
		}
		query, args, err := sq.Insert(tableName).Columns(cols...).Values(vals...).PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, query, args...)
		return err
	})
}

// NewUpdateStatement builds a Statement that updates rows matching
// conditions, used for "X changed" events.
func NewUpdateStatement(event eventstore.Event, tableName string, values, conditions []handler.Column) *handler.Statement {
	return handler.NewStatement(event, []string{tableName}, func(ctx context.Context, ex handler.Executer, projectionName string) error {
		builder := sq.Update(tableName)
		for _, c := range values {
			builder = builder.Set(c.Name, c.Value)
		}
		builder = builder.Where(whereFromColumns(conditions))
		query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, query, args...)
		return err
	})
}

// NewUpsertStatement builds an INSERT ... ON CONFLICT (conflictCols) DO
// UPDATE statement, used when a projection cannot tell create from
// update at reduce time (e.g. a replayed "added" event).
func NewUpsertStatement(event eventstore.Event, tableName string, conflictCols []string, values []handler.Column) *handler.Statement {
	return handler.NewStatement(event, []string{tableName}, func(ctx context.Context, ex handler.Executer, projectionName string) error {
		cols := make([]string, len(values))
		vals := make([]interface{}, len(values))
		for i, c := range values {
			cols[i] = c.Name
			vals[i] = c.Value
		}
		setClauses := ""
		for i, c := range cols {
			if isConflictCol(c, conflictCols) {
				continue
			}
			if setClauses != "" {
				setClauses += ", "
			}
			setClauses += c + " = EXCLUDED." + c
			_ = i
		}
		builder := sq.Insert(tableName).Columns(cols...).Values(vals...)
		if setClauses != "" {
			builder = builder.Suffix("ON CONFLICT ("+joinCols(conflictCols)+") DO UPDATE SET "+setClauses)
		} else {
			builder = builder.Suffix("ON CONFLICT (" + joinCols(conflictCols) + ") DO NOTHING")
		}
		query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, query, args...)
		return err
	})
}

// NewDeleteStatement builds a Statement that deletes rows matching
// conditions, used for "X removed" events.
func NewDeleteStatement(event eventstore.Event, tableName string, conditions []handler.Column) *handler.Statement {
	return handler.NewStatement(event, []string{tableName}, func(ctx context.Context, ex handler.Executer, projectionName string) error {
		query, args, err := sq.Delete(tableName).Where(whereFromColumns(conditions)).PlaceholderFormat(sq.Dollar).ToSql()
		if err != nil {
			return err
		}
		_, err = ex.ExecContext(ctx, query, args...)
		return err
	})
}

// NewMultiStatement combines several table writes so they are applied and
// rolled back together behind a single savepoint — used by projections
// whose reduce touches more than one table for the same event.
func NewMultiStatement(event eventstore.Event, subStatements ...func(ctx context.Context, ex handler.Executer, projectionName string) error) *handler.Statement {
	return handler.NewStatement(event, nil, func(ctx context.Context, ex handler.Executer, projectionName string) error {
		for _, sub := range subStatements {
			if err := sub(ctx, ex, projectionName); err != nil {
				return err
			}
		}
		return nil
	})
}

func whereFromColumns(conditions []handler.Column) sq.Eq {
	where := sq.Eq{}
	for _, c := range conditions {
		where[c.Name] = c.Value
	}
	return where
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

func isConflictCol(col string, conflictCols []string) bool {
	for _, c := range conflictCols {
		if c == col {
			return true
		}
	}
	return false
}
