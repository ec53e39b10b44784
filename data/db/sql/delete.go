package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

// deleteBuilder 脱钩与级联删除都只需要 "DELETE FROM t WHERE ..."，不带别名
type deleteBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect
	table   string
	conds   []string
	args    []any
}

func (b *deleteBuilder) Where(cond string, args ...any) IDeleteBuilder {
	if cond == "" {
		return b
	}
	b.conds = append(b.conds, cond)
	b.args = append(b.args, args...)
	return b
}

func (b *deleteBuilder) Build() (string, []any) {
	q := "DELETE FROM " + quoteIdentifier(b.dialect, "deleteBuilder", b.table)
	switch len(b.conds) {
	case 0:
	case 1:
		q += " WHERE " + b.conds[0]
	default:
		q += " WHERE (" + strings.Join(b.conds, ") AND (") + ")"
	}
	return q, append([]any(nil), b.args...)
}

func (b *deleteBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
