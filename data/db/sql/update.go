package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

// setClause SET 中的一项：列赋值或原样表达式
type setClause struct {
	col  string
	expr string
	args []any
}

type updateBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table     string
	sets      []setClause
	whereExpr []string
	whereArgs []any
}

func (b *updateBuilder) Set(col string, val any) IUpdateBuilder {
	if col != "" {
		b.sets = append(b.sets, setClause{col: col, args: []any{val}})
	}
	return b
}

func (b *updateBuilder) SetExpr(expr string, args ...any) IUpdateBuilder {
	if expr != "" {
		b.sets = append(b.sets, setClause{expr: expr, args: args})
	}
	return b
}

func (b *updateBuilder) Where(cond string, args ...any) IUpdateBuilder {
	if cond != "" {
		b.whereExpr = append(b.whereExpr, cond)
		b.whereArgs = append(b.whereArgs, args...)
	}
	return b
}

// Build SET 各项按调用顺序渲染，参数顺序与占位符一致
func (b *updateBuilder) Build() (string, []any) {
	if len(b.sets) == 0 {
		panic("updateBuilder: no columns or expressions to set")
	}

	var sb strings.Builder
	args := make([]any, 0, len(b.sets)+len(b.whereArgs))
	sb.WriteString("UPDATE ")
	sb.WriteString(quoteIdentifier(b.dialect, "updateBuilder", b.table))
	sb.WriteString(" SET ")
	for i, s := range b.sets {
		if i > 0 {
			sb.WriteString(", ")
		}
		if s.expr != "" {
			sb.WriteString(s.expr)
		} else {
			sb.WriteString(quoteIdentifier(b.dialect, "updateBuilder", s.col))
			sb.WriteString(" = ?")
		}
		args = append(args, s.args...)
	}
	if len(b.whereExpr) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.whereExpr, " AND "))
		args = append(args, b.whereArgs...)
	}
	return sb.String(), args
}

func (b *updateBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
