package sql

import (
	"context"
	"strings"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

// selectBuilder 列与表名原样输出，调用方负责加引号（便于使用别名与联接）
type selectBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	cols    []string
	table   string
	where   []string
	args    []any
	orderBy string
	limit   int
	offset  int
	locking bool
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	if cond != "" {
		b.where = append(b.where, cond)
		b.args = append(b.args, args...)
	}
	return b
}

func (b *selectBuilder) And(cond string, args ...any) ISelectBuilder {
	return b.Where(cond, args...)
}

func (b *selectBuilder) OrderBy(expr string) ISelectBuilder {
	b.orderBy = expr
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	b.limit = n
	return b
}

func (b *selectBuilder) Offset(n int) ISelectBuilder {
	b.offset = n
	return b
}

// ForUpdate 方言不支持行锁（SQLite）时忽略
func (b *selectBuilder) ForUpdate() ISelectBuilder {
	b.locking = b.dialect.SupportsForUpdate()
	return b
}

// Build 可重复调用；LIMIT/OFFSET 以参数形式追加在条件参数之后
func (b *selectBuilder) Build() (string, []any) {
	parts := []string{"SELECT " + strings.Join(b.cols, ", "), "FROM " + b.table}
	args := append(make([]any, 0, len(b.args)+2), b.args...)
	if len(b.where) > 0 {
		parts = append(parts, "WHERE "+strings.Join(b.where, " AND "))
	}
	if b.orderBy != "" {
		parts = append(parts, "ORDER BY "+b.orderBy)
	}
	for _, page := range []struct {
		kw string
		n  int
	}{{"LIMIT ?", b.limit}, {"OFFSET ?", b.offset}} {
		if page.n > 0 {
			parts = append(parts, page.kw)
			args = append(args, page.n)
		}
	}
	if b.locking {
		parts = append(parts, "FOR UPDATE")
	}
	return strings.Join(parts, " "), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}
