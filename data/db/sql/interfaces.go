package sql

import (
	"context"
	"database/sql"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

// ISql 提供统一的 SQL 构建与执行接口。
type ISql interface {
	Select(columns ...string) ISelectBuilder
	InsertInto(table string) IInsertBuilder
	Update(table string) IUpdateBuilder
	DeleteFrom(table string) IDeleteBuilder
	UpsertInto(table string) IUpsertBuilder

	GetDB() core.IDatabase

	// Dialect 返回推断出的方言
	Dialect() dialect.Dialect
}

// ISelectBuilder 构建 SELECT 语句。
type ISelectBuilder interface {
	From(table string) ISelectBuilder
	Where(cond string, args ...any) ISelectBuilder
	And(cond string, args ...any) ISelectBuilder
	OrderBy(expr string) ISelectBuilder
	Limit(n int) ISelectBuilder
	Offset(n int) ISelectBuilder
	// ForUpdate 追加行锁（方言不支持时忽略）
	ForUpdate() ISelectBuilder
	Build() (query string, args []any)
	Query(ctx context.Context) (core.IRows, error)
	QueryRow(ctx context.Context) core.IRow
}

// IInsertBuilder 构建 INSERT 语句。
type IInsertBuilder interface {
	Columns(cols ...string) IInsertBuilder
	Values(vals ...any) IInsertBuilder
	// IgnoreConflict 遇到唯一键冲突时静默跳过该行
	// （ON CONFLICT (keys) DO NOTHING / INSERT IGNORE）
	IgnoreConflict(keyCols ...string) IInsertBuilder
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IUpdateBuilder 构建 UPDATE 语句。
type IUpdateBuilder interface {
	Set(column string, val any) IUpdateBuilder
	// SetExpr 原样追加 SET 片段，例如 "VERSION = VERSION + 1"
	SetExpr(expr string, args ...any) IUpdateBuilder
	Where(cond string, args ...any) IUpdateBuilder
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IDeleteBuilder 构建 DELETE 语句。
type IDeleteBuilder interface {
	// Where 多次调用时各条件加括号后以 AND 连接
	Where(cond string, args ...any) IDeleteBuilder
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// IUpsertBuilder 构建 UPSERT 语句。
//
// 方言支持原生 upsert 时渲染为单条语句；否则 Exec 退化为
// “先插入，唯一键冲突后按 Key 更新”。
type IUpsertBuilder interface {
	Columns(cols ...string) IUpsertBuilder
	Values(vals ...any) IUpsertBuilder
	Key(cols ...string) IUpsertBuilder
	UpdateSet(col string, val any) IUpsertBuilder
	UpdateSetMap(values map[string]any) IUpsertBuilder
	// UpdateColumns 冲突时用新值覆盖的列（默认：除 Key 以外的全部列）
	UpdateColumns(cols ...string) IUpsertBuilder
	// Native 是否能渲染为单条原生 upsert
	Native() bool
	// Build 渲染原生 upsert，仅在 Native() 为 true 时可用
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

type sqlImpl struct {
	db      core.IDatabase
	dialect dialect.Dialect
}

// New 创建 ISql 实例。
func New(db core.IDatabase) ISql {
	return &sqlImpl{
		db:      db,
		dialect: dialect.FromDatabase(db),
	}
}

// NewWithDialect 使用显式方言创建 ISql 实例（例如覆盖了能力开关的方言）。
func NewWithDialect(db core.IDatabase, d dialect.Dialect) ISql {
	return &sqlImpl{db: db, dialect: d}
}

func (s *sqlImpl) Select(columns ...string) ISelectBuilder {
	if len(columns) == 0 {
		columns = []string{"*"}
	}
	return &selectBuilder{
		db:      s.db,
		dialect: s.dialect,
		cols:    columns,
	}
}

func (s *sqlImpl) InsertInto(table string) IInsertBuilder {
	return &insertBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) Update(table string) IUpdateBuilder {
	return &updateBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) DeleteFrom(table string) IDeleteBuilder {
	return &deleteBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) UpsertInto(table string) IUpsertBuilder {
	return &upsertBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) GetDB() core.IDatabase {
	return s.db
}

func (s *sqlImpl) Dialect() dialect.Dialect {
	return s.dialect
}
