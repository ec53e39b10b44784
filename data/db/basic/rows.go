package basic

import (
	"context"
	"database/sql"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

// conn *sql.DB 与 *sql.Tx 的公共部分
type conn interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// executor 执行前按方言改写占位符（postgres 的 ? 改为 $n）
type executor struct {
	conn    conn
	dialect dialect.Dialect
}

func (e executor) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := e.conn.QueryContext(ctx, e.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return &Rows{rows: rows}, nil
}

func (e executor) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return &Row{row: e.conn.QueryRowContext(ctx, e.dialect.Rebind(query), args...)}
}

func (e executor) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return e.conn.ExecContext(ctx, e.dialect.Rebind(query), args...)
}

func (e executor) Prepare(ctx context.Context, query string) (core.IStatement, error) {
	stmt, err := e.conn.PrepareContext(ctx, e.dialect.Rebind(query))
	if err != nil {
		return nil, err
	}
	return &Stmt{stmt: stmt}, nil
}

// Stmt 包装 sql.Stmt
type Stmt struct{ stmt *sql.Stmt }

func (s *Stmt) Exec(ctx context.Context, args ...any) (sql.Result, error) {
	return s.stmt.ExecContext(ctx, args...)
}

func (s *Stmt) Close() error { return s.stmt.Close() }

// Rows 包装 sql.Rows
type Rows struct{ rows *sql.Rows }

func (r *Rows) Next() bool                              { return r.rows.Next() }
func (r *Rows) Scan(dest ...any) error                  { return r.rows.Scan(dest...) }
func (r *Rows) Close() error                            { return r.rows.Close() }
func (r *Rows) Err() error                              { return r.rows.Err() }
func (r *Rows) Columns() ([]string, error)              { return r.rows.Columns() }
func (r *Rows) ColumnTypes() ([]*sql.ColumnType, error) { return r.rows.ColumnTypes() }

// Row 包装 sql.Row
type Row struct{ row *sql.Row }

func (r *Row) Scan(dest ...any) error { return r.row.Scan(dest...) }
func (r *Row) Err() error             { return r.row.Err() }
