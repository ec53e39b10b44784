package mutation

import (
	"context"
	"database/sql"
	"time"

	core "gorel/data/db"
	"gorel/data/db/dialect"
	"gorel/logging"
)

// Statement 一次批量执行的记录：同一条 SQL，每行一组参数
type Statement struct {
	SQL  string
	Rows [][]any
	Path string
}

// StatementListener 每条语句（或批次）执行后回调，测试用它断言语句顺序与批量
type StatementListener func(ctx context.Context, stmt Statement)

// Executor 在 IDatabase（或事务）上执行渲染好的语句，并翻译错误
type Executor struct {
	db         core.IDatabase
	dialect    dialect.Dialect
	translator TranslatorChain
	listeners  []StatementListener
	logger     logging.Logger
}

// ExecutorOption 执行器选项
type ExecutorOption func(*Executor)

// WithStatementListener 注册语句监听器
func WithStatementListener(l StatementListener) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.listeners = append(e.listeners, l)
		}
	}
}

// WithTranslators 设置基础异常翻译器（默认翻译器总在最后）
func WithTranslators(ts ...ExceptionTranslator) ExecutorOption {
	return func(e *Executor) {
		e.translator = append(TranslatorChain(ts), DefaultTranslator{})
	}
}

// NewExecutor 创建执行器
func NewExecutor(db core.IDatabase, d dialect.Dialect, opts ...ExecutorOption) *Executor {
	e := &Executor{
		db:         db,
		dialect:    d,
		translator: TranslatorChain{DefaultTranslator{}},
		logger:     logging.ComponentLogger("mutation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dialect 当前方言
func (e *Executor) Dialect() dialect.Dialect { return e.dialect }

// DB 底层连接或事务
func (e *Executor) DB() core.IDatabase { return e.db }

// WithDB 返回绑定到另一个连接（通常是事务）的副本
func (e *Executor) WithDB(db core.IDatabase) *Executor {
	c := *e
	c.db = db
	return &c
}

// withTranslators 命令级翻译器排在基础翻译器之前
func (e *Executor) withTranslators(ts []ExceptionTranslator) *Executor {
	if len(ts) == 0 {
		return e
	}
	c := *e
	c.translator = append(append(TranslatorChain(nil), ts...), e.translator...)
	return &c
}

func (e *Executor) translate(ctx context.Context, err error, path *MutationPath, query string) error {
	translated := e.translator.Translate(ctx, err, ExecInfo{Path: path, SQL: query, Dialect: e.dialect})
	e.logger.Warn(ctx, "statement failed",
		logging.String("sql", query),
		logging.String("path", pathString(path)),
		logging.Error(translated))
	return translated
}

// ExecBatch 以同一条 SQL 逐行执行参数，返回每行结果；rows 为空时什么都不做。
// 连接支持预编译时多行参数共用一条准备好的语句
func (e *Executor) ExecBatch(ctx context.Context, path *MutationPath, query string, rows [][]any) ([]sql.Result, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	start := time.Now()
	exec := func(args []any) (sql.Result, error) { return e.db.Exec(ctx, query, args...) }
	if p, ok := e.db.(core.IPreparer); ok && len(rows) > 1 {
		stmt, err := p.Prepare(ctx, query)
		if err != nil {
			return nil, e.translate(ctx, err, path, query)
		}
		defer stmt.Close()
		exec = func(args []any) (sql.Result, error) { return stmt.Exec(ctx, args...) }
	}
	results := make([]sql.Result, len(rows))
	var affected int64
	for i, args := range rows {
		res, err := exec(args)
		if err != nil {
			return nil, e.translate(ctx, err, path, query)
		}
		results[i] = res
		if n, err := res.RowsAffected(); err == nil {
			affected += n
		}
	}
	e.logger.Debug(ctx, "execute statement",
		logging.String("sql", query),
		logging.Int("batch_size", len(rows)),
		logging.Int64("affected", affected),
		logging.String("path", pathString(path)),
		logging.Duration("elapsed", time.Since(start)))
	e.notify(ctx, Statement{SQL: query, Rows: rows, Path: pathString(path)})
	return results, nil
}

// Exec 执行单条语句并返回影响行数
func (e *Executor) Exec(ctx context.Context, path *MutationPath, query string, args ...any) (int64, error) {
	counts, err := e.ExecCounts(ctx, path, query, [][]any{args})
	if err != nil {
		return 0, err
	}
	return counts[0], nil
}

// ExecCounts 批量执行并返回每行影响行数
func (e *Executor) ExecCounts(ctx context.Context, path *MutationPath, query string, rows [][]any) ([]int64, error) {
	results, err := e.ExecBatch(ctx, path, query, rows)
	if err != nil {
		return nil, err
	}
	counts := make([]int64, len(results))
	for i, res := range results {
		n, err := res.RowsAffected()
		if err != nil {
			return nil, e.translate(ctx, err, path, query)
		}
		counts[i] = n
	}
	return counts, nil
}

// Query 执行查询，逐行回调 scan
func (e *Executor) Query(ctx context.Context, path *MutationPath, query string, args []any, scan func(rows core.IRows) error) error {
	rows, err := e.db.Query(ctx, query, args...)
	if err != nil {
		return e.translate(ctx, err, path, query)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		if err := scan(rows); err != nil {
			return e.translate(ctx, err, path, query)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return e.translate(ctx, err, path, query)
	}
	e.logger.Debug(ctx, "execute query",
		logging.String("sql", query),
		logging.Int("rows", n),
		logging.String("path", pathString(path)))
	e.notify(ctx, Statement{SQL: query, Rows: [][]any{args}, Path: pathString(path)})
	return nil
}

func (e *Executor) notify(ctx context.Context, stmt Statement) {
	for _, l := range e.listeners {
		l(ctx, stmt)
	}
}
