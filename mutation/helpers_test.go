package mutation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"gorel/data/db/basic"
	"gorel/data/db/dialect"
	"gorel/data/orm"
	"gorel/data/orm/idgen"
	"gorel/internal/fixture"
)

// statementLog 记录执行过的语句
type statementLog struct {
	mu    sync.Mutex
	stmts []Statement
}

func (l *statementLog) listen(_ context.Context, s Statement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = append(l.stmts, s)
}

func (l *statementLog) all() []Statement {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Statement(nil), l.stmts...)
}

// sqls 只保留以 prefix 开头的语句
func (l *statementLog) sqls(prefix string) []string {
	var out []string
	for _, s := range l.all() {
		if len(s.SQL) >= len(prefix) && s.SQL[:len(prefix)] == prefix {
			out = append(out, s.SQL)
		}
	}
	return out
}

func (l *statementLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stmts = nil
}

func authorIDs(start int64) *idgen.Registry {
	next := start
	r := idgen.NewRegistry()
	r.Register(fixture.AuthorIDGenerator, idgen.GeneratorFunc(func(context.Context, *orm.EntityType) (any, error) {
		return atomic.AddInt64(&next, 1), nil
	}))
	return r
}

// sqliteEngine 带种子数据的内存库引擎
func sqliteEngine(t *testing.T, opts ...EngineOption) (*Engine, *basic.DB, *statementLog) {
	t.Helper()
	db := fixture.OpenSQLite(t)
	log := &statementLog{}
	exec := NewExecutor(db, dialect.New("sqlite"), WithStatementListener(log.listen))
	opts = append([]EngineOption{WithIDGenerators(authorIDs(100))}, opts...)
	return NewEngine(fixture.Schema(), exec, opts...), db, log
}

// mysqlMockEngine 用 sqlmock 断言 MySQL 方言下的精确语句
func mysqlMockEngine(t *testing.T, opts ...EngineOption) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	exec := NewExecutor(basic.Wrap(raw, "mysql"), dialect.New("mysql"))
	return NewEngine(fixture.Schema(), exec, opts...), mock
}

func mustType(t *testing.T, s *orm.Schema, name string) *orm.EntityType {
	t.Helper()
	typ := s.Type(name)
	require.NotNil(t, typ, name)
	return typ
}
