package basic

import (
	"context"
	"database/sql"
	"fmt"

	core "gorel/data/db"
)

// Tx 事务，同时满足 core.IDatabase，可以直接交给保存与抓取使用
type Tx struct {
	executor
	db     *sql.DB
	tx     *sql.Tx
	driver string
}

// Begin 不支持嵌套事务，调用方复用外层事务
func (t *Tx) Begin(context.Context) (core.ITransaction, error) {
	return nil, fmt.Errorf("basic.Tx: nested transactions are not supported")
}

func (t *Tx) BeginTx(context.Context, *sql.TxOptions) (core.ITransaction, error) {
	return nil, fmt.Errorf("basic.Tx: nested transactions are not supported")
}

func (t *Tx) Ping(ctx context.Context) error { return t.db.PingContext(ctx) }
func (t *Tx) Close() error                   { return nil }
func (t *Tx) Raw() any                       { return t.tx }

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// GetDialectName 事务内沿用连接池的驱动名
func (t *Tx) GetDialectName() string { return t.driver }
