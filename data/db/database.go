// Package db 定义保存、删除与抓取共用的数据库连接抽象
//
// 上层只依赖这些接口，测试可以换成 sqlmock 包装的连接。
package db

import (
	"context"
	"database/sql"
	"time"
)

// IDatabase 连接或事务上可执行语句的最小接口
type IDatabase interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	Begin(ctx context.Context) (ITransaction, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (ITransaction, error)

	Ping(ctx context.Context) error
	Close() error

	// Raw 底层的 *sql.DB 或 *sql.Tx
	Raw() any
}

// IPreparer 可选接口：同一条语句执行多组参数时只准备一次
type IPreparer interface {
	Prepare(ctx context.Context, query string) (IStatement, error)
}

// IStatement 预编译语句
type IStatement interface {
	Exec(ctx context.Context, args ...any) (sql.Result, error)
	Close() error
}

// IDialectNameProvider 可选接口，方言推断依赖它
type IDialectNameProvider interface {
	// GetDialectName 返回 "mysql"、"sqlite"、"postgres" 等驱动名
	GetDialectName() string
}

// ITransaction 事务
type ITransaction interface {
	IDatabase

	Commit() error
	Rollback() error
}

// IRows 查询结果集
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
	Err() error
	Columns() ([]string, error)
	ColumnTypes() ([]*sql.ColumnType, error)
}

// IRow 单行结果
type IRow interface {
	Scan(dest ...any) error
	Err() error
}

// DBConfig 连接配置
//
// DSN 非空时直接使用；否则由具体实现按 Driver 与各字段拼出连接串。
type DBConfig struct {
	Driver   string `yaml:"driver"` // mysql | postgres | sqlite
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`

	// PingTimeout 打开连接后探活的超时，默认 3s
	PingTimeout time.Duration `yaml:"ping_timeout"`
}
