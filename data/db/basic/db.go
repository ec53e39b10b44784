// Package basic 基于 database/sql 实现连接抽象
//
// 导入本包会注册 mysql 与 postgres 驱动；sqlite 驱动由调用方空导入 modernc.org/sqlite。
package basic

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

// DB 连接池
type DB struct {
	executor
	db     *sql.DB
	driver string
}

// New 按配置打开连接池并探活
//
// sqlite 内存库只在单连接内可见，因此内存库会强制 MaxOpenConns=1。
func New(config core.DBConfig) (core.IDatabase, error) {
	driver := config.Driver
	if driver == "" {
		driver = "sqlite"
	}
	dsn, err := DSN(config)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if isMemorySQLite(driver, dsn) {
		db.SetMaxOpenConns(1)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	timeout := config.PingTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return Wrap(db, driver), nil
}

// DSN 按驱动拼出连接串；config.DSN 非空时原样返回
func DSN(config core.DBConfig) (string, error) {
	if config.DSN != "" {
		return config.DSN, nil
	}
	switch dialect.New(config.Driver).Name() {
	case dialect.NameMySQL:
		c := mysql.NewConfig()
		c.User = config.Username
		c.Passwd = config.Password
		c.DBName = config.Database
		c.ParseTime = true
		if config.Host != "" {
			c.Net = "tcp"
			c.Addr = hostPort(config.Host, config.Port, 3306)
		}
		return c.FormatDSN(), nil
	case dialect.NamePostgres:
		u := url.URL{
			Scheme:   "postgres",
			Host:     hostPort(config.Host, config.Port, 5432),
			Path:     "/" + config.Database,
			RawQuery: "sslmode=disable",
		}
		if config.Username != "" {
			u.User = url.UserPassword(config.Username, config.Password)
		}
		return u.String(), nil
	case dialect.NameSQLite:
		if config.Database == "" {
			return ":memory:", nil
		}
		return config.Database, nil
	default:
		return "", fmt.Errorf("cannot build dsn for driver %q", config.Driver)
	}
}

func hostPort(host string, port, def int) string {
	if host == "" {
		host = "localhost"
	}
	if port <= 0 {
		port = def
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func isMemorySQLite(driver, dsn string) bool {
	if dialect.New(driver).Name() != dialect.NameSQLite {
		return false
	}
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Wrap 包装已打开的 *sql.DB（例如 sqlmock 创建的连接）
func Wrap(db *sql.DB, dialectName string) *DB {
	return &DB{
		executor: executor{conn: db, dialect: dialect.New(dialectName)},
		db:       db,
		driver:   dialectName,
	}
}

func (d *DB) Begin(ctx context.Context) (core.ITransaction, error) {
	return d.BeginTx(ctx, nil)
}

func (d *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (core.ITransaction, error) {
	tx, err := d.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{executor: executor{conn: tx, dialect: d.dialect}, db: d.db, tx: tx, driver: d.driver}, nil
}

func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }
func (d *DB) Close() error                   { return d.db.Close() }
func (d *DB) Raw() any                       { return d.db }

// GetDialectName 返回打开连接时的驱动名
func (d *DB) GetDialectName() string { return d.driver }

// ExecDDL 按顺序执行多条语句，测试建表用
func (d *DB) ExecDDL(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec ddl %q: %w", stmt, err)
		}
	}
	return nil
}
