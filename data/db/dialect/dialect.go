package dialect

import (
	stdErrors "errors"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	core "gorel/data/db"
	"gorel/errors"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameMySQL    Name = "mysql"
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Dialect 表示当前数据库的方言能力
//
// 变更命令只依赖这里列出的能力：
//   - TupleIn: 是否支持 (a, b) IN ((?, ?), ...) 形式的元组比较
//   - Upsert: 原生 ON CONFLICT / ON DUPLICATE KEY
//   - InsertIgnore: ON CONFLICT DO NOTHING / INSERT IGNORE
//   - DeleteLimit: 是否支持 DELETE ... LIMIT
//   - MaxParameterCount: 单条语句允许的最大占位符数量
//   - 唯一键/外键冲突错误识别
type Dialect struct {
	name Name

	// 非零时覆盖默认能力，便于测试各种回退策略
	overrides *Capabilities
}

// Capabilities 方言能力开关
type Capabilities struct {
	TupleIn           bool
	Upsert            bool
	InsertIgnore      bool
	ForUpdate         bool
	// Returning INSERT ... RETURNING 回读自增主键（驱动没有 LastInsertId 时）
	Returning         bool
	MaxParameterCount int
}

// New 根据字符串构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{name: NameMySQL}
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言
//
// 需要 IDatabase 可选实现 IDialectNameProvider 接口；否则返回 Unknown。
func FromDatabase(db core.IDatabase) Dialect {
	if db == nil {
		return Dialect{name: NameUnknown}
	}
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// WithCapabilities 返回覆盖了能力开关的副本
func (d Dialect) WithCapabilities(c Capabilities) Dialect {
	d.overrides = &c
	return d
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// Capabilities 返回当前生效的能力开关
func (d Dialect) Capabilities() Capabilities {
	if d.overrides != nil {
		return *d.overrides
	}
	switch d.name {
	case NameMySQL:
		return Capabilities{TupleIn: true, Upsert: true, InsertIgnore: true, ForUpdate: true, MaxParameterCount: 65535}
	case NamePostgres:
		return Capabilities{TupleIn: true, Upsert: true, InsertIgnore: true, ForUpdate: true, Returning: true, MaxParameterCount: 32767}
	case NameSQLite:
		// 行值 IN 的右侧只能是子查询，不能是字面量列表；3.24+ 支持 ON CONFLICT
		return Capabilities{Upsert: true, InsertIgnore: true, MaxParameterCount: 32766}
	default:
		return Capabilities{MaxParameterCount: 999}
	}
}

// SupportsTupleIn 是否支持元组 IN 比较
func (d Dialect) SupportsTupleIn() bool { return d.Capabilities().TupleIn }

// SupportsUpsert 是否支持原生 upsert
func (d Dialect) SupportsUpsert() bool { return d.Capabilities().Upsert }

// SupportsInsertIgnore 是否支持“冲突即忽略”的插入
func (d Dialect) SupportsInsertIgnore() bool { return d.Capabilities().InsertIgnore }

func (d Dialect) SupportsReturning() bool { return d.Capabilities().Returning }

// SupportsForUpdate 是否支持 SELECT ... FOR UPDATE
func (d Dialect) SupportsForUpdate() bool { return d.Capabilities().ForUpdate }

// MaxParameterCount 单条语句的占位符上限
func (d Dialect) MaxParameterCount() int { return d.Capabilities().MaxParameterCount }

// QuoteIdentifier 根据方言对标识符进行转义（如表名/列名）。
//
// 约定：
//   - 支持 schema.table、table.column 等带点形式，会对每一段分别加引号；
//   - MySQL 使用反引号 `name`，Postgres/SQLite 使用双引号 "name"；
//   - Unknown 方言返回原始字符串，不做修改。
//   - 该方法不负责校验标识符语法，仅负责按方言加引号。
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		switch d.name {
		case NameMySQL:
			parts[i] = "`" + p + "`"
		case NameSQLite, NamePostgres:
			parts[i] = `"` + p + `"`
		default:
			// 未知方言：保持原样
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将通用占位符 ? 转换为方言特定形式。
//
// 目前仅对 Postgres 做替换，将 ? 依次替换为 $1、$2...；
// 其他方言保持原样。不解析字符串字面量，调用方应始终使用参数占位。
func (d Dialect) Rebind(query string) string {
	if query == "" {
		return query
	}
	switch d.name {
	case NamePostgres:
		var sb strings.Builder
		sb.Grow(len(query) + 4)
		argIndex := 1
		for i := 0; i < len(query); i++ {
			ch := query[i]
			if ch == '?' {
				sb.WriteByte('$')
				sb.WriteString(strconv.Itoa(argIndex))
				argIndex++
			} else {
				sb.WriteByte(ch)
			}
		}
		return sb.String()
	default:
		return query
	}
}

// Postgres SQLSTATE 与 MySQL 错误号
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452

	sqliteConstraintForeignKey = 787
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// sqliteCoder modernc.org/sqlite 的 *sqlite.Error 满足该接口
type sqliteCoder interface {
	Code() int
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
//
// 优先使用驱动的类型化错误（*mysql.MySQLError、*pq.Error、sqlite 扩展错误码），
// 无法识别时退回到错误消息的关键字匹配。方言本身不影响识别结果。
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	var pgErr *pq.Error
	if stdErrors.As(err, &pgErr) {
		return string(pgErr.Code) == pgUniqueViolation
	}
	var lite sqliteCoder
	if stdErrors.As(err, &lite) {
		code := lite.Code()
		if code == sqliteConstraintUnique || code == sqliteConstraintPrimaryKey {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint")
}

// IsForeignKeyViolation 判断错误是否为外键约束冲突
func (d Dialect) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		return myErr.Number == mysqlForeignKeyParent || myErr.Number == mysqlForeignKeyChild
	}
	var pgErr *pq.Error
	if stdErrors.As(err, &pgErr) {
		return string(pgErr.Code) == pgForeignKeyViolation
	}
	var lite sqliteCoder
	if stdErrors.As(err, &lite) && lite.Code() == sqliteConstraintForeignKey {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "foreign key constraint")
}

// Classify 供 errors.RegisterClassifier 使用的分类函数
func Classify(err error) (errors.ErrorCode, string, bool) {
	var d Dialect
	switch {
	case d.IsUniqueViolation(err):
		return errors.ErrCodeNotUnique, "唯一约束冲突", true
	case d.IsForeignKeyViolation(err):
		return errors.ErrCodeIllegalTargetID, "外键约束冲突", true
	default:
		return "", "", false
	}
}

func init() {
	errors.RegisterClassifier(Classify)
}
