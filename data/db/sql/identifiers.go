package sql

import (
	"fmt"
	"regexp"

	"gorel/data/db/dialect"
)

// identifierPattern 表名与列名：字母或下划线开头，可带一段或多段点号限定
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func isSafeIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// quoteIdentifier 校验后按方言加引号
//
// 表名与列名来自实体元数据而不是用户输入，非法名称属于程序错误，直接 panic。
func quoteIdentifier(d dialect.Dialect, builder, name string) string {
	if !isSafeIdentifier(name) {
		panic(fmt.Sprintf("%s: unsafe identifier %q", builder, name))
	}
	return d.QuoteIdentifier(name)
}
