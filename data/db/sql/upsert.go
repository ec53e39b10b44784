package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sort"
	"strings"

	core "gorel/data/db"
	"gorel/data/db/dialect"
)

type upsertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table         string
	columns       []string
	values        []any
	keyColumns    []string
	updateColumns []string
	updateValues  map[string]any
}

func (b *upsertBuilder) Columns(cols ...string) IUpsertBuilder {
	b.columns = cols
	return b
}

func (b *upsertBuilder) Values(vals ...any) IUpsertBuilder {
	b.values = vals
	return b
}

func (b *upsertBuilder) Key(cols ...string) IUpsertBuilder {
	b.keyColumns = cols
	return b
}

func (b *upsertBuilder) UpdateColumns(cols ...string) IUpsertBuilder {
	b.updateColumns = cols
	return b
}

func (b *upsertBuilder) UpdateSet(col string, val any) IUpsertBuilder {
	if b.updateValues == nil {
		b.updateValues = make(map[string]any)
	}
	b.updateValues[col] = val
	return b
}

func (b *upsertBuilder) UpdateSetMap(values map[string]any) IUpsertBuilder {
	if b.updateValues == nil {
		b.updateValues = make(map[string]any)
	}
	for k, v := range values {
		b.updateValues[k] = v
	}
	return b
}

// Native 原生 upsert 只覆盖“用插入值更新”的场景，显式 UpdateSet 走回退路径
func (b *upsertBuilder) Native() bool {
	return b.dialect.SupportsUpsert() && len(b.updateValues) == 0
}

func (b *upsertBuilder) validate() error {
	if len(b.columns) == 0 {
		return fmt.Errorf("upsert: Columns is required")
	}
	if len(b.values) != len(b.columns) {
		return fmt.Errorf("upsert: values length mismatch columns length")
	}
	if len(b.keyColumns) == 0 {
		return fmt.Errorf("upsert: Key is required")
	}
	return nil
}

// nonKeyColumns 冲突时需要覆盖的列
func (b *upsertBuilder) nonKeyColumns() []string {
	if b.updateColumns != nil {
		return b.updateColumns
	}
	cols := make([]string, 0, len(b.columns))
	for _, col := range b.columns {
		if !containsString(b.keyColumns, col) {
			cols = append(cols, col)
		}
	}
	return cols
}

// Build 渲染原生 upsert：
//
//	Postgres/SQLite: INSERT ... ON CONFLICT (k) DO UPDATE SET c = excluded.c
//	MySQL:           INSERT ... ON DUPLICATE KEY UPDATE c = VALUES(c)
//
// 没有可更新的列时退化为“冲突即忽略”。
func (b *upsertBuilder) Build() (string, []any) {
	if err := b.validate(); err != nil {
		panic(err.Error())
	}
	if !b.Native() {
		panic("upsertBuilder: dialect has no native upsert")
	}

	ins := &insertBuilder{
		db:      b.db,
		dialect: b.dialect,
		table:   b.table,
		columns: b.columns,
		rows:    [][]any{b.values},
	}
	updates := b.nonKeyColumns()
	if len(updates) == 0 {
		ins.IgnoreConflict(b.keyColumns...)
		return ins.Build()
	}

	q, args := ins.Build()
	var sb strings.Builder
	sb.WriteString(q)
	sets := make([]string, len(updates))
	for i, col := range updates {
		quoted := quoteIdentifier(b.dialect, "upsertBuilder", col)
		if b.dialect.Name() == dialect.NameMySQL {
			sets[i] = quoted + " = VALUES(" + quoted + ")"
		} else {
			sets[i] = quoted + " = excluded." + quoted
		}
	}
	if b.dialect.Name() == dialect.NameMySQL {
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
	} else {
		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(ins.quoteAll(b.keyColumns))
		sb.WriteString(") DO UPDATE SET ")
	}
	sb.WriteString(strings.Join(sets, ", "))
	return sb.String(), args
}

func (b *upsertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if b.Native() {
		q, args := b.Build()
		return b.db.Exec(ctx, q, args...)
	}

	ins := &insertBuilder{
		db:      b.db,
		dialect: b.dialect,
		table:   b.table,
		columns: b.columns,
		rows:    [][]any{b.values},
	}

	insertSQL, insertArgs := ins.Build()
	res, err := b.db.Exec(ctx, insertSQL, insertArgs...)
	if err == nil {
		return res, nil
	}

	if !b.dialect.IsUniqueViolation(err) {
		return nil, err
	}

	whereParts := make([]string, 0, len(b.keyColumns))
	whereArgs := make([]any, 0, len(b.keyColumns))

	colIndex := func(col string) int {
		for i, c := range b.columns {
			if c == col {
				return i
			}
		}
		return -1
	}

	for _, key := range b.keyColumns {
		idx := colIndex(key)
		if idx < 0 {
			return nil, fmt.Errorf("upsert: key column %s not found in Columns", key)
		}
		whereParts = append(whereParts, b.dialect.QuoteIdentifier(key)+" = ?")
		whereArgs = append(whereArgs, b.values[idx])
	}

	updateVals := b.updateValues
	if len(updateVals) == 0 {
		updateVals = make(map[string]any)
		for _, col := range b.nonKeyColumns() {
			updateVals[col] = b.values[colIndex(col)]
		}
	}
	if len(updateVals) == 0 {
		// 只有键列：冲突即表示已存在
		return driver.RowsAffected(0), nil
	}

	upd := &updateBuilder{
		db:      b.db,
		dialect: b.dialect,
		table:   b.table,
	}
	for _, col := range b.columns {
		if v, ok := updateVals[col]; ok {
			upd.Set(col, v)
		}
	}
	extra := make([]string, 0)
	for col := range updateVals {
		if !containsString(b.columns, col) {
			extra = append(extra, col)
		}
	}
	sort.Strings(extra)
	for _, col := range extra {
		upd.Set(col, updateVals[col])
	}
	upd.Where(strings.Join(whereParts, " AND "), whereArgs...)

	updateSQL, updateArgs := upd.Build()
	return b.db.Exec(ctx, updateSQL, updateArgs...)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
