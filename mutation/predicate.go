package mutation

import (
	"strings"

	"gorel/data/db/dialect"
	"gorel/data/orm"
)

// clause 一个 WHERE 条件，rows 中每组参数对应一次执行
//
// 普通条件只有一组参数；逐行批量回退时每个主键一组。
type clause struct {
	sql  string
	rows [][]any
}

func (c clause) batched() bool { return len(c.rows) > 1 }

// withPrefix 每组参数前追加相同的参数（UPDATE 的 SET 部分）
func (c clause) withPrefix(prefix ...any) [][]any {
	out := make([][]any, len(c.rows))
	for i, row := range c.rows {
		r := make([]any, 0, len(prefix)+len(row))
		r = append(r, prefix...)
		r = append(r, row...)
		out[i] = r
	}
	return out
}

// renderer 按方言渲染列和占位符
type renderer struct {
	d dialect.Dialect
}

func (r renderer) q(name string) string {
	return r.d.QuoteIdentifier(name)
}

func (r renderer) list(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = r.q(c)
	}
	return strings.Join(quoted, ", ")
}

// target 单列直接输出，多列输出 (A, B)
func (r renderer) target(cols []string) string {
	if len(cols) == 1 {
		return r.q(cols[0])
	}
	return "(" + r.list(cols) + ")"
}

// equals A = ? AND B = ?
func (r renderer) equals(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = r.q(c) + " = ?"
	}
	return strings.Join(parts, " AND ")
}

// placeholders n 个值，每个 arity 列：(?, ?) 或 ((?, ?), (?, ?))
func placeholders(n, arity int) string {
	one := "?"
	if arity > 1 {
		one = "(" + strings.TrimSuffix(strings.Repeat("?, ", arity), ", ") + ")"
	}
	return "(" + strings.TrimSuffix(strings.Repeat(one+", ", n), ", ") + ")"
}

// idValues 把主键展开为列值（与 IDColumns 同序）
func idValues(t *orm.EntityType, id any) []any {
	return orm.IDColumnValues(t, id)
}

// idFromValues idValues 的逆操作
func idFromValues(t *orm.EntityType, vals []any) any {
	return orm.IDFromColumns(t, vals)
}

func normalizeScanned(v any) any {
	return orm.NormalizeColumn(v)
}

// flatten 多个主键的列值依次展开
func flatten(t *orm.EntityType, ids []any) []any {
	var out []any
	for _, id := range ids {
		out = append(out, idValues(t, id)...)
	}
	return out
}

// dedupIDs 按 KeyOf 去重并保持顺序
func dedupIDs(ids []any) []any {
	seen := make(map[any]bool, len(ids))
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		if id == nil {
			continue
		}
		k := orm.KeyOf(id)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, id)
	}
	return out
}

// inClause cols 与 owner 的主键集合比较：
// 单列 IN、元组 IN，或在策略要求时退化为逐行 A = ? AND B = ?
func (c *command) inClause(cols []string, owner *orm.EntityType, ids []any) clause {
	tuples := make([][]any, len(ids))
	for i, id := range ids {
		tuples[i] = idValues(owner, id)
	}
	return c.tupleClause(cols, tuples)
}

// tupleClause cols 与若干组列值比较（业务键匹配也走这里）
func (c *command) tupleClause(cols []string, tuples [][]any) clause {
	arity := len(cols)
	strategy := ChooseStrategy(StrategyInput{
		TupleIn:             c.dialect().SupportsTupleIn(),
		ParentCount:         len(tuples),
		ParentArity:         arity,
		KeyArity:            arity,
		MaxCommandJoinCount: c.opts.MaxCommandJoinCount,
		MaxInListSize:       c.opts.MaxInListSize,
	})
	if strategy == StrategySelectThenBatch {
		return clause{sql: c.r.equals(cols), rows: tuples}
	}
	var args []any
	for _, t := range tuples {
		args = append(args, t...)
	}
	return clause{
		sql:  c.r.target(cols) + " IN " + placeholders(len(tuples), arity),
		rows: [][]any{args},
	}
}
