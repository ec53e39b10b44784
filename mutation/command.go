package mutation

import (
	"context"

	core "gorel/data/db"
	"gorel/data/db/dialect"
	sqlb "gorel/data/db/sql"
	"gorel/data/orm"
	"gorel/data/orm/idgen"
	"gorel/errors"
	"gorel/logging"
	"gorel/trigger"
)

// command 单次保存/删除命令的执行上下文，不跨 goroutine 共享
type command struct {
	schema  *orm.Schema
	exec    *Executor
	builder sqlb.ISql
	r       renderer
	opts    Options
	idgens  *idgen.Registry
	counter *Counter
	events  *trigger.Collector
	// emitEvents 配置了 Sink 时需要事件，脱钩前必须先查出受影响的主键
	emitEvents bool
	logger     logging.Logger

	// 保存命令的图状态：输入中只读的对象、已进入保存流程的对象、失败的对象
	frozen   map[*orm.Object]bool
	claimed  map[*orm.Object]bool
	failed   map[*orm.Object]bool
	failures []SaveFailure
}

func (c *command) dialect() dialect.Dialect {
	return c.exec.Dialect()
}

func (c *command) db() core.IDatabase {
	return c.exec.DB()
}

func (c *command) checkDepth(path *MutationPath) error {
	if path.Depth() > c.opts.MaxMutationDepth {
		return newError(errors.ErrCodeMutationTooDeep, path, "关联层级超过上限", map[string]any{
			"maxMutationDepth": c.opts.MaxMutationDepth,
		})
	}
	return nil
}

func (c *command) addEntityEvent(t *orm.EntityType, id any, kind trigger.EventKind, reason string, state *orm.Object) {
	if !c.emitEvents {
		return
	}
	ev := trigger.NewEntityEvent(t, id, kind, reason)
	if state != nil {
		if kind == trigger.EventDelete {
			ev.Old = orm.Freeze(state)
		} else {
			ev.New = orm.Freeze(state)
		}
	}
	c.events.Add(ev)
}

func (c *command) addAssociationEvent(p *orm.Prop, source, detached, attached any, reason string) {
	if !c.emitEvents {
		return
	}
	c.events.Add(trigger.NewAssociationEvent(p, source, detached, attached, reason))
}

// selectIDs 查询满足条件的主键（逐行批量条件会分别查询并去重）
func (c *command) selectIDs(ctx context.Context, path *MutationPath, t *orm.EntityType, cond clause, extraCols []string) ([]any, [][]any, error) {
	idCols := t.IDColumns()
	cols := append(append([]string(nil), idCols...), extraCols...)
	query, _ := c.builder.Select(c.r.list(cols)).From(c.r.q(t.Table())).Where(cond.sql).Build()

	var ids []any
	var extras [][]any
	seen := make(map[any]bool)
	for _, args := range cond.rows {
		err := c.exec.Query(ctx, path, query, args, func(rows core.IRows) error {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			id := idFromValues(t, vals[:len(idCols)])
			k := orm.KeyOf(id)
			if seen[k] {
				return nil
			}
			seen[k] = true
			ids = append(ids, id)
			extra := make([]any, len(extraCols))
			for i := range extra {
				extra[i] = normalizeScanned(vals[len(idCols)+i])
			}
			extras = append(extras, extra)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return ids, extras, nil
}

// exists 是否存在满足条件的行
func (c *command) exists(ctx context.Context, path *MutationPath, t *orm.EntityType, cond clause) (bool, error) {
	query, _ := c.builder.Select("1").From(c.r.q(t.Table())).Where(cond.sql).Build()
	query += " LIMIT 1"
	for _, args := range cond.rows {
		found := false
		err := c.exec.Query(ctx, path, query, args, func(rows core.IRows) error {
			var one any
			found = true
			return rows.Scan(&one)
		})
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}
