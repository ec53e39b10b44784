package mutation

import (
	"context"

	core "gorel/data/db"
	"gorel/data/orm"
	"gorel/errors"
	"gorel/trigger"
)

// shapeGroup Shape 相同的草稿，共用一条语句
type shapeGroup struct {
	shape  *Shape
	drafts []*orm.Object
}

// groupByShape 按首次出现的顺序分组，组内保持输入顺序
func groupByShape(drafts []*orm.Object, shapeOf func(*orm.Object) *Shape) []*shapeGroup {
	var groups []*shapeGroup
	index := make(map[uint64][]*shapeGroup)
	for _, d := range drafts {
		s := shapeOf(d)
		var g *shapeGroup
		for _, candidate := range index[s.Hash()] {
			if candidate.shape.Equal(s) {
				g = candidate
				break
			}
		}
		if g == nil {
			g = &shapeGroup{shape: s}
			index[s.Hash()] = append(index[s.Hash()], g)
			groups = append(groups, g)
		}
		g.drafts = append(g.drafts, d)
	}
	return groups
}

func mustShape(d *orm.Object) *Shape {
	s, err := ShapeOf(d, nil)
	if err != nil {
		// classify 已经校验过
		panic(err)
	}
	return s
}

// insert 补齐主键、版本和逻辑删除初值后按 Shape 批量插入；
// ignore 为 true 时主键冲突的行被跳过
func (c *command) insert(ctx context.Context, path *MutationPath, drafts []*orm.Object, ignore bool) error {
	if len(drafts) == 0 {
		return nil
	}
	t := path.Type()
	for _, d := range drafts {
		if err := c.prepareInsert(ctx, path, d); err != nil {
			return err
		}
	}
	table := AffectedTable{Table: t.Table(), Kind: KindEntity}
	idProp := t.IDProp()
	for _, g := range groupByShape(drafts, mustShape) {
		ib := c.builder.InsertInto(t.Table()).
			Columns(g.shape.Columns()...).
			Values(g.shape.Values(g.drafts[0])...)
		if ignore {
			ib = ib.IgnoreConflict(t.IDColumns()...)
		}
		query, _ := ib.Build()
		identity := t.IDStrategy() == orm.IDIdentity && !g.shape.Contains(idProp)
		if identity && c.dialect().SupportsReturning() {
			if err := c.insertReturning(ctx, path, query, g.shape, g.drafts); err != nil {
				return err
			}
			continue
		}
		rows := make([][]any, len(g.drafts))
		for i, d := range g.drafts {
			rows[i] = g.shape.Values(d)
		}
		results, err := c.exec.ExecBatch(ctx, path, query, rows)
		if err != nil {
			return err
		}
		for i, res := range results {
			d := g.drafts[i]
			n, err := res.RowsAffected()
			if err != nil {
				return c.exec.translate(ctx, err, path, query)
			}
			if identity {
				id, err := res.LastInsertId()
				if err != nil {
					return c.exec.translate(ctx, err, path, query)
				}
				d.Set(idProp.Index(), id)
			}
			c.inserted(t, table, d, n)
		}
	}
	return nil
}

// insertReturning 逐行 INSERT ... RETURNING 回填自增主键；冲突被忽略的行不返回结果
func (c *command) insertReturning(ctx context.Context, path *MutationPath, query string, shape *Shape, drafts []*orm.Object) error {
	t := path.Type()
	idProp := t.IDProp()
	query += " RETURNING " + c.r.list(t.IDColumns())
	table := AffectedTable{Table: t.Table(), Kind: KindEntity}
	for _, d := range drafts {
		var n int64
		err := c.exec.Query(ctx, path, query, shape.Values(d), func(rows core.IRows) error {
			var id any
			if err := rows.Scan(&id); err != nil {
				return err
			}
			d.Set(idProp.Index(), normalizeScanned(id))
			n++
			return nil
		})
		if err != nil {
			return err
		}
		c.inserted(t, table, d, n)
	}
	return nil
}

func (c *command) inserted(t *orm.EntityType, table AffectedTable, d *orm.Object, n int64) {
	c.counter.Add(table, n)
	if n > 0 {
		id, _ := orm.IDOf(d)
		c.addEntityEvent(t, id, trigger.EventInsert, trigger.ReasonSave, d)
	}
}

func (c *command) prepareInsert(ctx context.Context, path *MutationPath, d *orm.Object) error {
	t := path.Type()
	idProp := t.IDProp()
	if _, ok := orm.IDOf(d); !ok {
		switch t.IDStrategy() {
		case orm.IDIdentity:
			// 由数据库生成，不能带着 NULL 列插入
			d.Unload(idProp.Index())
		case orm.IDGenerated:
			gen, err := c.idgens.For(t)
			if err != nil {
				return withPath(errors.WrapError(err, errors.ErrCodeNoIDGenerator, "没有可用的主键生成器"), path)
			}
			id, err := gen.Generate(ctx, t)
			if err != nil {
				return withPath(errors.WrapError(err, errors.ErrCodeNoIDGenerator, "主键生成失败"), path)
			}
			d.Set(idProp.Index(), id)
		default:
			return newError(errors.ErrCodeNoIDGenerator, path, "插入的对象没有主键，且该类型没有主键生成策略", nil)
		}
	}
	if vp := t.VersionProp(); vp != nil && !d.IsLoaded(vp.Index()) {
		d.Set(vp.Index(), int64(0))
	}
	if ld := t.LogicalDeleted(); ld != nil && !d.IsLoaded(ld.Prop.Index()) {
		d.Set(ld.Prop.Index(), ld.InitValue)
	}
	return nil
}

// updateItem 一行 UPDATE：SET 部分的 Shape 与可选的旧版本号
type updateItem struct {
	draft *orm.Object
	set   *Shape
	ids   []PropertyGetter
	// vg 非空表示带版本校验
	vg      *PropertyGetter
	version any
}

// update 按 (SET Shape, 是否带版本) 分组批量更新；
// 带版本时 WHERE 追加旧版本号并自增，零行即乐观锁失败
func (c *command) update(ctx context.Context, path *MutationPath, ops []updateOp) error {
	if len(ops) == 0 {
		return nil
	}
	t := path.Type()

	var groups [][]updateItem
	index := make(map[string]int)
	for _, op := range ops {
		d := op.draft
		shape, err := ShapeOf(d, nil)
		if err != nil {
			return withPath(err, path)
		}
		item := updateItem{draft: d, ids: shape.IDGetters()}
		if vg := shape.VersionGetter(); vg != nil && vg.Get(d) != nil {
			item.vg, item.version = vg, vg.Get(d)
		}
		if c.opts.LockMode == LockOptimistic && item.vg == nil {
			return newError(errors.ErrCodeNoVersion, path, "乐观锁模式下更新必须带版本号", map[string]any{
				errors.DetailEntityID: idString(d),
			})
		}
		writable := shape.Without(func(p *orm.Prop) bool {
			return p.IsVersion() || containsProp(op.byKey, p)
		})
		if writable.IsIDOnly() {
			// 只有主键（或业务键），没有可写的列
			continue
		}
		item.set = writable.Without((*orm.Prop).IsID)
		key := item.set.Key()
		if item.vg != nil {
			key += "#v"
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], item)
	}

	table := AffectedTable{Table: t.Table(), Kind: KindEntity}
	idCols := t.IDColumns()
	for _, items := range groups {
		first := items[0]
		ub := c.builder.Update(t.Table())
		for _, col := range first.set.Columns() {
			ub.Set(col, nil)
		}
		where := c.r.equals(idCols)
		if first.vg != nil {
			vcol := c.r.q(first.vg.Column())
			ub.SetExpr(vcol + " = " + vcol + " + 1")
			where += " AND " + vcol + " = ?"
		}
		query, _ := ub.Where(where).Build()

		rows := make([][]any, len(items))
		for i, item := range items {
			row := item.set.Values(item.draft)
			for _, g := range item.ids {
				row = append(row, g.Get(item.draft))
			}
			if item.vg != nil {
				row = append(row, item.version)
			}
			rows[i] = row
		}
		counts, err := c.exec.ExecCounts(ctx, path, query, rows)
		if err != nil {
			return err
		}
		for i, item := range items {
			n := counts[i]
			c.counter.Add(table, n)
			if n == 0 && item.vg != nil {
				lockErr := newError(errors.ErrCodeOptimisticLock, path, "乐观锁校验失败", map[string]any{
					errors.DetailEntityID: idString(item.draft),
					"version":             item.version,
				})
				if err := c.saveFailed(ctx, item.draft, lockErr); err != nil {
					return err
				}
				continue
			}
			if n == 0 {
				continue
			}
			if item.vg != nil {
				if next, ok := nextVersion(item.version); ok {
					item.vg.Set(item.draft, next)
				}
			}
			id, _ := orm.IDOf(item.draft)
			c.addEntityEvent(t, id, trigger.EventUpdate, trigger.ReasonSave, item.draft)
		}
	}
	return nil
}

// upsert 方言原生 upsert，按 Shape 批量执行
func (c *command) upsert(ctx context.Context, path *MutationPath, drafts []*orm.Object) error {
	if len(drafts) == 0 {
		return nil
	}
	t := path.Type()
	table := AffectedTable{Table: t.Table(), Kind: KindEntity}
	for _, g := range groupByShape(drafts, mustShape) {
		query, _ := c.builder.UpsertInto(t.Table()).
			Columns(g.shape.Columns()...).
			Values(g.shape.Values(g.drafts[0])...).
			Key(t.IDColumns()...).
			Build()
		rows := make([][]any, len(g.drafts))
		for i, d := range g.drafts {
			rows[i] = g.shape.Values(d)
		}
		counts, err := c.exec.ExecCounts(ctx, path, query, rows)
		if err != nil {
			return err
		}
		for i, d := range g.drafts {
			// MySQL 的 ON DUPLICATE KEY UPDATE 对更新行报告 2
			n := counts[i]
			if n > 1 {
				n = 1
			}
			c.counter.Add(table, n)
			if n > 0 {
				id, _ := orm.IDOf(d)
				c.addEntityEvent(t, id, trigger.EventUpsert, trigger.ReasonSave, d)
			}
		}
	}
	return nil
}

func nextVersion(v any) (int64, bool) {
	n, ok := orm.KeyOf(v).(int64)
	if !ok {
		return 0, false
	}
	return n + 1, true
}

func containsProp(props []*orm.Prop, p *orm.Prop) bool {
	for _, candidate := range props {
		if candidate == p {
			return true
		}
	}
	return false
}

func idString(d *orm.Object) any {
	id, ok := orm.IDOf(d)
	if !ok {
		return nil
	}
	return orm.KeyOf(id)
}
