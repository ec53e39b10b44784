package fetcher

import (
	"context"
	"strings"

	core "gorel/data/db"
	"gorel/data/db/sql"
	"gorel/data/orm"
	"gorel/errors"
	"gorel/logging"
)

// loadScalars 标量与嵌入属性：读取父对象整行后拷贝该属性
func (r *run) loadScalars(ctx context.Context, t *task, keys []any, groups map[any][]*orm.Object) error {
	idx := t.field.prop.Index()
	var need []any
	for _, k := range keys {
		for _, o := range groups[k] {
			if !o.IsLoaded(idx) {
				need = append(need, k)
				break
			}
		}
	}
	if len(need) == 0 {
		return nil
	}
	owner := t.field.prop.Owner()
	rows, err := r.loadRows(ctx, t.path, owner, originalIDs(need, groups))
	if err != nil {
		return err
	}
	for _, k := range need {
		row := rows[k]
		if row == nil || !row.IsLoaded(idx) {
			continue
		}
		for _, o := range groups[k] {
			v := row.Get(idx)
			if sub, ok := v.(*orm.Object); ok && sub != nil {
				v = sub.Clone()
			}
			o.Set(idx, v)
		}
	}
	return nil
}

// loadAssociation 加载一批父对象的关联，返回新挂上的子对象
func (r *run) loadAssociation(ctx context.Context, t *task, keys []any, groups map[any][]*orm.Object) ([]*orm.Object, error) {
	p := t.field.prop
	if p.IsOwningForeignKey() {
		return r.loadForeignKey(ctx, t, keys, groups)
	}
	targetIDs, rows, err := r.targetsOf(ctx, t, keys, groups)
	if err != nil {
		return nil, err
	}
	var attached []*orm.Object
	for _, k := range keys {
		var items []*orm.Object
		for _, id := range targetIDs[k] {
			items = append(items, r.attach(p.Target(), id, rows, t.field.child != nil)...)
		}
		for _, o := range groups[k] {
			if p.IsList() {
				list := make([]*orm.Object, len(items))
				for i, item := range items {
					list[i] = cloneFor(item, o, groups[k])
				}
				o.Set(p.Index(), list)
				attached = append(attached, list...)
				continue
			}
			if len(items) == 0 {
				o.Set(p.Index(), nil)
				continue
			}
			item := cloneFor(items[0], o, groups[k])
			o.Set(p.Index(), item)
			attached = append(attached, item)
		}
	}
	return attached, nil
}

// loadForeignKey 外键引用：先确定目标主键，需要子计划时再加载目标整行
func (r *run) loadForeignKey(ctx context.Context, t *task, keys []any, groups map[any][]*orm.Object) ([]*orm.Object, error) {
	p := t.field.prop
	target := p.Target()
	targetOf := make(map[any]any, len(keys))
	var unresolved []any
	for _, k := range keys {
		if id, ok := loadedForeignKey(groups[k], p); ok {
			targetOf[k] = id
			continue
		}
		unresolved = append(unresolved, k)
	}

	if len(unresolved) > 0 {
		if chain := r.f.caches.Association(p); chain != nil {
			lists, err := chain.GetAll(ctx, unresolved, func(ctx context.Context, keys []any) (map[any][]any, error) {
				return r.selectForeignKeys(ctx, t.path, p, originalIDs(keys, groups))
			})
			if err != nil {
				return nil, err
			}
			for k, ids := range lists {
				if len(ids) == 0 {
					targetOf[k] = nil
				} else {
					targetOf[k] = ids[0]
				}
			}
		} else {
			rows, err := r.loadRows(ctx, t.path, p.Owner(), originalIDs(unresolved, groups))
			if err != nil {
				return nil, err
			}
			for _, k := range unresolved {
				if row := rows[k]; row != nil && row.IsLoaded(p.Index()) {
					id, _ := idOrNil(orm.RefOf(row, p))
					targetOf[k] = id
				}
			}
		}
	}

	var rows map[any]*orm.Object
	if t.field.child != nil {
		var ids []any
		for _, k := range keys {
			if id, ok := targetOf[k]; ok && id != nil {
				ids = append(ids, id)
			}
		}
		var err error
		if rows, err = r.loadRows(ctx, t.path, target, ids); err != nil {
			return nil, err
		}
	}

	var attached []*orm.Object
	for _, k := range keys {
		id, ok := targetOf[k]
		if !ok {
			// 父对象本身已不存在
			continue
		}
		for _, o := range groups[k] {
			if id == nil {
				o.Set(p.Index(), nil)
				continue
			}
			if t.field.child == nil && o.IsLoaded(p.Index()) {
				// 只要主键时保留已加载的引用
				if ref := orm.RefOf(o, p); ref != nil {
					attached = append(attached, ref)
					continue
				}
			}
			items := r.attach(target, id, rows, t.field.child != nil)
			if len(items) == 0 {
				o.Set(p.Index(), nil)
				continue
			}
			o.Set(p.Index(), items[0])
			attached = append(attached, items[0])
		}
	}
	return attached, nil
}

// targetsOf 反向外键或中间表关联：每个父对象的目标主键（有序），以及需要时的目标整行
//
// 注册了关联缓存且未设置 Limit 时经缓存取主键，否则一次查询带回目标（有子计划时为整行）。
func (r *run) targetsOf(ctx context.Context, t *task, keys []any, groups map[any][]*orm.Object) (map[any][]any, map[any]*orm.Object, error) {
	p := t.field.prop
	target := p.Target()
	ids := originalIDs(keys, groups)

	if chain := r.f.caches.Association(p); chain != nil && t.field.limit == 0 {
		lists, err := chain.GetAll(ctx, keys, func(ctx context.Context, keys []any) (map[any][]any, error) {
			found, err := r.selectTargets(ctx, t.path, t.field, originalIDs(keys, groups), true)
			if err != nil {
				return nil, err
			}
			out := make(map[any][]any, len(keys))
			for _, k := range keys {
				out[k] = make([]any, 0, len(found[k]))
				for _, o := range found[k] {
					id, _ := orm.IDOf(o)
					out[k] = append(out[k], id)
				}
			}
			return out, nil
		})
		if err != nil {
			return nil, nil, err
		}
		if t.field.child == nil {
			return lists, nil, nil
		}
		var all []any
		for _, k := range keys {
			all = append(all, lists[k]...)
		}
		rows, err := r.loadRows(ctx, t.path, target, all)
		return lists, rows, err
	}

	idOnly := t.field.child == nil
	found, err := r.selectTargets(ctx, t.path, t.field, ids, idOnly)
	if err != nil {
		return nil, nil, err
	}
	lists := make(map[any][]any, len(keys))
	rows := make(map[any]*orm.Object)
	var rowKeys []any
	for _, k := range keys {
		for _, o := range found[k] {
			id, _ := orm.IDOf(o)
			tk := orm.KeyOf(id)
			lists[k] = append(lists[k], id)
			if _, ok := rows[tk]; !ok {
				rows[tk] = o
				rowKeys = append(rowKeys, tk)
			}
		}
	}
	if !idOnly {
		r.session.store(target, rowKeys, rows)
	}
	return lists, rows, nil
}

// attach 构造挂到父对象上的值：只要主键时是引用，否则是整行的副本
func (r *run) attach(target *orm.EntityType, id any, rows map[any]*orm.Object, full bool) []*orm.Object {
	if !full {
		return []*orm.Object{orm.Ref(target, id)}
	}
	row := rows[orm.KeyOf(id)]
	if row == nil {
		return nil
	}
	return []*orm.Object{row.Clone()}
}

// loadRows 按主键读取整行：会话 → 对象缓存 → 数据库；结果以 KeyOf 为键，不存在的不出现
func (r *run) loadRows(ctx context.Context, path string, t *orm.EntityType, ids []any) (map[any]*orm.Object, error) {
	byKey := make(map[any]any, len(ids))
	var keys []any
	for _, id := range ids {
		if id == nil {
			continue
		}
		k := orm.KeyOf(id)
		if _, ok := byKey[k]; ok {
			continue
		}
		byKey[k] = id
		keys = append(keys, k)
	}
	known, missing := r.session.lookup(t, keys)
	out := make(map[any]*orm.Object, len(keys))
	for k, row := range known {
		if row != nil {
			out[k] = row
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	originals := func(keys []any) []any {
		ids := make([]any, len(keys))
		for i, k := range keys {
			ids[i] = byKey[k]
		}
		return ids
	}
	var loaded map[any]*orm.Object
	var err error
	if chain := r.f.caches.Object(t); chain != nil {
		loaded, err = chain.GetAll(ctx, missing, func(ctx context.Context, keys []any) (map[any]*orm.Object, error) {
			return r.selectRows(ctx, path, t, originals(keys))
		})
	} else {
		loaded, err = r.selectRows(ctx, path, t, originals(missing))
	}
	if err != nil {
		return nil, err
	}
	r.session.store(t, missing, loaded)
	for k, row := range loaded {
		if row != nil {
			out[k] = row
		}
	}
	return out, nil
}

// selectRows SELECT 整行 FROM t WHERE 主键 IN (...)
func (r *run) selectRows(ctx context.Context, path string, t *orm.EntityType, ids []any) (map[any]*orm.Object, error) {
	paths := rowPaths(t)
	rd := renderer{r.f}
	out := make(map[any]*orm.Object, len(ids))
	for _, chunk := range r.f.chunks(ids) {
		cond, args := rd.in(rd.qualified("", t.IDColumns()), tuplesOf(t, chunk))
		b := r.f.builder().Select(rd.qualified("", pathColumns(paths))...).
			From(rd.q(t.Table())).
			Where(cond, args...)
		rd.notDeleted(b, "", t)
		err := r.f.query(ctx, path, b, func(rows core.IRows) error {
			_, obj, err := scanRow(rows, t, paths, 0)
			if err != nil {
				return err
			}
			id, _ := orm.IDOf(obj)
			out[orm.KeyOf(id)] = obj
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// selectForeignKeys SELECT 主键, 外键 FROM 父表 WHERE 主键 IN (...)，空外键对应空列表
func (r *run) selectForeignKeys(ctx context.Context, path string, p *orm.Prop, ids []any) (map[any][]any, error) {
	owner := p.Owner()
	rd := renderer{r.f}
	idCols := owner.IDColumns()
	out := make(map[any][]any, len(ids))
	for _, chunk := range r.f.chunks(ids) {
		cond, args := rd.in(rd.qualified("", idCols), tuplesOf(owner, chunk))
		cols := append(append([]string{}, idCols...), p.Columns()...)
		b := r.f.builder().Select(rd.qualified("", cols)...).
			From(rd.q(owner.Table())).
			Where(cond, args...)
		err := r.f.query(ctx, path, b, func(rows core.IRows) error {
			vals, err := scanValues(rows, len(cols))
			if err != nil {
				return err
			}
			k := orm.KeyOf(orm.IDFromColumns(owner, vals[:len(idCols)]))
			fk := vals[len(idCols):]
			if allNil(fk) {
				out[k] = []any{}
				return nil
			}
			out[k] = []any{orm.IDFromColumns(p.Target(), fk)}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// selectTargets 反向外键或中间表关联的一次查询，按父对象主键分组
//
// 反向外键：SELECT t.外键, t.列... FROM 子表 t WHERE t.外键 IN (...)
// 中间表：SELECT m.源列, t.列... FROM 目标表 t INNER JOIN 中间表 m ON t.主键 = m.目标列 WHERE m.源列 IN (...)
func (r *run) selectTargets(ctx context.Context, path string, field *Field, ids []any, idOnly bool) (map[any][]*orm.Object, error) {
	p := field.prop
	owner, target := p.Owner(), p.Target()
	rd := renderer{r.f}

	from := rd.q(target.Table()) + " t"
	var source []string
	if jt := p.MiddleTable(); jt != nil {
		on := make([]string, len(jt.TargetColumns))
		for i, c := range target.IDColumns() {
			on[i] = rd.q("t."+c) + " = " + rd.q("m."+jt.TargetColumns[i])
		}
		from += " INNER JOIN " + rd.q(jt.Name) + " m ON " + strings.Join(on, " AND ")
		source = rd.qualified("m", jt.SourceColumns)
	} else {
		source = rd.qualified("t", p.MappedBy().Columns())
	}

	paths := rowPaths(target)
	if idOnly {
		paths = target.IDProp().ColumnPaths()
	}
	out := make(map[any][]*orm.Object, len(ids))
	for _, chunk := range r.f.chunks(ids) {
		cond, args := rd.in(source, tuplesOf(owner, chunk))
		b := r.f.builder().Select(append(append([]string{}, source...), rd.qualified("t", pathColumns(paths))...)...).
			From(from).
			Where(cond, args...).
			OrderBy(strings.Join(rd.qualified("t", target.IDColumns()), ", "))
		rd.notDeleted(b, "t", target)
		if field.limit > 0 {
			b.Limit(field.limit)
			if field.offset > 0 {
				b.Offset(field.offset)
			}
		}
		err := r.f.query(ctx, path, b, func(rows core.IRows) error {
			lead, obj, err := scanRow(rows, target, paths, len(source))
			if err != nil {
				return err
			}
			k := orm.KeyOf(orm.IDFromColumns(owner, lead))
			out[k] = append(out[k], obj)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f *Fetcher) builder() sql.ISql {
	return sql.NewWithDialect(f.db, f.dialect)
}

// chunks 按 IN 列表上限切分
func (f *Fetcher) chunks(ids []any) [][]any {
	var out [][]any
	for start := 0; start < len(ids); start += f.maxInListSize {
		end := start + f.maxInListSize
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// query 执行查询并逐行回调，记录日志并通知监听器
func (f *Fetcher) query(ctx context.Context, path string, b sql.ISelectBuilder, scan func(core.IRows) error) error {
	q, args := b.Build()
	fail := func(err error) error {
		wrapped := errors.WrapError(err, errors.ErrCodeExecution, "抓取查询失败").
			WithContext("sql", q).
			WithContext("path", path)
		f.logger.Warn(ctx, "fetch query failed",
			logging.String("sql", q),
			logging.String("path", path),
			logging.Error(err))
		return wrapped
	}
	rows, err := f.db.Query(ctx, q, args...)
	if err != nil {
		return fail(err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fail(err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return fail(err)
	}
	f.logger.Debug(ctx, "fetch query",
		logging.String("sql", q),
		logging.Int("rows", n),
		logging.String("path", path))
	for _, l := range f.listeners {
		l(ctx, Query{SQL: q, Args: args, Path: path, Rows: n})
	}
	return nil
}

// renderer 按方言渲染列与条件
type renderer struct {
	f *Fetcher
}

func (rd renderer) q(name string) string {
	return rd.f.dialect.QuoteIdentifier(name)
}

// qualified alias 为空时不加前缀
func (rd renderer) qualified(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		if alias != "" {
			c = alias + "." + c
		}
		out[i] = rd.q(c)
	}
	return out
}

// in 单列 IN、元组 IN，方言不支持元组 IN 时展开为 OR
func (rd renderer) in(cols []string, tuples [][]any) (string, []any) {
	var args []any
	for _, t := range tuples {
		args = append(args, t...)
	}
	if len(cols) == 1 {
		return cols[0] + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(tuples)), ", ") + ")", args
	}
	one := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	if rd.f.dialect.SupportsTupleIn() {
		return "(" + strings.Join(cols, ", ") + ") IN (" +
			strings.TrimSuffix(strings.Repeat(one+", ", len(tuples)), ", ") + ")", args
	}
	eq := make([]string, len(cols))
	for i, c := range cols {
		eq[i] = c + " = ?"
	}
	group := "(" + strings.Join(eq, " AND ") + ")"
	return "(" + strings.TrimSuffix(strings.Repeat(group+" OR ", len(tuples)), " OR ") + ")", args
}

// notDeleted 排除已逻辑删除的行
func (rd renderer) notDeleted(b sql.ISelectBuilder, alias string, t *orm.EntityType) {
	ld := t.LogicalDeleted()
	if ld == nil {
		return
	}
	b.And(rd.qualified(alias, ld.Prop.Columns())[0]+" <> ?", ld.DeletedValue)
}

// rowPaths 一行可直接读出的列：主键、标量、嵌入与外键
func rowPaths(t *orm.EntityType) []orm.ColumnPath {
	var out []orm.ColumnPath
	for _, p := range t.Props() {
		if p.IsList() || !p.IsColumnDefinition() {
			continue
		}
		out = append(out, p.ColumnPaths()...)
	}
	return out
}

func pathColumns(paths []orm.ColumnPath) []string {
	cols := make([]string, len(paths))
	for i, cp := range paths {
		cols[i] = cp.Column
	}
	return cols
}

func scanValues(rows core.IRows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

// scanRow 前 lead 列原样返回，其余列按 paths 写入新对象
func scanRow(rows core.IRows, t *orm.EntityType, paths []orm.ColumnPath, lead int) ([]any, *orm.Object, error) {
	vals, err := scanValues(rows, lead+len(paths))
	if err != nil {
		return nil, nil, err
	}
	obj := orm.New(t)
	for i, cp := range paths {
		orm.SetAt(obj, cp.Props, orm.NormalizeColumn(vals[lead+i]))
	}
	return vals[:lead], obj, nil
}

func tuplesOf(t *orm.EntityType, ids []any) [][]any {
	out := make([][]any, len(ids))
	for i, id := range ids {
		out[i] = orm.IDColumnValues(t, id)
	}
	return out
}

// originalIDs 由分组键取回对象上的原始主键（组合主键的键是字符串，不能直接当参数）
func originalIDs(keys []any, groups map[any][]*orm.Object) []any {
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		if os := groups[k]; len(os) > 0 {
			id, _ := orm.IDOf(os[0])
			out = append(out, id)
		}
	}
	return out
}

// loadedForeignKey 组内任一对象已加载外键时直接采用
func loadedForeignKey(owners []*orm.Object, p *orm.Prop) (any, bool) {
	for _, o := range owners {
		if o.IsLoaded(p.Index()) {
			return idOrNil(orm.RefOf(o, p))
		}
	}
	return nil, false
}

func idOrNil(ref *orm.Object) (any, bool) {
	if ref == nil {
		return nil, true
	}
	return orm.IDOf(ref)
}

// cloneFor 同一主键的多个父对象各自持有独立的子对象
func cloneFor(item, owner *orm.Object, group []*orm.Object) *orm.Object {
	if len(group) == 1 || owner == group[0] {
		return item
	}
	return item.Clone()
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}
