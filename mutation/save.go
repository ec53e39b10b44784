package mutation

import (
	"context"
	"fmt"
	"strings"

	core "gorel/data/db"
	"gorel/data/orm"
	"gorel/errors"
	"gorel/logging"
)

// SaveFailure 单个实体保存失败；只在关闭 AllOrNothing 时出现
type SaveFailure struct {
	Entity *orm.Object
	Err    error
}

// SaveResult 保存命令的结果
type SaveResult struct {
	AffectedRows
	// Entities 与输入同序，回填了主键和版本号
	Entities []*orm.Object
	Failures []SaveFailure
}

// Entity 第一个保存的实体
func (r *SaveResult) Entity() *orm.Object {
	if r == nil || len(r.Entities) == 0 {
		return nil
	}
	return r.Entities[0]
}

// savePlan 一层实体按匹配结果分成的几类语句
type savePlan struct {
	inserts []*orm.Object
	// ignores 冲突即跳过的插入（INSERT_IF_ABSENT 且方言支持）
	ignores []*orm.Object
	updates []updateOp
	upserts []*orm.Object
}

// updateOp byKey 非空表示按业务键匹配，这些键列不再出现在 SET 中
type updateOp struct {
	draft *orm.Object
	byKey []*orm.Prop
}

func (c *command) save(ctx context.Context, entities []orm.Immutable) (*SaveResult, error) {
	result := &SaveResult{}
	if len(entities) == 0 {
		result.AffectedRows = affectedRowsOf(c.counter)
		return result, nil
	}
	t := entities[0].Type()
	path := RootPath(t)
	if t.IsEmbeddable() || t.IDProp() == nil {
		return nil, newError(errors.ErrCodeInvalidInput, path, "只能保存实体类型", nil)
	}
	c.frozen = make(map[*orm.Object]bool)
	c.claimed = make(map[*orm.Object]bool)
	c.failed = make(map[*orm.Object]bool)

	copies := make(map[orm.Immutable]*orm.Object)
	drafts := make([]*orm.Object, len(entities))
	for i, e := range entities {
		if e == nil || e.Type() != t {
			return nil, newError(errors.ErrCodeInvalidInput, path, "一次只能保存同一类型的实体", nil)
		}
		drafts[i] = c.draftOf(e, copies)
	}
	c.logger.Debug(ctx, "save entities",
		logging.String("type", t.Name()),
		logging.Int("count", len(drafts)),
		logging.Stringer("mode", c.opts.SaveMode),
		logging.Stringer("associated_mode", c.opts.AssociatedMode))

	if _, err := c.saveAll(ctx, path, c.opts.SaveMode, drafts); err != nil {
		return nil, err
	}
	result.Entities = make([]*orm.Object, len(drafts))
	for i, d := range drafts {
		result.Entities[i] = orm.Freeze(d)
	}
	result.Failures = c.failures
	result.AffectedRows = affectedRowsOf(c.counter)
	return result, nil
}

// draftOf 把输入图复制成草稿；同一个输入对象只复制一次，共享关系保持不变
func (c *command) draftOf(e orm.Immutable, copies map[orm.Immutable]*orm.Object) *orm.Object {
	if d, ok := copies[e]; ok {
		return d
	}
	t := e.Type()
	d := orm.New(t)
	copies[e] = d
	if o, ok := e.(*orm.Object); !ok || o.IsFrozen() {
		c.frozen[d] = true
	}
	for _, p := range t.Props() {
		if !e.IsLoaded(p.Index()) {
			continue
		}
		v := e.Get(p.Index())
		switch {
		case p.IsList():
			items, _ := v.([]*orm.Object)
			out := make([]*orm.Object, 0, len(items))
			for _, item := range items {
				if item != nil {
					out = append(out, c.draftOf(item, copies))
				}
			}
			d.Set(p.Index(), out)
		case p.IsReference():
			if ref, ok := v.(*orm.Object); ok && ref != nil {
				d.Set(p.Index(), c.draftOf(ref, copies))
			} else {
				d.Set(p.Index(), nil)
			}
		default:
			if emb, ok := v.(*orm.Object); ok && emb != nil {
				v = emb.Clone()
			}
			d.Set(p.Index(), v)
		}
	}
	return d
}

// claim 过滤掉已经在保存流程中的对象（图中的环或共享引用）
func (c *command) claim(drafts []*orm.Object) []*orm.Object {
	out := drafts[:0:0]
	for _, d := range drafts {
		if d == nil || c.claimed[d] {
			continue
		}
		c.claimed[d] = true
		out = append(out, d)
	}
	return out
}

// saveAll 保存同一路径上的一批草稿：先父引用，再本层，最后子对象；
// 返回本层成功保存的草稿
func (c *command) saveAll(ctx context.Context, path *MutationPath, mode SaveMode, drafts []*orm.Object) ([]*orm.Object, error) {
	if err := c.checkDepth(path); err != nil {
		return nil, err
	}
	drafts = c.claim(drafts)
	if len(drafts) == 0 {
		return nil, nil
	}
	if err := c.saveParents(ctx, path, drafts); err != nil {
		return nil, err
	}
	plan, err := c.classify(ctx, path, mode, drafts)
	if err != nil {
		return nil, err
	}
	fks, err := c.snapshotForeignKeys(ctx, path, drafts)
	if err != nil {
		return nil, err
	}
	if err := c.insert(ctx, path, plan.inserts, false); err != nil {
		return nil, err
	}
	if err := c.insert(ctx, path, plan.ignores, true); err != nil {
		return nil, err
	}
	if err := c.update(ctx, path, plan.updates); err != nil {
		return nil, err
	}
	if err := c.upsert(ctx, path, plan.upserts); err != nil {
		return nil, err
	}
	c.emitForeignKeyMoves(fks, drafts, plan.ignores)

	saved := make([]*orm.Object, 0, len(drafts))
	for _, d := range drafts {
		if !c.failed[d] {
			saved = append(saved, d)
		}
	}
	if err := c.saveChildren(ctx, path, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// classify 解析匹配键并决定每个草稿走 INSERT、UPDATE 还是原生 UPSERT
func (c *command) classify(ctx context.Context, path *MutationPath, mode SaveMode, drafts []*orm.Object) (*savePlan, error) {
	t := path.Type()
	keyProps := c.opts.keyPropsOf(t)
	plan := &savePlan{}
	var byID, byKey []*orm.Object
	for _, d := range drafts {
		shape, err := ShapeOf(d, nil)
		if err != nil {
			return nil, withPath(err, path)
		}
		_, hasID := orm.IDOf(d)
		switch {
		case hasID:
			byID = append(byID, d)
		case !shape.IsWild(keyProps):
			byKey = append(byKey, d)
		case mode == SaveInsertOnly:
			plan.inserts = append(plan.inserts, d)
		case len(keyProps) == 0 && mode == SaveUpdateOnly:
			return nil, newError(errors.ErrCodeNoKeyProps, path, "没有主键的对象只能插入，该类型未声明业务键", nil)
		case len(keyProps) == 0:
			plan.inserts = append(plan.inserts, d)
		default:
			return nil, newError(errors.ErrCodeNeitherIDNorKey, path, "对象既没有主键也没有完整的业务键", map[string]any{
				errors.DetailProps: propNames(keyProps),
			})
		}
	}
	if err := c.classifyByID(ctx, path, mode, byID, plan); err != nil {
		return nil, err
	}
	if err := c.classifyByKey(ctx, path, mode, keyProps, byKey, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (c *command) classifyByID(ctx context.Context, path *MutationPath, mode SaveMode, drafts []*orm.Object, plan *savePlan) error {
	if len(drafts) == 0 {
		return nil
	}
	t := path.Type()
	switch mode {
	case SaveInsertOnly:
		plan.inserts = append(plan.inserts, drafts...)
		return nil
	case SaveUpdateOnly:
		for _, d := range drafts {
			plan.updates = append(plan.updates, updateOp{draft: d})
		}
		return nil
	case SaveInsertIfAbsent:
		if c.dialect().SupportsInsertIgnore() && c.opts.LockMode != LockPessimistic {
			plan.ignores = append(plan.ignores, drafts...)
			return nil
		}
	}

	var probe []*orm.Object
	for _, d := range drafts {
		if mode == SaveUpsert && c.canUpsert(t, d) {
			plan.upserts = append(plan.upserts, d)
		} else {
			probe = append(probe, d)
		}
	}
	if len(probe) == 0 {
		return nil
	}
	ids := make([]any, len(probe))
	for i, d := range probe {
		ids[i], _ = orm.IDOf(d)
	}
	existing := make(map[any]bool, len(ids))
	idCols := t.IDColumns()
	err := c.probe(ctx, path, t, idCols, c.inClause(idCols, t, dedupIDs(ids)), func(vals []any) error {
		existing[orm.KeyOf(idFromValues(t, vals))] = true
		return nil
	})
	if err != nil {
		return err
	}
	for i, d := range probe {
		switch {
		case !existing[orm.KeyOf(ids[i])]:
			plan.inserts = append(plan.inserts, d)
		case mode != SaveInsertIfAbsent:
			plan.updates = append(plan.updates, updateOp{draft: d})
		}
	}
	return nil
}

// canUpsert 能否交给方言原生 upsert，省掉存在性查询：
// 需要版本校验或会覆盖逻辑删除标记时不行
func (c *command) canUpsert(t *orm.EntityType, d *orm.Object) bool {
	if !c.dialect().SupportsUpsert() || c.opts.LockMode != LockAuto {
		return false
	}
	if t.VersionProp() != nil {
		return false
	}
	if ld := t.LogicalDeleted(); ld != nil && !d.IsLoaded(ld.Prop.Index()) {
		return false
	}
	// 缺少非空列时 INSERT 分支必然违反约束，只能先查再更新
	for _, p := range t.Props() {
		if p.IsColumnDefinition() && !p.IsID() && !p.Nullable() && !d.IsLoaded(p.Index()) {
			return false
		}
	}
	return true
}

func (c *command) classifyByKey(ctx context.Context, path *MutationPath, mode SaveMode, keyProps []*orm.Prop, drafts []*orm.Object, plan *savePlan) error {
	if len(drafts) == 0 {
		return nil
	}
	if mode == SaveInsertOnly {
		plan.inserts = append(plan.inserts, drafts...)
		return nil
	}
	t := path.Type()
	shape := FullShape(t)
	var getters []PropertyGetter
	for _, p := range keyProps {
		getters = append(getters, shape.PropertyGetters(p)...)
	}
	keyCols := make([]string, len(getters))
	for i, g := range getters {
		keyCols[i] = g.Column()
	}
	keyOf := func(d *orm.Object) []any {
		vals := make([]any, len(getters))
		for i, g := range getters {
			vals[i] = g.Get(d)
		}
		return vals
	}

	// 含 NULL 的键不能放进 IN，逐个用 IS NULL 查询
	var full [][]any
	var nullable []clause
	seen := make(map[string]bool)
	for _, d := range drafts {
		vals := keyOf(d)
		k := tupleKey(vals)
		if seen[k] {
			continue
		}
		seen[k] = true
		if cond, ok := c.nullableKeyClause(keyCols, vals); ok {
			nullable = append(nullable, cond)
		} else {
			full = append(full, vals)
		}
	}

	idCols := t.IDColumns()
	cols := append(append([]string(nil), idCols...), keyCols...)
	found := make(map[string]any)
	collect := func(vals []any) error {
		k := tupleKey(vals[len(idCols):])
		id := idFromValues(t, vals[:len(idCols)])
		if prev, ok := found[k]; ok && orm.KeyOf(prev) != orm.KeyOf(id) {
			return newError(errors.ErrCodeNotUnique, path, "业务键匹配到多行", map[string]any{
				errors.DetailProps:  propNames(keyProps),
				errors.DetailValues: vals[len(idCols):],
			})
		}
		found[k] = id
		return nil
	}
	conds := nullable
	if len(full) > 0 {
		conds = append([]clause{c.tupleClause(keyCols, full)}, conds...)
	}
	for _, cond := range conds {
		if err := c.probe(ctx, path, t, cols, cond, collect); err != nil {
			return err
		}
	}

	idIndex := t.IDProp().Index()
	for _, d := range drafts {
		id, ok := found[tupleKey(keyOf(d))]
		switch {
		case ok:
			d.Set(idIndex, id)
			if mode != SaveInsertIfAbsent {
				plan.updates = append(plan.updates, updateOp{draft: d, byKey: keyProps})
			}
		case mode != SaveUpdateOnly:
			plan.inserts = append(plan.inserts, d)
		}
	}
	return nil
}

// nullableKeyClause 键值中有 NULL 时渲染 A = ? AND B IS NULL
func (c *command) nullableKeyClause(cols []string, vals []any) (clause, bool) {
	hasNull := false
	for _, v := range vals {
		if v == nil {
			hasNull = true
			break
		}
	}
	if !hasNull {
		return clause{}, false
	}
	parts := make([]string, len(cols))
	var args []any
	for i, col := range cols {
		if vals[i] == nil {
			parts[i] = c.r.q(col) + " IS NULL"
			continue
		}
		parts[i] = c.r.q(col) + " = ?"
		args = append(args, vals[i])
	}
	return clause{sql: strings.Join(parts, " AND "), rows: [][]any{args}}, true
}

// probe 存在性/匹配查询；悲观锁模式下追加 FOR UPDATE
func (c *command) probe(ctx context.Context, path *MutationPath, t *orm.EntityType, cols []string, cond clause, fn func(vals []any) error) error {
	sb := c.builder.Select(c.r.list(cols)).From(c.r.q(t.Table())).Where(cond.sql)
	if c.opts.LockMode == LockPessimistic {
		sb = sb.ForUpdate()
	}
	query, _ := sb.Build()
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
			for i := range vals {
				vals[i] = normalizeScanned(vals[i])
			}
			return fn(vals)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// saveFailed 乐观锁等单实体失败：AllOrNothing 时中止命令，否则记录后继续
func (c *command) saveFailed(ctx context.Context, d *orm.Object, err error) error {
	if c.opts.AllOrNothing {
		return err
	}
	c.failed[d] = true
	c.failures = append(c.failures, SaveFailure{Entity: orm.Freeze(d), Err: err})
	c.logger.Warn(ctx, "entity not saved", logging.String("entity", d.String()), logging.Error(err))
	return nil
}

// tupleKey 一组列值的可比较表示
func tupleKey(vals []any) string {
	var sb strings.Builder
	for i, v := range vals {
		if i > 0 {
			sb.WriteByte(0x1f)
		}
		fmt.Fprint(&sb, orm.KeyOf(normalizeScanned(v)))
	}
	return sb.String()
}

func propNames(props []*orm.Prop) []string {
	names := make([]string, len(props))
	for i, p := range props {
		names[i] = p.Name()
	}
	return names
}

func withPath(err error, path *MutationPath) error {
	if ie, ok := err.(errors.IError); ok {
		return ie.WithContext(errors.DetailExportedPath, pathString(path))
	}
	return err
}
