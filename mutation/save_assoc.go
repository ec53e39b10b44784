package mutation

import (
	"context"

	"gorel/data/orm"
	"gorel/errors"
)

// targetsOf 关联属性当前的目标对象
func targetsOf(d *orm.Object, p *orm.Prop) []*orm.Object {
	if p.IsList() {
		return orm.Items(d, p)
	}
	if ref := orm.RefOf(d, p); ref != nil {
		return []*orm.Object{ref}
	}
	return nil
}

// isIDOnly 只有主键的对象只作为引用，不需要保存
func isIDOnly(o *orm.Object) bool {
	if _, ok := orm.IDOf(o); !ok {
		return false
	}
	for _, p := range o.Type().Props() {
		if !p.IsColumnDefinition() && o.IsLoaded(p.Index()) {
			return false
		}
	}
	shape, err := ShapeOf(o, nil)
	return err == nil && shape.IsIDOnly()
}

// isKeyOnly 没有主键且只加载了业务键属性
func isKeyOnly(o *orm.Object, keyProps []*orm.Prop) bool {
	if len(keyProps) == 0 {
		return false
	}
	if _, ok := orm.IDOf(o); ok {
		return false
	}
	keys := make(map[*orm.Prop]bool, len(keyProps))
	for _, p := range keyProps {
		if !o.IsLoaded(p.Index()) {
			return false
		}
		keys[p] = true
	}
	for _, p := range o.Type().Props() {
		if !keys[p] && o.IsLoaded(p.Index()) {
			return false
		}
	}
	return true
}

// saveParents 先保存本层通过外键引用的父对象，使外键列能取到父主键
func (c *command) saveParents(ctx context.Context, path *MutationPath, drafts []*orm.Object) error {
	t := path.Type()
	for _, p := range t.Props() {
		if !p.IsOwningForeignKey() {
			continue
		}
		parentPath := path.To(p)
		var toSave, refs, keyRefs []*orm.Object
		keyProps := c.opts.keyPropsOf(p.Target())
		for _, d := range drafts {
			if !d.IsLoaded(p.Index()) {
				continue
			}
			ref := orm.RefOf(d, p)
			switch {
			case ref == nil:
				if !p.Nullable() {
					return newError(errors.ErrCodeNullTarget, parentPath, "非空引用不能设置为 null", map[string]any{
						errors.DetailProp: p.String(),
					})
				}
			case c.claimed[ref]:
			case isIDOnly(ref):
				refs = append(refs, ref)
			case c.opts.isKeyOnlyAsReference(p) && isKeyOnly(ref, keyProps):
				keyRefs = append(keyRefs, ref)
			default:
				toSave = append(toSave, ref)
			}
		}
		if len(toSave) > 0 {
			if _, err := c.saveAll(ctx, parentPath, c.opts.associatedModeOf(p).saveMode(), toSave); err != nil {
				return err
			}
		}
		if len(keyRefs) > 0 {
			if err := c.resolveKeyRefs(ctx, parentPath, p, keyProps, keyRefs); err != nil {
				return err
			}
		}
		if len(refs) > 0 && c.opts.isAutoChecking(p) {
			if err := c.checkTargets(ctx, parentPath, p, refs); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveKeyRefs 按业务键查出只含键的引用的主键；查不到即 ILLEGAL_TARGET_ID，不会插入
func (c *command) resolveKeyRefs(ctx context.Context, path *MutationPath, p *orm.Prop, keyProps []*orm.Prop, refs []*orm.Object) error {
	var plan savePlan
	if err := c.classifyByKey(ctx, path, SaveInsertIfAbsent, keyProps, refs, &plan); err != nil {
		return err
	}
	if len(plan.inserts) > 0 {
		missing := plan.inserts[0]
		vals := make([]any, len(keyProps))
		for i, kp := range keyProps {
			vals[i] = missing.Get(kp.Index())
		}
		return newError(errors.ErrCodeIllegalTargetID, path, "按业务键引用的目标对象不存在", map[string]any{
			errors.DetailProp:   p.String(),
			errors.DetailProps:  propNames(keyProps),
			errors.DetailValues: vals,
		})
	}
	return nil
}

// checkTargets 探测只含主键的引用目标是否存在，不存在即 ILLEGAL_TARGET_ID
func (c *command) checkTargets(ctx context.Context, path *MutationPath, p *orm.Prop, refs []*orm.Object) error {
	target := p.Target()
	ids := make([]any, 0, len(refs))
	for _, ref := range refs {
		id, _ := orm.IDOf(ref)
		ids = append(ids, id)
	}
	ids = dedupIDs(ids)
	existing := make(map[any]bool, len(ids))
	idCols := target.IDColumns()
	err := c.probe(ctx, path, target, idCols, c.inClause(idCols, target, ids), func(vals []any) error {
		existing[orm.KeyOf(idFromValues(target, vals))] = true
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !existing[orm.KeyOf(id)] {
			return newError(errors.ErrCodeIllegalTargetID, path, "引用的目标对象不存在", map[string]any{
				errors.DetailProp:     p.String(),
				errors.DetailTargetID: id,
			})
		}
	}
	return nil
}

// saveChildren 保存本层之后处理反向外键与中间表关联
func (c *command) saveChildren(ctx context.Context, path *MutationPath, parents []*orm.Object) error {
	if len(parents) == 0 {
		return nil
	}
	t := path.Type()
	for _, p := range t.Props() {
		if !p.IsAssociation() || p.IsOwningForeignKey() {
			continue
		}
		var owners []*orm.Object
		for _, d := range parents {
			if d.IsLoaded(p.Index()) {
				owners = append(owners, d)
			}
		}
		if len(owners) == 0 {
			continue
		}
		var err error
		switch {
		case p.HasMiddleTable():
			err = c.saveMiddle(ctx, path, p, owners)
		case p.MappedBy() != nil && p.MappedBy().IsOwningForeignKey():
			err = c.saveBackReferenced(ctx, path, p, owners)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// saveBackReferenced 一对多（或反向一对一）：
// 子对象的外键指向父对象，先回填外键再递归保存，REPLACE 时脱钩未出现的旧子对象
func (c *command) saveBackReferenced(ctx context.Context, path *MutationPath, p *orm.Prop, owners []*orm.Object) error {
	bp := p.MappedBy()
	childPath := path.To(p)
	mode := c.opts.associatedModeOf(p)

	var children []*orm.Object
	for _, owner := range owners {
		for _, child := range targetsOf(owner, p) {
			if c.frozen[child] && !child.IsLoaded(bp.Index()) {
				return newError(errors.ErrCodeUnloadedFrozenBackReference, childPath, "只读子对象的反向引用未加载", map[string]any{
					errors.DetailProp: bp.String(),
				})
			}
			child.Set(bp.Index(), owner)
			children = append(children, child)
		}
	}

	if !c.opts.isTransferable(p) {
		before, err := c.currentParents(ctx, childPath, bp, children)
		if err != nil {
			return err
		}
		for _, child := range children {
			id, ok := orm.IDOf(child)
			if !ok {
				continue
			}
			old, found := before[orm.KeyOf(id)]
			if !found || old == nil {
				continue
			}
			ownerID, _ := orm.IDOf(orm.RefOf(child, bp))
			if orm.KeyOf(old) != orm.KeyOf(ownerID) {
				return newError(errors.ErrCodeTargetIsNotTransferable, childPath, "子对象属于另一个父对象", map[string]any{
					errors.DetailProp:     p.String(),
					errors.DetailTargetID: id,
				})
			}
		}
	}

	if _, err := c.saveAll(ctx, childPath, mode.saveMode(), children); err != nil {
		return err
	}

	if mode != AssociatedReplace {
		return nil
	}
	parentIDs := make([]any, 0, len(owners))
	var retained []RetainedPair
	for _, owner := range owners {
		ownerID, ok := orm.IDOf(owner)
		if !ok {
			continue
		}
		parentIDs = append(parentIDs, ownerID)
		for _, child := range targetsOf(owner, p) {
			if id, ok := orm.IDOf(child); ok {
				retained = append(retained, RetainedPair{ParentID: ownerID, ChildID: id})
			}
		}
	}
	return c.disconnectExcept(ctx, path, p, parentIDs, retained)
}

// currentParents 已有主键的子对象当前的外键值（子主键 KeyOf → 父主键）
func (c *command) currentParents(ctx context.Context, path *MutationPath, bp *orm.Prop, children []*orm.Object) (map[any]any, error) {
	child := bp.Owner()
	var ids []any
	for _, ch := range children {
		if id, ok := orm.IDOf(ch); ok {
			ids = append(ids, id)
		}
	}
	ids = dedupIDs(ids)
	out := make(map[any]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	idCols := child.IDColumns()
	cols := append(append([]string(nil), idCols...), bp.Columns()...)
	err := c.probe(ctx, path, child, cols, c.inClause(idCols, child, ids), func(vals []any) error {
		id := idFromValues(child, vals[:len(idCols)])
		var parent any
		if fk := vals[len(idCols):]; !allNil(fk) {
			parent = idFromValues(bp.Target(), fk)
		}
		out[orm.KeyOf(id)] = parent
		return nil
	})
	return out, err
}

// saveMiddle 多对多：保存非引用目标，补齐缺失的中间表行，REPLACE 时删除多余的行
func (c *command) saveMiddle(ctx context.Context, path *MutationPath, p *orm.Prop, owners []*orm.Object) error {
	childPath := path.To(p)
	if err := c.checkDepth(childPath); err != nil {
		return err
	}
	mode := c.opts.associatedModeOf(p)

	var toSave, refs []*orm.Object
	for _, owner := range owners {
		for _, target := range targetsOf(owner, p) {
			switch {
			case c.claimed[target]:
			case isIDOnly(target):
				refs = append(refs, target)
			default:
				toSave = append(toSave, target)
			}
		}
	}
	if len(toSave) > 0 {
		if _, err := c.saveAll(ctx, childPath, mode.saveMode(), toSave); err != nil {
			return err
		}
	}
	if len(refs) > 0 && c.opts.isAutoChecking(p) {
		if err := c.checkTargets(ctx, childPath, p, refs); err != nil {
			return err
		}
	}

	var parentIDs []any
	var desired []RetainedPair
	// desiredObjs 与 desired 同序的 (拥有方, 目标) 对象，中间表行从它们读取
	var desiredObjs [][2]*orm.Object
	for _, owner := range owners {
		ownerID, ok := orm.IDOf(owner)
		if !ok {
			continue
		}
		parentIDs = append(parentIDs, ownerID)
		for _, target := range targetsOf(owner, p) {
			if id, ok := orm.IDOf(target); ok {
				desired = append(desired, RetainedPair{ParentID: ownerID, ChildID: id})
				desiredObjs = append(desiredObjs, [2]*orm.Object{owner, target})
			}
		}
	}
	parentIDs = dedupIDs(parentIDs)
	if len(parentIDs) == 0 {
		return nil
	}

	existing, err := c.middlePairs(ctx, childPath, p, parentIDs)
	if err != nil {
		return err
	}
	have := make(map[[2]any]bool, len(existing))
	for _, pair := range existing {
		have[[2]any{orm.KeyOf(pair.ParentID), orm.KeyOf(pair.ChildID)}] = true
	}
	sources, targets := MiddleTableGetters(p)
	getters := append(append([]PropertyGetter(nil), sources...), targets...)
	var rows [][]any
	for i, pair := range desired {
		k := [2]any{orm.KeyOf(pair.ParentID), orm.KeyOf(pair.ChildID)}
		if have[k] {
			continue
		}
		have[k] = true
		row := make([]any, 0, len(getters))
		for _, g := range sources {
			row = append(row, g.Get(desiredObjs[i][0]))
		}
		for _, g := range targets {
			row = append(row, g.Get(desiredObjs[i][1]))
		}
		rows = append(rows, row)
		c.addMiddleEvent(p, pair.ParentID, pair.ChildID, true)
	}
	if len(rows) > 0 {
		jt := p.MiddleTable()
		cols := make([]string, len(getters))
		for i, g := range getters {
			cols[i] = g.Column()
		}
		ib := c.builder.InsertInto(jt.Name).Columns(cols...).Values(rows[0]...)
		if c.dialect().SupportsInsertIgnore() {
			ib = ib.IgnoreConflict(cols...)
		}
		query, _ := ib.Build()
		counts, err := c.exec.ExecCounts(ctx, childPath, query, rows)
		if err != nil {
			return err
		}
		c.counter.Add(AffectedTable{Table: jt.Name, Kind: KindMiddleTable}, sum(counts))
	}

	if mode != AssociatedReplace {
		return nil
	}
	return c.disconnectMiddleExcept(ctx, childPath, p, parentIDs, desired)
}

func allNil(vals []any) bool {
	for _, v := range vals {
		if v != nil {
			return false
		}
	}
	return true
}
