package mutation

import (
	"context"

	"gorel/data/orm"
	"gorel/trigger"
)

// fkSnapshot 一层行在写入前的外键值，用来发出外键变更的关联事件
type fkSnapshot struct {
	props []*orm.Prop
	// before 属性 → 行主键 KeyOf → 原父主键（外键为空时为 nil）
	before  map[*orm.Prop]map[any]any
	existed map[any]bool
}

// owningForeignKeys t 上由本表外键列持有的引用属性；loadedIn 非空时只取其中加载了的
func owningForeignKeys(t *orm.EntityType, loadedIn []*orm.Object) []*orm.Prop {
	var out []*orm.Prop
	for _, p := range t.Props() {
		if !p.IsOwningForeignKey() {
			continue
		}
		if loadedIn == nil {
			out = append(out, p)
			continue
		}
		for _, d := range loadedIn {
			if d.IsLoaded(p.Index()) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// foreignKeysOf 按条件查出行主键及各外键属性的当前父主键
func (c *command) foreignKeysOf(ctx context.Context, path *MutationPath, t *orm.EntityType, props []*orm.Prop, cond clause) (*fkSnapshot, error) {
	snap := &fkSnapshot{
		props:   props,
		before:  make(map[*orm.Prop]map[any]any, len(props)),
		existed: make(map[any]bool),
	}
	var cols []string
	for _, p := range props {
		snap.before[p] = make(map[any]any)
		cols = append(cols, p.Columns()...)
	}
	ids, extras, err := c.selectIDs(ctx, path, t, cond, cols)
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		k := orm.KeyOf(id)
		snap.existed[k] = true
		off := 0
		for _, p := range props {
			n := len(p.Columns())
			if fk := extras[i][off : off+n]; !allNil(fk) {
				snap.before[p][k] = idFromValues(p.Target(), fk)
			}
			off += n
		}
	}
	return snap, nil
}

// snapshotForeignKeys 写入前记录草稿对应行的外键；不需要事件时返回 nil
func (c *command) snapshotForeignKeys(ctx context.Context, path *MutationPath, drafts []*orm.Object) (*fkSnapshot, error) {
	if !c.emitEvents {
		return nil, nil
	}
	t := path.Type()
	props := owningForeignKeys(t, drafts)
	if len(props) == 0 {
		return nil, nil
	}
	var ids []any
	for _, d := range drafts {
		if id, ok := orm.IDOf(d); ok {
			ids = append(ids, id)
		}
	}
	ids = dedupIDs(ids)
	if len(ids) == 0 {
		return &fkSnapshot{props: props, before: map[*orm.Prop]map[any]any{}, existed: map[any]bool{}}, nil
	}
	return c.foreignKeysOf(ctx, path, t, props, c.inClause(t.IDColumns(), t, ids))
}

// emitForeignKeyMoves 外键指向变化的草稿发出关联事件（旧父主键 → 新父主键）；
// 冲突被忽略的插入没有改动任何行
func (c *command) emitForeignKeyMoves(snap *fkSnapshot, drafts []*orm.Object, ignored []*orm.Object) {
	if snap == nil {
		return
	}
	skip := make(map[*orm.Object]bool, len(ignored))
	for _, d := range ignored {
		skip[d] = true
	}
	for _, d := range drafts {
		if c.failed[d] {
			continue
		}
		id, ok := orm.IDOf(d)
		if !ok {
			continue
		}
		k := orm.KeyOf(id)
		if skip[d] && snap.existed[k] {
			continue
		}
		for _, p := range snap.props {
			if !d.IsLoaded(p.Index()) {
				continue
			}
			var attached any
			if ref := orm.RefOf(d, p); ref != nil {
				attached, _ = orm.IDOf(ref)
			}
			detached := snap.before[p][k]
			if orm.KeyOf(detached) == orm.KeyOf(attached) {
				continue
			}
			c.addAssociationEvent(p, id, detached, attached, trigger.ReasonSave)
		}
	}
}

// emitForeignKeyDetaches 删除前查出被删行的外键，发出脱离原父对象的关联事件
func (c *command) emitForeignKeyDetaches(ctx context.Context, node *deleteNode) error {
	if !c.emitEvents || !node.set.idsKnown || len(node.set.ids) == 0 {
		return nil
	}
	t := node.set.typ
	props := owningForeignKeys(t, nil)
	if len(props) == 0 {
		return nil
	}
	snap, err := c.foreignKeysOf(ctx, node.path, t, props, c.selfClause(node.set))
	if err != nil {
		return err
	}
	for _, id := range node.set.ids {
		for _, p := range props {
			if old, ok := snap.before[p][orm.KeyOf(id)]; ok {
				c.addAssociationEvent(p, id, old, nil, trigger.ReasonDelete)
			}
		}
	}
	return nil
}
