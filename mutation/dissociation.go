package mutation

import (
	"context"
	"fmt"
	"strings"

	core "gorel/data/db"
	"gorel/data/orm"
	"gorel/errors"
	"gorel/logging"
	"gorel/trigger"
)

// DissociateAction 父对象失去子对象时对子对象的处理方式
type DissociateAction int

const (
	// DissociateCheck 存在子对象即失败
	DissociateCheck DissociateAction = iota
	// DissociateLax 什么都不做，悬挂引用由调用方负责
	DissociateLax
	// DissociateSetNull 把子对象外键置空
	DissociateSetNull
	// DissociateCascade 递归删除子对象
	DissociateCascade
)

func (a DissociateAction) String() string {
	switch a {
	case DissociateCheck:
		return "CHECK"
	case DissociateLax:
		return "LAX"
	case DissociateSetNull:
		return "SET_NULL"
	case DissociateCascade:
		return "CASCADE"
	default:
		return fmt.Sprintf("DissociateAction(%d)", int(a))
	}
}

// ParseDissociateAction 解析配置中的脱钩动作名
func ParseDissociateAction(s string) (DissociateAction, error) {
	switch strings.ToUpper(s) {
	case "CHECK":
		return DissociateCheck, nil
	case "LAX":
		return DissociateLax, nil
	case "SET_NULL":
		return DissociateSetNull, nil
	case "CASCADE", "DELETE":
		return DissociateCascade, nil
	default:
		return DissociateCheck, fmt.Errorf("unknown dissociate action %q", s)
	}
}

// ResolveAction 决定外键属性 backProp 的脱钩动作：
// 命令级覆盖优先；SMART 按外键是否可空解释；NONE 按 DissociateCheckable 解释。
func ResolveAction(backProp *orm.Prop, opts *Options) DissociateAction {
	if a, ok := opts.dissociateActions[backProp]; ok {
		return a
	}
	switch backProp.OnDelete() {
	case orm.OnDeleteSetNull:
		return DissociateSetNull
	case orm.OnDeleteCascade:
		return DissociateCascade
	case orm.OnDeleteSmart:
		if backProp.Nullable() {
			return DissociateSetNull
		}
		return DissociateCascade
	default:
		if opts.DissociateCheckable {
			return DissociateCheck
		}
		return DissociateLax
	}
}

// rowSet 一组待处理的行：要么已知主键，要么是作用于本表的条件
type rowSet struct {
	typ      *orm.EntityType
	ids      []any
	idsKnown bool
	cond     clause
	// nesting 条件中已嵌套的子查询层数
	nesting int
	// tables 条件中引用到的表（MySQL 不允许 DELETE 的子查询引用目标表）
	tables []string
}

func knownRows(t *orm.EntityType, ids []any) *rowSet {
	return &rowSet{typ: t, ids: dedupIDs(ids), idsKnown: true}
}

func (s *rowSet) empty() bool {
	return s.idsKnown && len(s.ids) == 0
}

func (s *rowSet) references(table string) bool {
	for _, t := range s.tables {
		if t == table {
			return true
		}
	}
	return false
}

// selfClause 作用于本表的条件
func (c *command) selfClause(s *rowSet) clause {
	if s.idsKnown {
		return c.inClause(s.typ.IDColumns(), s.typ, s.ids)
	}
	return s.cond
}

// materialize 把条件集合查询为主键集合
func (c *command) materialize(ctx context.Context, path *MutationPath, s *rowSet) (*rowSet, error) {
	if s.idsKnown {
		return s, nil
	}
	ids, _, err := c.selectIDs(ctx, path, s.typ, s.cond, nil)
	if err != nil {
		return nil, err
	}
	return knownRows(s.typ, ids), nil
}

// childrenOf 通过外键 backProp 引用 parents 的子表行
func (c *command) childrenOf(ctx context.Context, path *MutationPath, parents *rowSet, backProp *orm.Prop, materialize bool) (*rowSet, error) {
	child := backProp.Owner()
	fkCols := backProp.Columns()
	if parents.empty() {
		return knownRows(child, nil), nil
	}

	var set *rowSet
	if parents.idsKnown {
		set = &rowSet{
			typ:    child,
			cond:   c.inClause(fkCols, parents.typ, parents.ids),
			tables: []string{child.Table()},
		}
	} else {
		strategy := ChooseStrategy(StrategyInput{
			TupleIn:             c.dialect().SupportsTupleIn(),
			ParentCount:         1,
			ParentArity:         len(fkCols),
			KeyArity:            len(fkCols),
			Depth:               parents.nesting + 1,
			MaxCommandJoinCount: c.opts.MaxCommandJoinCount,
			MaxInListSize:       c.opts.MaxInListSize,
		})
		if strategy == StrategySelectThenBatch || parents.cond.batched() || parents.references(child.Table()) {
			known, err := c.materialize(ctx, path, parents)
			if err != nil {
				return nil, err
			}
			return c.childrenOf(ctx, path, known, backProp, materialize)
		}
		sub := "SELECT " + c.r.list(parents.typ.IDColumns()) +
			" FROM " + c.r.q(parents.typ.Table()) +
			" WHERE " + parents.cond.sql
		set = &rowSet{
			typ:     child,
			cond:    clause{sql: c.r.target(fkCols) + " IN (" + sub + ")", rows: parents.cond.rows},
			nesting: parents.nesting + 1,
			tables:  append(append([]string(nil), parents.tables...), child.Table()),
		}
	}
	if materialize {
		return c.materialize(ctx, path.BackFrom(backProp), set)
	}
	return set, nil
}

// deleteNode 删除计划中的一层
type deleteNode struct {
	path     *MutationPath
	set      *rowSet
	logical  bool
	cascades []*deleteNode
	setNulls []setNullEdge
}

type setNullEdge struct {
	path     *MutationPath
	backProp *orm.Prop
	children *rowSet
	// pairs 已知主键时子对象原来指向的父主键，用于事件
	parentOf map[any]any
}

// plan 自顶向下构建删除计划：只发 SELECT（探测与物化），不执行任何 DML。
// 任何一层的 CHECK 失败都会在 DML 之前返回，保证不会留下部分删除。
func (c *command) plan(ctx context.Context, path *MutationPath, set *rowSet, logical bool) (*deleteNode, error) {
	if err := c.checkDepth(path); err != nil {
		return nil, err
	}
	node := &deleteNode{path: path, set: set, logical: logical}
	backProps := c.schema.BackProps(set.typ)

	for _, bp := range backProps {
		if ResolveAction(bp, &c.opts) != DissociateCheck {
			continue
		}
		children, err := c.childrenOf(ctx, path, set, bp, false)
		if err != nil {
			return nil, err
		}
		if children.empty() {
			continue
		}
		found, err := c.exists(ctx, path.BackFrom(bp), bp.Owner(), c.selfClause(children))
		if err != nil {
			return nil, err
		}
		if found {
			return nil, c.cannotDissociate(path.BackFrom(bp), bp)
		}
	}

	for _, bp := range backProps {
		childPath := path.BackFrom(bp)
		switch ResolveAction(bp, &c.opts) {
		case DissociateSetNull:
			edge, err := c.planSetNull(ctx, path, set, bp)
			if err != nil {
				return nil, err
			}
			if edge != nil {
				node.setNulls = append(node.setNulls, *edge)
			}
		case DissociateCascade:
			children, err := c.childrenOf(ctx, path, set, bp, set.idsKnown || c.emitEvents)
			if err != nil {
				return nil, err
			}
			if children.empty() {
				continue
			}
			sub, err := c.plan(ctx, childPath, children, c.logicalFor(bp.Owner(), false))
			if err != nil {
				return nil, err
			}
			node.cascades = append(node.cascades, sub)
		}
	}
	return node, nil
}

func (c *command) planSetNull(ctx context.Context, path *MutationPath, set *rowSet, bp *orm.Prop) (*setNullEdge, error) {
	childPath := path.BackFrom(bp)
	children, err := c.childrenOf(ctx, path, set, bp, false)
	if err != nil {
		return nil, err
	}
	if children.empty() {
		return nil, nil
	}
	edge := &setNullEdge{path: childPath, backProp: bp, children: children}
	if c.emitEvents {
		// 事件需要子主键及其原父主键
		ids, extras, err := c.selectIDs(ctx, childPath, bp.Owner(), c.selfClause(children), bp.Columns())
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		edge.children = knownRows(bp.Owner(), ids)
		edge.parentOf = make(map[any]any, len(ids))
		for i, id := range ids {
			edge.parentOf[orm.KeyOf(id)] = idFromValues(bp.Target(), extras[i])
		}
	}
	return edge, nil
}

// execute 自底向上执行删除计划：先子后父
func (c *command) execute(ctx context.Context, node *deleteNode) error {
	for _, sub := range node.cascades {
		if err := c.execute(ctx, sub); err != nil {
			return err
		}
	}
	for _, edge := range node.setNulls {
		if err := c.executeSetNull(ctx, edge); err != nil {
			return err
		}
	}
	if err := c.emitForeignKeyDetaches(ctx, node); err != nil {
		return err
	}
	t := node.set.typ
	if !node.logical {
		if err := c.deleteMiddleRows(ctx, node); err != nil {
			return err
		}
	}
	cond := c.selfClause(node.set)
	var (
		query string
		rows  [][]any
	)
	if node.logical {
		ld := t.LogicalDeleted()
		query, _ = c.builder.Update(t.Table()).Set(ld.Prop.Columns()[0], nil).Where(cond.sql).Build()
		rows = cond.withPrefix(ld.DeletedValue)
	} else {
		query, _ = c.builder.DeleteFrom(t.Table()).Where(cond.sql).Build()
		rows = cond.rows
	}
	counts, err := c.exec.ExecCounts(ctx, node.path, query, rows)
	if err != nil {
		return err
	}
	c.counter.Add(AffectedTable{Table: t.Table(), Kind: KindEntity}, sum(counts))
	if node.set.idsKnown {
		for _, id := range node.set.ids {
			c.addEntityEvent(t, id, trigger.EventDelete, trigger.ReasonDelete, nil)
		}
	}
	return nil
}

func (c *command) executeSetNull(ctx context.Context, edge setNullEdge) error {
	child := edge.backProp.Owner()
	upd := c.builder.Update(child.Table())
	for _, col := range edge.backProp.Columns() {
		upd.SetExpr(c.r.q(col) + " = NULL")
	}
	cond := c.selfClause(edge.children)
	query, _ := upd.Where(cond.sql).Build()
	counts, err := c.exec.ExecCounts(ctx, edge.path, query, cond.rows)
	if err != nil {
		return err
	}
	c.counter.Add(AffectedTable{Table: child.Table(), Kind: KindEntity}, sum(counts))
	if edge.children.idsKnown {
		for _, id := range edge.children.ids {
			c.addEntityEvent(child, id, trigger.EventUpdate, trigger.ReasonDelete, nil)
			c.addAssociationEvent(edge.backProp, id, edge.parentOf[orm.KeyOf(id)], nil, trigger.ReasonDelete)
		}
	}
	return nil
}

// deleteMiddleRows 删除本层行在全部中间表中的关联
func (c *command) deleteMiddleRows(ctx context.Context, node *deleteNode) error {
	t := node.set.typ
	for _, usage := range c.schema.MiddleTableUsages(t) {
		var cond clause
		if node.set.idsKnown {
			cond = c.inClause(usage.Columns, t, node.set.ids)
		} else {
			sub := "SELECT " + c.r.list(t.IDColumns()) + " FROM " + c.r.q(t.Table()) + " WHERE " + node.set.cond.sql
			cond = clause{sql: c.r.target(usage.Columns) + " IN (" + sub + ")", rows: node.set.cond.rows}
		}
		if c.emitEvents {
			if err := c.middleRowEvents(ctx, node.path, usage.Prop, cond); err != nil {
				return err
			}
		}
		query, _ := c.builder.DeleteFrom(usage.Table).Where(cond.sql).Build()
		counts, err := c.exec.ExecCounts(ctx, node.path, query, cond.rows)
		if err != nil {
			return err
		}
		c.counter.Add(AffectedTable{Table: usage.Table, Kind: KindMiddleTable}, sum(counts))
	}
	return nil
}

// middleRowEvents 查出将被删除的中间表行，按拥有方属性发出断开事件
func (c *command) middleRowEvents(ctx context.Context, path *MutationPath, owning *orm.Prop, cond clause) error {
	jt := owning.MiddleTable()
	cols := append(append([]string(nil), jt.SourceColumns...), jt.TargetColumns...)
	query, _ := c.builder.Select(c.r.list(cols)).From(c.r.q(jt.Name)).Where(cond.sql).Build()
	n := len(jt.SourceColumns)
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
			source := idFromValues(owning.Owner(), vals[:n])
			target := idFromValues(owning.Target(), vals[n:])
			c.addAssociationEvent(owning, source, target, nil, trigger.ReasonDelete)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// logicalFor 本层是否逻辑删除
func (c *command) logicalFor(t *orm.EntityType, root bool) bool {
	if !t.SupportsLogicalDelete() {
		return false
	}
	switch c.opts.DeleteMode {
	case DeleteAuto:
		return root
	case DeleteAutomaticLogical, DeleteLogical:
		return true
	default:
		return false
	}
}

func (c *command) cannotDissociate(path *MutationPath, bp *orm.Prop) error {
	c.logger.Warn(context.Background(), "referential children exist",
		logging.String("prop", bp.String()),
		logging.String("path", path.String()))
	return newError(errors.ErrCodeCannotDissociateTargets, path, "referential children exist", map[string]any{
		errors.DetailProp:      bp.String(),
		errors.DetailChildType: bp.Owner().Name(),
	})
}

// RetainedPair 需要保留的 (父主键, 子主键)
type RetainedPair struct {
	ParentID any
	ChildID  any
}

// disconnectExcept 把 parentIDs 的子对象中不在 retained 里的全部脱钩
func (c *command) disconnectExcept(ctx context.Context, path *MutationPath, parentProp *orm.Prop, parentIDs []any, retained []RetainedPair) error {
	parentIDs = dedupIDs(parentIDs)
	if len(parentIDs) == 0 {
		return nil
	}
	childPath := path.To(parentProp)
	if err := c.checkDepth(childPath); err != nil {
		return err
	}
	if parentProp.HasMiddleTable() {
		return c.disconnectMiddleExcept(ctx, childPath, parentProp, parentIDs, retained)
	}
	bp := parentProp.MappedBy()
	if bp == nil || !bp.IsOwningForeignKey() {
		return newError(errors.ErrCodeInvalidInput, childPath, "该关联不能脱钩", map[string]any{
			errors.DetailProp: parentProp.String(),
		})
	}
	action := ResolveAction(bp, &c.opts)
	if action == DissociateLax {
		return nil
	}
	doomed, parentOf, err := c.exceptSet(ctx, childPath, bp, parentIDs, retained)
	if err != nil || doomed.empty() {
		return err
	}

	switch action {
	case DissociateCheck:
		found, err := c.exists(ctx, childPath, doomed.typ, c.selfClause(doomed))
		if err != nil {
			return err
		}
		if found {
			return c.cannotDissociate(childPath, bp)
		}
		return nil
	case DissociateSetNull:
		return c.executeSetNull(ctx, setNullEdge{path: childPath, backProp: bp, children: doomed, parentOf: parentOf})
	default:
		node, err := c.plan(ctx, childPath, doomed, c.logicalFor(doomed.typ, false))
		if err != nil {
			return err
		}
		return c.execute(ctx, node)
	}
}

// exceptSet 渲染 “属于 parents 且不在 retained 中” 的子对象集合
func (c *command) exceptSet(ctx context.Context, path *MutationPath, bp *orm.Prop, parentIDs []any, retained []RetainedPair) (*rowSet, map[any]any, error) {
	child := bp.Owner()
	parent := bp.Target()
	fkCols := bp.Columns()
	idCols := child.IDColumns()

	keyArity := len(idCols)
	if len(parentIDs) > 1 && len(retained) > 0 {
		keyArity = len(fkCols) + len(idCols)
	}
	strategy := ChooseStrategy(StrategyInput{
		TupleIn:             c.dialect().SupportsTupleIn(),
		ParentCount:         len(parentIDs),
		ParentArity:         len(fkCols),
		RetainedCount:       len(retained),
		KeyArity:            keyArity,
		MaxCommandJoinCount: c.opts.MaxCommandJoinCount,
		MaxInListSize:       c.opts.MaxInListSize,
	})
	c.logger.Debug(ctx, "dissociate children",
		logging.String("prop", bp.String()),
		logging.Stringer("strategy", strategy),
		logging.Int("parents", len(parentIDs)),
		logging.Int("retained", len(retained)))

	if strategy == StrategySelectThenBatch || c.emitEvents {
		ids, extras, err := c.selectIDs(ctx, path, child, c.inClause(fkCols, parent, parentIDs), fkCols)
		if err != nil {
			return nil, nil, err
		}
		keep := make(map[any]bool, len(retained))
		for _, p := range retained {
			keep[orm.KeyOf(p.ChildID)] = true
		}
		var doomed []any
		parentOf := make(map[any]any)
		for i, id := range ids {
			if keep[orm.KeyOf(id)] {
				continue
			}
			doomed = append(doomed, id)
			parentOf[orm.KeyOf(id)] = idFromValues(parent, extras[i])
		}
		return knownRows(child, doomed), parentOf, nil
	}

	var sb strings.Builder
	var args []any
	if len(parentIDs) == 1 {
		sb.WriteString(c.r.equals(fkCols))
		args = append(args, idValues(parent, parentIDs[0])...)
	} else {
		sb.WriteString(c.r.target(fkCols))
		sb.WriteString(" IN ")
		sb.WriteString(placeholders(len(parentIDs), len(fkCols)))
		args = append(args, flatten(parent, parentIDs)...)
	}
	if len(retained) > 0 {
		sb.WriteString(" AND ")
		if len(parentIDs) == 1 {
			sb.WriteString(c.r.target(idCols))
			sb.WriteString(" NOT IN ")
			sb.WriteString(placeholders(len(retained), len(idCols)))
			for _, p := range retained {
				args = append(args, idValues(child, p.ChildID)...)
			}
		} else {
			sb.WriteString("(" + c.r.list(fkCols) + ", " + c.r.list(idCols) + ")")
			sb.WriteString(" NOT IN ")
			sb.WriteString(placeholders(len(retained), len(fkCols)+len(idCols)))
			for _, p := range retained {
				args = append(args, idValues(parent, p.ParentID)...)
				args = append(args, idValues(child, p.ChildID)...)
			}
		}
	}
	return &rowSet{
		typ:    child,
		cond:   clause{sql: sb.String(), rows: [][]any{args}},
		tables: []string{child.Table()},
	}, nil, nil
}

// disconnectMiddleExcept 删除中间表中属于 parents 且不在 retained 中的行
func (c *command) disconnectMiddleExcept(ctx context.Context, path *MutationPath, prop *orm.Prop, parentIDs []any, retained []RetainedPair) error {
	jt := prop.MiddleTable()
	owner, target := prop.Owner(), prop.Target()
	srcCols, tgtCols := jt.SourceColumns, jt.TargetColumns

	keyArity := len(tgtCols)
	if len(parentIDs) > 1 && len(retained) > 0 {
		keyArity = len(srcCols) + len(tgtCols)
	}
	strategy := ChooseStrategy(StrategyInput{
		TupleIn:             c.dialect().SupportsTupleIn(),
		ParentCount:         len(parentIDs),
		ParentArity:         len(srcCols),
		RetainedCount:       len(retained),
		KeyArity:            keyArity,
		MaxCommandJoinCount: c.opts.MaxCommandJoinCount,
		MaxInListSize:       c.opts.MaxInListSize,
	})
	table := AffectedTable{Table: jt.Name, Kind: KindMiddleTable}

	if strategy == StrategySelectThenBatch || c.emitEvents {
		existing, err := c.middlePairs(ctx, path, prop, parentIDs)
		if err != nil {
			return err
		}
		keep := make(map[[2]any]bool, len(retained))
		for _, p := range retained {
			keep[[2]any{orm.KeyOf(p.ParentID), orm.KeyOf(p.ChildID)}] = true
		}
		var rows [][]any
		for _, p := range existing {
			if keep[[2]any{orm.KeyOf(p.ParentID), orm.KeyOf(p.ChildID)}] {
				continue
			}
			rows = append(rows, append(idValues(owner, p.ParentID), idValues(target, p.ChildID)...))
			c.addMiddleEvent(prop, p.ParentID, p.ChildID, false)
		}
		if len(rows) == 0 {
			return nil
		}
		query, _ := c.builder.DeleteFrom(jt.Name).Where(c.r.equals(append(append([]string(nil), srcCols...), tgtCols...))).Build()
		counts, err := c.exec.ExecCounts(ctx, path, query, rows)
		if err != nil {
			return err
		}
		c.counter.Add(table, sum(counts))
		return nil
	}

	var sb strings.Builder
	var args []any
	if len(parentIDs) == 1 {
		sb.WriteString(c.r.equals(srcCols))
		args = append(args, idValues(owner, parentIDs[0])...)
	} else {
		sb.WriteString(c.r.target(srcCols) + " IN " + placeholders(len(parentIDs), len(srcCols)))
		args = append(args, flatten(owner, parentIDs)...)
	}
	if len(retained) > 0 {
		sb.WriteString(" AND ")
		if len(parentIDs) == 1 {
			sb.WriteString(c.r.target(tgtCols) + " NOT IN " + placeholders(len(retained), len(tgtCols)))
			for _, p := range retained {
				args = append(args, idValues(target, p.ChildID)...)
			}
		} else {
			sb.WriteString("(" + c.r.list(srcCols) + ", " + c.r.list(tgtCols) + ") NOT IN " +
				placeholders(len(retained), len(srcCols)+len(tgtCols)))
			for _, p := range retained {
				args = append(args, idValues(owner, p.ParentID)...)
				args = append(args, idValues(target, p.ChildID)...)
			}
		}
	}
	query, _ := c.builder.DeleteFrom(jt.Name).Where(sb.String()).Build()
	n, err := c.exec.Exec(ctx, path, query, args...)
	if err != nil {
		return err
	}
	c.counter.Add(table, n)
	return nil
}

// middlePairs 查询 parents 在中间表中的现有关联
func (c *command) middlePairs(ctx context.Context, path *MutationPath, prop *orm.Prop, parentIDs []any) ([]RetainedPair, error) {
	jt := prop.MiddleTable()
	owner, target := prop.Owner(), prop.Target()
	cols := append(append([]string(nil), jt.SourceColumns...), jt.TargetColumns...)
	cond := c.inClause(jt.SourceColumns, owner, parentIDs)
	query, _ := c.builder.Select(c.r.list(cols)).From(c.r.q(jt.Name)).Where(cond.sql).Build()
	n := len(jt.SourceColumns)
	var pairs []RetainedPair
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
			pairs = append(pairs, RetainedPair{
				ParentID: idFromValues(owner, vals[:n]),
				ChildID:  idFromValues(target, vals[n:]),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// addMiddleEvent 中间表事件总以拥有方属性为准
func (c *command) addMiddleEvent(prop *orm.Prop, source, target any, attached bool) {
	owning, s, t := prop, source, target
	if prop.IsInverse() {
		owning, s, t = prop.MappedBy(), target, source
	}
	if attached {
		c.addAssociationEvent(owning, s, nil, t, trigger.ReasonSave)
	} else {
		c.addAssociationEvent(owning, s, t, nil, trigger.ReasonSave)
	}
}

func sum(counts []int64) int64 {
	var n int64
	for _, v := range counts {
		n += v
	}
	return n
}
