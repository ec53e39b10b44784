package orm

import (
	"fmt"
	"strings"

	"github.com/go-openapi/inflect"
)

// NamingStrategy 把实体/属性名映射为表名/列名
type NamingStrategy func(name string) string

// UpperSnake 默认命名：BookStore -> BOOK_STORE，firstName -> FIRST_NAME
func UpperSnake(name string) string {
	return strings.ToUpper(inflect.Underscore(name))
}

// LowerSnake BookStore -> book_store
func LowerSnake(name string) string {
	return inflect.Underscore(name)
}

// MiddleTableUsage 某实体类型在一张中间表中所占的一侧
type MiddleTableUsage struct {
	// Prop 声明该中间表的拥有方属性
	Prop *Prop
	// Table 中间表名
	Table string
	// Columns 引用该实体主键的列
	Columns []string
}

// Schema 全部实体映射，Build 之后只读
type Schema struct {
	naming NamingStrategy
	types  map[string]*EntityType
	order  []*EntityType

	backProps   map[*EntityType][]*Prop
	middleUsage map[*EntityType][]MiddleTableUsage
}

// Type 按名称查找实体类型
func (s *Schema) Type(name string) *EntityType {
	return s.types[name]
}

// MustType 按名称查找实体类型，不存在时 panic
func (s *Schema) MustType(name string) *EntityType {
	t := s.types[name]
	if t == nil {
		panic("orm: unknown entity type " + name)
	}
	return t
}

// Types 按声明顺序返回全部实体和嵌入类型
func (s *Schema) Types() []*EntityType {
	return s.order
}

// Naming 返回命名策略
func (s *Schema) Naming() NamingStrategy {
	return s.naming
}

// BackProps 其他实体上通过外键列引用 t 的属性（子表视角）
func (s *Schema) BackProps(t *EntityType) []*Prop {
	return s.backProps[t]
}

// MiddleTableUsages t 参与的全部中间表
func (s *Schema) MiddleTableUsages(t *EntityType) []MiddleTableUsage {
	return s.middleUsage[t]
}

// SchemaOption 构建选项
type SchemaOption func(*SchemaBuilder)

// WithNaming 指定命名策略
func WithNaming(n NamingStrategy) SchemaOption {
	return func(b *SchemaBuilder) {
		if n != nil {
			b.naming = n
		}
	}
}

// SchemaBuilder 以声明方式收集实体映射
type SchemaBuilder struct {
	naming   NamingStrategy
	entities []*EntityBuilder
}

// NewSchemaBuilder 创建构建器
func NewSchemaBuilder(opts ...SchemaOption) *SchemaBuilder {
	b := &SchemaBuilder{naming: UpperSnake}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Entity 声明一个实体
func (b *SchemaBuilder) Entity(name string) *EntityBuilder {
	eb := &EntityBuilder{schema: b, name: name, keys: map[string][]string{}}
	b.entities = append(b.entities, eb)
	return eb
}

// Embeddable 声明一个嵌入类型（组合主键或值对象）
func (b *SchemaBuilder) Embeddable(name string) *EntityBuilder {
	eb := b.Entity(name)
	eb.embeddable = true
	return eb
}

type propDef struct {
	name       string
	kind       PropKind
	targetName string
	columns    []string
	nullable   bool
	mappedBy   string
	joinTable  *JoinTable
	onDelete   OnDeleteAction
	middle     bool
}

type logicalDef struct {
	name         string
	deletedValue any
	initValue    any
}

// EntityBuilder 实体声明；Column/Nullable/OnDelete/JoinTable 作用于最近声明的属性
type EntityBuilder struct {
	schema     *SchemaBuilder
	name       string
	table      string
	embeddable bool

	props         []*propDef
	idName        string
	idStrategy    IDStrategy
	generatorName string
	versionName   string
	logical       *logicalDef
	keys          map[string][]string
	keyOrder      []string
	errs          []error
}

func (e *EntityBuilder) add(def *propDef) *EntityBuilder {
	for _, p := range e.props {
		if p.name == def.name {
			e.errs = append(e.errs, fmt.Errorf("%s: duplicate property %q", e.name, def.name))
			return e
		}
	}
	e.props = append(e.props, def)
	return e
}

func (e *EntityBuilder) last() *propDef {
	if len(e.props) == 0 {
		e.errs = append(e.errs, fmt.Errorf("%s: no property declared yet", e.name))
		return &propDef{}
	}
	return e.props[len(e.props)-1]
}

// Table 指定表名
func (e *EntityBuilder) Table(name string) *EntityBuilder {
	e.table = name
	return e
}

// ID 声明由调用方提供的标量主键
func (e *EntityBuilder) ID(name string) *EntityBuilder {
	e.idName = name
	e.idStrategy = IDNone
	return e.add(&propDef{name: name, kind: PropScalar})
}

// IdentityID 声明数据库自增主键
func (e *EntityBuilder) IdentityID(name string) *EntityBuilder {
	e.ID(name)
	e.idStrategy = IDIdentity
	return e
}

// GeneratedID 声明由指定生成器生成的主键
func (e *EntityBuilder) GeneratedID(name, generator string) *EntityBuilder {
	e.ID(name)
	e.idStrategy = IDGenerated
	e.generatorName = generator
	return e
}

// EmbeddedID 声明组合主键
func (e *EntityBuilder) EmbeddedID(name, embeddable string) *EntityBuilder {
	e.idName = name
	e.idStrategy = IDNone
	return e.add(&propDef{name: name, kind: PropEmbedded, targetName: embeddable})
}

// Scalar 声明标量属性
func (e *EntityBuilder) Scalar(name string) *EntityBuilder {
	return e.add(&propDef{name: name, kind: PropScalar})
}

// Embedded 声明嵌入属性
func (e *EntityBuilder) Embedded(name, embeddable string) *EntityBuilder {
	return e.add(&propDef{name: name, kind: PropEmbedded, targetName: embeddable})
}

// Version 声明乐观锁版本属性
func (e *EntityBuilder) Version(name string) *EntityBuilder {
	e.versionName = name
	return e.add(&propDef{name: name, kind: PropScalar})
}

// LogicalDeleted 声明逻辑删除标记属性
func (e *EntityBuilder) LogicalDeleted(name string, deletedValue, initValue any) *EntityBuilder {
	e.logical = &logicalDef{name: name, deletedValue: deletedValue, initValue: initValue}
	return e.add(&propDef{name: name, kind: PropScalar})
}

// Key 声明默认分组的业务键
func (e *EntityBuilder) Key(props ...string) *EntityBuilder {
	return e.KeyGroup("", props...)
}

// KeyGroup 声明具名分组的业务键
func (e *EntityBuilder) KeyGroup(group string, props ...string) *EntityBuilder {
	if _, ok := e.keys[group]; !ok {
		e.keyOrder = append(e.keyOrder, group)
	}
	e.keys[group] = append(e.keys[group], props...)
	return e
}

// ManyToOne 声明通过本表外键引用目标的对一关联
func (e *EntityBuilder) ManyToOne(name, target string) *EntityBuilder {
	return e.add(&propDef{name: name, kind: PropReference, targetName: target})
}

// OneToOne 与 ManyToOne 相同的存储方式，语义上目标唯一
func (e *EntityBuilder) OneToOne(name, target string) *EntityBuilder {
	return e.ManyToOne(name, target)
}

// InverseOne 声明由目标外键反向映射的对一关联
func (e *EntityBuilder) InverseOne(name, target, mappedBy string) *EntityBuilder {
	return e.add(&propDef{name: name, kind: PropReference, targetName: target, mappedBy: mappedBy})
}

// OneToMany 声明由目标外键反向映射的对多关联
func (e *EntityBuilder) OneToMany(name, target, mappedBy string) *EntityBuilder {
	return e.add(&propDef{name: name, kind: PropList, targetName: target, mappedBy: mappedBy})
}

// ManyToMany 声明拥有中间表的多对多关联（默认中间表名 <OWNER>_<TARGET>_MAPPING）
func (e *EntityBuilder) ManyToMany(name, target string) *EntityBuilder {
	return e.add(&propDef{name: name, kind: PropList, targetName: target, middle: true})
}

// ManyToManyMappedBy 声明多对多的反向一侧
func (e *EntityBuilder) ManyToManyMappedBy(name, target, mappedBy string) *EntityBuilder {
	return e.OneToMany(name, target, mappedBy)
}

// Column 覆盖最近声明属性的列名（嵌入/外键按叶子顺序）
func (e *EntityBuilder) Column(cols ...string) *EntityBuilder {
	e.last().columns = cols
	return e
}

// Nullable 标记最近声明的属性可空
func (e *EntityBuilder) Nullable() *EntityBuilder {
	e.last().nullable = true
	return e
}

// OnDelete 设置最近声明的外键关联的删除策略
func (e *EntityBuilder) OnDelete(action OnDeleteAction) *EntityBuilder {
	e.last().onDelete = action
	return e
}

// JoinTable 覆盖最近声明的多对多关联的中间表
func (e *EntityBuilder) JoinTable(name string, sourceColumns, targetColumns []string) *EntityBuilder {
	def := e.last()
	def.middle = true
	def.joinTable = &JoinTable{Name: name, SourceColumns: sourceColumns, TargetColumns: targetColumns}
	return e
}

// MustBuild 构建失败时 panic，便于在 init/测试中声明
func (b *SchemaBuilder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Build 解析引用、计算列展开与反向索引
func (b *SchemaBuilder) Build() (*Schema, error) {
	s := &Schema{
		naming:      b.naming,
		types:       make(map[string]*EntityType, len(b.entities)),
		backProps:   make(map[*EntityType][]*Prop),
		middleUsage: make(map[*EntityType][]MiddleTableUsage),
	}
	defs := make(map[*Prop]*propDef)

	for _, eb := range b.entities {
		if len(eb.errs) > 0 {
			return nil, eb.errs[0]
		}
		if _, dup := s.types[eb.name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", eb.name)
		}
		t := &EntityType{
			schema:        s,
			name:          eb.name,
			table:         eb.table,
			embeddable:    eb.embeddable,
			byName:        make(map[string]*Prop, len(eb.props)),
			idStrategy:    eb.idStrategy,
			generatorName: eb.generatorName,
			keyGroups:     make(map[string][]*Prop),
		}
		if t.table == "" && !t.embeddable {
			t.table = b.naming(eb.name)
		}
		for i, def := range eb.props {
			p := &Prop{
				index:      i,
				name:       def.name,
				kind:       def.kind,
				owner:      t,
				columns:    def.columns,
				nullable:   def.nullable,
				targetName: def.targetName,
				mappedBy:   def.mappedBy,
				onDelete:   def.onDelete,
			}
			t.props = append(t.props, p)
			t.byName[p.name] = p
			defs[p] = def
		}
		if eb.idName != "" {
			t.idProp = t.byName[eb.idName]
			t.idProp.isID = true
		} else if !t.embeddable {
			return nil, fmt.Errorf("%s: id property is required", t.name)
		}
		if eb.versionName != "" {
			t.versionProp = t.byName[eb.versionName]
			t.versionProp.isVersion = true
		}
		if eb.logical != nil {
			p := t.byName[eb.logical.name]
			p.isLogicalDeleted = true
			t.logicalDeleted = &LogicalDeleted{Prop: p, DeletedValue: eb.logical.deletedValue, InitValue: eb.logical.initValue}
		}
		s.types[t.name] = t
		s.order = append(s.order, t)
	}

	// 目标类型
	for _, t := range s.order {
		for _, p := range t.props {
			if p.targetName == "" {
				continue
			}
			target := s.types[p.targetName]
			if target == nil {
				return nil, fmt.Errorf("%s: unknown target type %q", p, p.targetName)
			}
			if p.kind == PropEmbedded && !target.embeddable {
				return nil, fmt.Errorf("%s: %s is not embeddable", p, target.name)
			}
			if p.IsAssociation() && target.embeddable {
				return nil, fmt.Errorf("%s: association target %s must be an entity", p, target.name)
			}
			if t.embeddable && p.IsAssociation() {
				return nil, fmt.Errorf("%s: embeddable types cannot declare associations", p)
			}
			p.target = target
		}
	}

	// 列展开：嵌入类型与被引用的主键需要先行计算
	resolving := make(map[*Prop]bool)
	var resolve func(p *Prop) error
	resolve = func(p *Prop) error {
		if p.leaves != nil || p.IsInverse() || p.mappedBy != "" {
			return nil
		}
		if resolving[p] {
			return fmt.Errorf("%s: cyclic column definition", p)
		}
		resolving[p] = true
		defer delete(resolving, p)

		var leaves []ColumnPath
		switch p.kind {
		case PropScalar:
			leaves = []ColumnPath{{Props: []*Prop{p}, Column: b.naming(p.name)}}
		case PropEmbedded:
			for _, sub := range p.target.props {
				if err := resolve(sub); err != nil {
					return err
				}
				for _, leaf := range sub.leaves {
					leaves = append(leaves, ColumnPath{Props: append([]*Prop{p}, leaf.Props...), Column: leaf.Column})
				}
			}
		case PropReference:
			if defs[p].middle {
				return nil
			}
			idProp := p.target.idProp
			if err := resolve(idProp); err != nil {
				return err
			}
			for _, leaf := range idProp.leaves {
				leaves = append(leaves, ColumnPath{
					Props:  append([]*Prop{p}, leaf.Props...),
					Column: b.naming(p.name) + "_" + leaf.Column,
				})
			}
		default:
			return nil
		}
		if len(p.columns) > 0 {
			if len(p.columns) != len(leaves) {
				return fmt.Errorf("%s: expected %d columns, got %d", p, len(leaves), len(p.columns))
			}
			for i := range leaves {
				leaves[i].Column = p.columns[i]
			}
		}
		p.leaves = leaves
		return nil
	}
	for _, t := range s.order {
		for _, p := range t.props {
			if err := resolve(p); err != nil {
				return nil, err
			}
		}
	}

	// 中间表
	for _, t := range s.order {
		for _, p := range t.props {
			def := defs[p]
			if !def.middle {
				continue
			}
			jt := def.joinTable
			if jt == nil {
				jt = &JoinTable{}
			}
			if jt.Name == "" {
				jt.Name = t.table + "_" + p.target.table + "_MAPPING"
			}
			if len(jt.SourceColumns) == 0 {
				jt.SourceColumns = prefixed(b.naming(t.name), t.IDColumns())
			}
			if len(jt.TargetColumns) == 0 {
				jt.TargetColumns = prefixed(b.naming(p.target.name), p.target.IDColumns())
			}
			if len(jt.SourceColumns) != len(t.IDColumns()) || len(jt.TargetColumns) != len(p.target.IDColumns()) {
				return nil, fmt.Errorf("%s: join table columns do not match id columns", p)
			}
			p.joinTable = jt
		}
	}

	// mappedBy 与反向索引
	for _, t := range s.order {
		for _, p := range t.props {
			if p.mappedBy == "" {
				continue
			}
			back := p.target.Prop(p.mappedBy)
			if back == nil {
				return nil, fmt.Errorf("%s: mappedBy property %q not found in %s", p, p.mappedBy, p.target.name)
			}
			if back.target != t {
				return nil, fmt.Errorf("%s: mappedBy property %s does not reference %s", p, back, t.name)
			}
			if !back.IsOwningForeignKey() && back.joinTable == nil {
				return nil, fmt.Errorf("%s: mappedBy property %s must own a foreign key or join table", p, back)
			}
			p.mappedByProp = back
		}
	}
	for _, t := range s.order {
		for _, p := range t.props {
			if p.IsOwningForeignKey() {
				s.backProps[p.target] = append(s.backProps[p.target], p)
			}
			if p.joinTable != nil {
				s.middleUsage[t] = append(s.middleUsage[t], MiddleTableUsage{Prop: p, Table: p.joinTable.Name, Columns: p.joinTable.SourceColumns})
				s.middleUsage[p.target] = append(s.middleUsage[p.target], MiddleTableUsage{Prop: p, Table: p.joinTable.Name, Columns: p.joinTable.TargetColumns})
			}
		}
	}

	// 业务键
	for i, eb := range b.entities {
		t := s.order[i]
		for _, group := range eb.keyOrder {
			for _, name := range eb.keys[group] {
				p := t.byName[name]
				if p == nil {
					return nil, fmt.Errorf("%s: unknown key property %q", t.name, name)
				}
				if !p.IsColumnDefinition() {
					return nil, fmt.Errorf("%s: key property %s has no columns", t.name, p)
				}
				t.keyGroups[group] = append(t.keyGroups[group], p)
			}
			t.keyGroupOrder = append(t.keyGroupOrder, group)
		}
		if t.versionProp != nil && t.versionProp.kind != PropScalar {
			return nil, fmt.Errorf("%s: version property must be scalar", t.name)
		}
	}

	return s, nil
}

func prefixed(prefix string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + "_" + c
	}
	return out
}
