package orm

import "fmt"

// PropKind 属性种类
type PropKind int

const (
	// PropScalar 单列标量
	PropScalar PropKind = iota
	// PropEmbedded 嵌入类型（展开为多列，组合主键也用它表达）
	PropEmbedded
	// PropReference 对一关联
	PropReference
	// PropList 对多关联
	PropList
)

func (k PropKind) String() string {
	switch k {
	case PropScalar:
		return "scalar"
	case PropEmbedded:
		return "embedded"
	case PropReference:
		return "reference"
	case PropList:
		return "list"
	default:
		return fmt.Sprintf("PropKind(%d)", int(k))
	}
}

// OnDeleteAction 关联上配置的删除策略
type OnDeleteAction int

const (
	OnDeleteNone OnDeleteAction = iota
	OnDeleteSetNull
	OnDeleteCascade
	// OnDeleteSmart 外键可空时等价于 SET_NULL，否则等价于 CASCADE
	OnDeleteSmart
)

func (a OnDeleteAction) String() string {
	switch a {
	case OnDeleteNone:
		return "NONE"
	case OnDeleteSetNull:
		return "SET_NULL"
	case OnDeleteCascade:
		return "CASCADE"
	case OnDeleteSmart:
		return "SMART"
	default:
		return fmt.Sprintf("OnDeleteAction(%d)", int(a))
	}
}

// ParseOnDeleteAction 解析配置中的删除策略名
func ParseOnDeleteAction(s string) (OnDeleteAction, error) {
	switch s {
	case "", "NONE", "none":
		return OnDeleteNone, nil
	case "SET_NULL", "set_null":
		return OnDeleteSetNull, nil
	case "CASCADE", "cascade":
		return OnDeleteCascade, nil
	case "SMART", "smart":
		return OnDeleteSmart, nil
	default:
		return OnDeleteNone, fmt.Errorf("unknown on-delete action %q", s)
	}
}

// IDStrategy 主键生成策略
type IDStrategy int

const (
	// IDNone 调用方提供主键
	IDNone IDStrategy = iota
	// IDIdentity 数据库自增
	IDIdentity
	// IDGenerated 由注册的 idgen.Generator 生成
	IDGenerated
)

// JoinTable 中间表映射
//
// SourceColumns 引用拥有方主键，TargetColumns 引用目标方主键。
type JoinTable struct {
	Name          string
	SourceColumns []string
	TargetColumns []string
}

// LogicalDeleted 逻辑删除标记列
type LogicalDeleted struct {
	Prop         *Prop
	DeletedValue any
	InitValue    any
}

// ColumnPath 从某个属性出发、最终落到单列的访问路径
//
// 标量：[p]；嵌入：[p, leaf...]；外键：[p, 目标主键属性, leaf...]。
type ColumnPath struct {
	Props  []*Prop
	Column string
}

// Prop 实体或嵌入类型上的属性，构建完成后只读
type Prop struct {
	index    int
	name     string
	kind     PropKind
	owner    *EntityType
	columns  []string
	nullable bool

	target       *EntityType
	targetName   string
	mappedBy     string
	mappedByProp *Prop
	joinTable    *JoinTable
	onDelete     OnDeleteAction

	isID             bool
	isVersion        bool
	isLogicalDeleted bool

	leaves []ColumnPath
}

func (p *Prop) Index() int                   { return p.index }
func (p *Prop) Name() string                 { return p.name }
func (p *Prop) Kind() PropKind               { return p.kind }
func (p *Prop) Owner() *EntityType           { return p.owner }
func (p *Prop) Nullable() bool               { return p.nullable }
func (p *Prop) Target() *EntityType          { return p.target }
func (p *Prop) MappedBy() *Prop              { return p.mappedByProp }
func (p *Prop) OnDelete() OnDeleteAction     { return p.onDelete }
func (p *Prop) IsID() bool                   { return p.isID }
func (p *Prop) IsVersion() bool              { return p.isVersion }
func (p *Prop) IsLogicalDeleted() bool       { return p.isLogicalDeleted }
func (p *Prop) IsAssociation() bool          { return p.kind == PropReference || p.kind == PropList }
func (p *Prop) IsReference() bool            { return p.kind == PropReference }
func (p *Prop) IsList() bool                 { return p.kind == PropList }
func (p *Prop) ColumnPaths() []ColumnPath    { return p.leaves }
func (p *Prop) String() string               { return p.owner.name + "." + p.name }
func (p *Prop) OwnJoinTable() *JoinTable     { return p.joinTable }
func (p *Prop) IsColumnDefinition() bool     { return len(p.leaves) > 0 }
func (p *Prop) IsInverse() bool              { return p.mappedByProp != nil }
func (p *Prop) HasMiddleTable() bool         { return p.MiddleTable() != nil }
func (p *Prop) IsEmbedded() bool             { return p.kind == PropEmbedded }
func (p *Prop) IsScalar() bool               { return p.kind == PropScalar }
func (p *Prop) IsOwningForeignKey() bool     { return p.kind == PropReference && p.joinTable == nil && p.mappedByProp == nil }

// Columns 属性展开后的全部列
func (p *Prop) Columns() []string {
	cols := make([]string, len(p.leaves))
	for i, leaf := range p.leaves {
		cols[i] = leaf.Column
	}
	return cols
}

// MiddleTable 从本属性的视角返回中间表：
// 拥有方直接返回；反向（mappedBy 指向多对多）时交换两侧列。
func (p *Prop) MiddleTable() *JoinTable {
	if p.joinTable != nil {
		return p.joinTable
	}
	if p.mappedByProp != nil && p.mappedByProp.joinTable != nil {
		jt := p.mappedByProp.joinTable
		return &JoinTable{Name: jt.Name, SourceColumns: jt.TargetColumns, TargetColumns: jt.SourceColumns}
	}
	return nil
}

// EntityType 实体（或嵌入类型）映射，构建完成后只读，可被并发共享
type EntityType struct {
	schema     *Schema
	name       string
	table      string
	embeddable bool

	props  []*Prop
	byName map[string]*Prop

	idProp         *Prop
	idStrategy     IDStrategy
	generatorName  string
	versionProp    *Prop
	logicalDeleted *LogicalDeleted
	keyGroups      map[string][]*Prop
	keyGroupOrder  []string
}

func (t *EntityType) Name() string                    { return t.name }
func (t *EntityType) Table() string                   { return t.table }
func (t *EntityType) IsEmbeddable() bool              { return t.embeddable }
func (t *EntityType) Props() []*Prop                  { return t.props }
func (t *EntityType) IDProp() *Prop                   { return t.idProp }
func (t *EntityType) IDStrategy() IDStrategy          { return t.idStrategy }
func (t *EntityType) GeneratorName() string           { return t.generatorName }
func (t *EntityType) VersionProp() *Prop              { return t.versionProp }
func (t *EntityType) LogicalDeleted() *LogicalDeleted { return t.logicalDeleted }
func (t *EntityType) Schema() *Schema                 { return t.schema }
func (t *EntityType) String() string                  { return t.name }

// Prop 按名称查找属性
func (t *EntityType) Prop(name string) *Prop {
	return t.byName[name]
}

// PropAt 按字段下标查找属性
func (t *EntityType) PropAt(index int) *Prop {
	if index < 0 || index >= len(t.props) {
		return nil
	}
	return t.props[index]
}

// KeyProps 返回指定分组的业务键属性（默认分组为空串）
func (t *EntityType) KeyProps(group string) []*Prop {
	return t.keyGroups[group]
}

// KeyGroups 按声明顺序返回全部业务键分组名
func (t *EntityType) KeyGroups() []string {
	return t.keyGroupOrder
}

// IDColumns 主键展开后的列（组合主键多于一列）
func (t *EntityType) IDColumns() []string {
	if t.idProp == nil {
		return nil
	}
	cols := make([]string, len(t.idProp.leaves))
	for i, leaf := range t.idProp.leaves {
		cols[i] = leaf.Column
	}
	return cols
}

// SupportsLogicalDelete 是否声明了逻辑删除列
func (t *EntityType) SupportsLogicalDelete() bool {
	return t.logicalDeleted != nil
}
