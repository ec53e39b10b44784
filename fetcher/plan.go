package fetcher

import (
	"fmt"
	"strings"

	"gorel/data/orm"
)

// DefaultMaxRecursionDepth 递归属性在策略未终止时的最大展开层数
const DefaultMaxRecursionDepth = 32

// DefaultBatchSize 未指定 BatchSize 时每次查询的父对象数
const DefaultBatchSize = 128

// RecursionStrategy 决定是否在 node 上继续展开递归属性
//
// depth 从 1 开始：根对象上的第一次加载为 1。
type RecursionStrategy func(node orm.Immutable, depth int) bool

// Depth 最多展开 n 层
func Depth(n int) RecursionStrategy {
	return func(_ orm.Immutable, depth int) bool {
		return depth <= n
	}
}

// Plan 某个实体类型上需要填充的属性集合
type Plan struct {
	typ    *orm.EntityType
	fields []*Field
}

// Field 计划中的单个属性
type Field struct {
	prop      *orm.Prop
	child     *Plan
	batchSize int
	limit     int
	offset    int
	recursion RecursionStrategy
}

// FieldOption 属性级选项
type FieldOption func(*Field)

// BatchSize 每次查询携带的父对象数
func BatchSize(n int) FieldOption {
	return func(f *Field) { f.batchSize = n }
}

// Limit 对多关联每个父对象最多加载 limit 个子对象，offset 跳过前若干个
//
// 设置后该属性按父对象逐个查询。
func Limit(limit, offset int) FieldOption {
	return func(f *Field) {
		f.limit = limit
		f.offset = offset
	}
}

// Recursive 自关联属性按策略逐层展开，nil 表示只受 DefaultMaxRecursionDepth 限制
func Recursive(s RecursionStrategy) FieldOption {
	return func(f *Field) {
		if s == nil {
			s = Depth(DefaultMaxRecursionDepth)
		}
		f.recursion = s
	}
}

// NewPlan 创建空计划
func NewPlan(t *orm.EntityType) *Plan {
	return &Plan{typ: t}
}

// Add 加入标量属性，或只含主键的关联属性
func (p *Plan) Add(name string, opts ...FieldOption) *Plan {
	return p.AddWith(name, nil, opts...)
}

// AddWith 加入关联属性，child 描述关联对象上需要继续填充的属性
//
// 属性不存在、标量带子计划或非自关联属性声明递归时 panic。
func (p *Plan) AddWith(name string, child *Plan, opts ...FieldOption) *Plan {
	prop := p.typ.Prop(name)
	if prop == nil {
		panic(fmt.Sprintf("fetcher: %s has no prop %q", p.typ.Name(), name))
	}
	f := &Field{prop: prop, child: child}
	for _, opt := range opts {
		opt(f)
	}
	switch {
	case child != nil && !prop.IsAssociation():
		panic(fmt.Sprintf("fetcher: %s is not an association", prop))
	case child != nil && child.typ != prop.Target():
		panic(fmt.Sprintf("fetcher: plan of %s does not match %s", child.typ.Name(), prop))
	case f.recursion != nil && (!prop.IsAssociation() || prop.Target() != p.typ):
		panic(fmt.Sprintf("fetcher: %s is not self-referencing", prop))
	}
	for i, existing := range p.fields {
		if existing.prop == prop {
			p.fields[i] = f
			return p
		}
	}
	p.fields = append(p.fields, f)
	return p
}

func (p *Plan) Type() *orm.EntityType { return p.typ }
func (p *Plan) Fields() []*Field      { return p.fields }

// Field 按属性名查找
func (p *Plan) Field(name string) *Field {
	for _, f := range p.fields {
		if f.prop.Name() == name {
			return f
		}
	}
	return nil
}

func (p *Plan) String() string {
	var sb strings.Builder
	sb.WriteString(p.typ.Name())
	sb.WriteString("{")
	for i, f := range p.fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(f.String())
	}
	sb.WriteString("}")
	return sb.String()
}

func (f *Field) Prop() *orm.Prop { return f.prop }
func (f *Field) Child() *Plan    { return f.child }
func (f *Field) IsRecursive() bool {
	return f.recursion != nil
}

func (f *Field) String() string {
	s := f.prop.Name()
	if f.recursion != nil {
		s += "*"
	}
	if f.child != nil {
		s += f.child.String()[len(f.child.typ.Name()):]
	}
	return s
}

// batch 实际使用的批量大小
func (f *Field) batch() int {
	if f.limit > 0 {
		return 1
	}
	if f.batchSize > 0 {
		return f.batchSize
	}
	return DefaultBatchSize
}
