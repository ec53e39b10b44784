package mutation

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"gorel/data/orm"
	"gorel/errors"
)

// PropertyGetter 持久化一列所需的信息：顶层属性、取值路径和列名
type PropertyGetter struct {
	prop   *orm.Prop
	path   []*orm.Prop
	column string
}

func (g PropertyGetter) Prop() *orm.Prop { return g.prop }
func (g PropertyGetter) Column() string  { return g.column }

// Get 读取列值；路径上出现 nil 时返回 nil
func (g PropertyGetter) Get(e orm.Immutable) any {
	v, _ := orm.ValueAt(e, g.path)
	return v
}

// IsLoaded 路径上每一段是否都已加载
func (g PropertyGetter) IsLoaded(e orm.Immutable) bool {
	_, loaded := orm.ValueAt(e, g.path)
	return loaded
}

// Set 沿路径写回列值（例如把查询到的主键写回草稿）
func (g PropertyGetter) Set(d orm.Draft, v any) {
	orm.SetAt(d, g.path, v)
}

// String 例如 name、store.id、id.a
func (g PropertyGetter) String() string {
	names := make([]string, len(g.path))
	for i, p := range g.path {
		names[i] = p.Name()
	}
	return strings.Join(names, ".")
}

// GettersOf 属性展开后的全部取值器（标量一列，嵌入/外键可能多列）
func GettersOf(p *orm.Prop) []PropertyGetter {
	paths := p.ColumnPaths()
	out := make([]PropertyGetter, len(paths))
	for i, cp := range paths {
		out[i] = PropertyGetter{prop: p, path: cp.Props, column: cp.Column}
	}
	return out
}

// MiddleTableGetters 中间表一行的两侧取值器：
// source 从拥有方实体读主键，target 从目标实体读主键，列名取自中间表
func MiddleTableGetters(p *orm.Prop) (source, target []PropertyGetter) {
	jt := p.MiddleTable()
	if jt == nil {
		return nil, nil
	}
	source = GettersOf(p.Owner().IDProp())
	for i := range source {
		source[i].column = jt.SourceColumns[i]
	}
	target = GettersOf(p.Target().IDProp())
	for i := range target {
		target[i].column = jt.TargetColumns[i]
	}
	return source, target
}

// Shape 一个实体值将要持久化的列集合
//
// 两个 Shape 的取值器集合相同即相等，相等的 Shape 共用一条语句模板批量执行。
type Shape struct {
	typ     *orm.EntityType
	getters []PropertyGetter
	key     string
	hash    uint64
}

// ShapeOf 计算实体值的 Shape；filter 非空时只保留它接受的属性。
// 没有任何已加载的列属性时返回 EMPTY_OBJECT。
func ShapeOf(e orm.Immutable, filter func(*orm.Prop) bool) (*Shape, error) {
	t := e.Type()
	var getters []PropertyGetter
	for _, p := range t.Props() {
		if !p.IsColumnDefinition() || !e.IsLoaded(p.Index()) {
			continue
		}
		if filter != nil && !filter(p) {
			continue
		}
		for _, g := range GettersOf(p) {
			if g.IsLoaded(e) {
				getters = append(getters, g)
			}
		}
	}
	if len(getters) == 0 {
		return nil, errors.NewError(errors.ErrCodeEmptyObject, "实体没有任何可持久化的属性").
			WithContext(errors.DetailEntityID, t.Name())
	}
	return newShape(t, getters), nil
}

// FullShape 类型的全部列
func FullShape(t *orm.EntityType) *Shape {
	var getters []PropertyGetter
	for _, p := range t.Props() {
		if p.IsColumnDefinition() {
			getters = append(getters, GettersOf(p)...)
		}
	}
	return newShape(t, getters)
}

func newShape(t *orm.EntityType, getters []PropertyGetter) *Shape {
	sort.SliceStable(getters, func(i, j int) bool {
		return getters[i].prop.Index() < getters[j].prop.Index()
	})
	// 同一列只保留一次
	dedup := getters[:0:0]
	seen := make(map[string]bool, len(getters))
	for _, g := range getters {
		if seen[g.column] {
			continue
		}
		seen[g.column] = true
		dedup = append(dedup, g)
	}
	var sb strings.Builder
	sb.WriteString(t.Name())
	sb.WriteString("{")
	for i, g := range dedup {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(g.String())
		sb.WriteString(":")
		sb.WriteString(g.column)
	}
	sb.WriteString("}")
	key := sb.String()
	return &Shape{typ: t, getters: dedup, key: key, hash: xxhash.Sum64String(key)}
}

func (s *Shape) Type() *orm.EntityType     { return s.typ }
func (s *Shape) Getters() []PropertyGetter { return s.getters }
func (s *Shape) Key() string               { return s.key }
func (s *Shape) Hash() uint64              { return s.hash }
func (s *Shape) String() string            { return s.key }

// Equal 取值器集合是否相同
func (s *Shape) Equal(o *Shape) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	return s.hash == o.hash && s.key == o.key
}

// Columns 全部列名（与 Getters 同序）
func (s *Shape) Columns() []string {
	cols := make([]string, len(s.getters))
	for i, g := range s.getters {
		cols[i] = g.column
	}
	return cols
}

// Values 按 Getters 顺序读取实体的列值
func (s *Shape) Values(e orm.Immutable) []any {
	vals := make([]any, len(s.getters))
	for i, g := range s.getters {
		vals[i] = g.Get(e)
	}
	return vals
}

// IDGetters 主键列
func (s *Shape) IDGetters() []PropertyGetter {
	return s.filter(func(g PropertyGetter) bool { return g.prop.IsID() })
}

// VersionGetter 版本列；Shape 不含版本时返回 nil
func (s *Shape) VersionGetter() *PropertyGetter {
	for i := range s.getters {
		if s.getters[i].prop.IsVersion() {
			return &s.getters[i]
		}
	}
	return nil
}

// PropertyGetters 某个属性展开出的取值器
func (s *Shape) PropertyGetters(p *orm.Prop) []PropertyGetter {
	return s.filter(func(g PropertyGetter) bool { return g.prop == p })
}

// Contains 是否包含该属性
func (s *Shape) Contains(p *orm.Prop) bool {
	for _, g := range s.getters {
		if g.prop == p {
			return true
		}
	}
	return false
}

// ContainsAll 是否包含全部属性
func (s *Shape) ContainsAll(props []*orm.Prop) bool {
	for _, p := range props {
		if !s.Contains(p) {
			return false
		}
	}
	return true
}

// IsIDOnly 只含主键列，此时 UPDATE 没有可写的列
func (s *Shape) IsIDOnly() bool {
	if len(s.getters) == 0 {
		return false
	}
	for _, g := range s.getters {
		if !g.prop.IsID() {
			return false
		}
	}
	return true
}

// IsWild 既没有主键也没有完整的业务键，无法与已有行匹配
func (s *Shape) IsWild(keyProps []*orm.Prop) bool {
	if s.typ.IDProp() != nil && s.Contains(s.typ.IDProp()) {
		return false
	}
	return len(keyProps) == 0 || !s.ContainsAll(keyProps)
}

// Without 去掉若干属性后的 Shape（例如 UPDATE 的 SET 部分去掉主键和版本）
func (s *Shape) Without(pred func(*orm.Prop) bool) *Shape {
	kept := s.filter(func(g PropertyGetter) bool { return !pred(g.prop) })
	return newShape(s.typ, kept)
}

func (s *Shape) filter(pred func(PropertyGetter) bool) []PropertyGetter {
	var out []PropertyGetter
	for _, g := range s.getters {
		if pred(g) {
			out = append(out, g)
		}
	}
	return out
}
