package orm

import (
	"fmt"
	"strings"
)

// Immutable 按字段下标读取实体值
//
// 下标来自 Prop.Index()，在 Schema 构建时分配。
type Immutable interface {
	Type() *EntityType
	IsLoaded(index int) bool
	Get(index int) any
}

// Draft 可修改的实体值
type Draft interface {
	Immutable
	Set(index int, value any)
	Unload(index int)
}

// Object 通用的实体/嵌入值实现
//
// 关联属性的值约定为：对一关联是 *Object 或 nil，对多关联是 []*Object。
type Object struct {
	typ    *EntityType
	values []any
	loaded []bool
	frozen bool
}

// New 创建没有任何已加载属性的值
func New(t *EntityType) *Object {
	return &Object{
		typ:    t,
		values: make([]any, len(t.props)),
		loaded: make([]bool, len(t.props)),
	}
}

// Ref 创建只含主键的引用
func Ref(t *EntityType, id any) *Object {
	o := New(t)
	o.Set(t.idProp.index, id)
	return o
}

// Freeze 返回只读副本；对只读值调用 Set/Unload 会 panic
func Freeze(o *Object) *Object {
	c := o.Clone()
	c.frozen = true
	return c
}

func (o *Object) Type() *EntityType { return o.typ }

func (o *Object) IsLoaded(index int) bool {
	return index >= 0 && index < len(o.loaded) && o.loaded[index]
}

func (o *Object) Get(index int) any {
	if !o.IsLoaded(index) {
		return nil
	}
	return o.values[index]
}

func (o *Object) Set(index int, value any) {
	if o.frozen {
		panic(fmt.Sprintf("orm: cannot modify frozen %s", o.typ.name))
	}
	o.values[index] = value
	o.loaded[index] = true
}

func (o *Object) Unload(index int) {
	if o.frozen {
		panic(fmt.Sprintf("orm: cannot modify frozen %s", o.typ.name))
	}
	o.values[index] = nil
	o.loaded[index] = false
}

// IsFrozen 是否为只读值
func (o *Object) IsFrozen() bool { return o.frozen }

// Put 按属性名设置值并返回自身，便于链式构造
func (o *Object) Put(name string, value any) *Object {
	p := o.typ.Prop(name)
	if p == nil {
		panic(fmt.Sprintf("orm: %s has no property %q", o.typ.name, name))
	}
	o.Set(p.index, value)
	return o
}

// Value 按属性名读取值（未加载时返回 nil, false）
func (o *Object) Value(name string) (any, bool) {
	p := o.typ.Prop(name)
	if p == nil || !o.IsLoaded(p.index) {
		return nil, false
	}
	return o.values[p.index], true
}

// Clone 浅拷贝，结果总是可修改的
func (o *Object) Clone() *Object {
	c := &Object{
		typ:    o.typ,
		values: make([]any, len(o.values)),
		loaded: make([]bool, len(o.loaded)),
	}
	copy(c.values, o.values)
	copy(c.loaded, o.loaded)
	return c
}

// String 用于日志与断言失败输出
func (o *Object) String() string {
	var sb strings.Builder
	sb.WriteString(o.typ.name)
	sb.WriteString("{")
	first := true
	for i, p := range o.typ.props {
		if !o.loaded[i] {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(p.name)
		sb.WriteString(": ")
		switch v := o.values[i].(type) {
		case []*Object:
			sb.WriteString(fmt.Sprintf("[%d items]", len(v)))
		default:
			sb.WriteString(fmt.Sprint(v))
		}
	}
	sb.WriteString("}")
	return sb.String()
}

// IDOf 读取实体主键
func IDOf(e Immutable) (any, bool) {
	idProp := e.Type().idProp
	if idProp == nil || !e.IsLoaded(idProp.index) {
		return nil, false
	}
	id := e.Get(idProp.index)
	if id == nil {
		return nil, false
	}
	return id, true
}

// ValueAt 沿 ColumnPath 读取叶子值
//
// loaded 为 false 表示路径上有未加载的属性；路径中间遇到 nil 时返回 (nil, true)。
func ValueAt(e Immutable, path []*Prop) (value any, loaded bool) {
	cur := e
	for i, p := range path {
		if cur == nil {
			return nil, true
		}
		if !cur.IsLoaded(p.index) {
			return nil, false
		}
		v := cur.Get(p.index)
		if i == len(path)-1 {
			return v, true
		}
		if v == nil {
			return nil, true
		}
		next, ok := v.(Immutable)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// SetAt 沿 ColumnPath 写入叶子值，必要时创建中间的嵌入/引用对象
func SetAt(d Draft, path []*Prop, value any) {
	cur := d
	for i, p := range path {
		if i == len(path)-1 {
			cur.Set(p.index, value)
			return
		}
		if value == nil && p.IsReference() {
			// 外键为空即引用为空
			cur.Set(p.index, nil)
			return
		}
		var next Draft
		if cur.IsLoaded(p.index) {
			if obj, ok := cur.Get(p.index).(*Object); ok && obj != nil && !obj.frozen {
				next = obj
			}
		}
		if next == nil {
			obj := New(p.target)
			cur.Set(p.index, obj)
			next = obj
		}
		cur = next
	}
}

// KeyOf 把主键值规整为可比较、可作 map 键的形式
//
// 整数统一为 int64，[]byte 转为 string，嵌入类型主键拼接为字符串。
func KeyOf(id any) any {
	switch v := id.(type) {
	case nil:
		return nil
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case []byte:
		return string(v)
	case Immutable:
		var sb strings.Builder
		sb.WriteString("(")
		for i, p := range v.Type().props {
			if i > 0 {
				sb.WriteString(",")
			}
			if v.IsLoaded(p.index) {
				sb.WriteString(fmt.Sprintf("%v", KeyOf(v.Get(p.index))))
			}
		}
		sb.WriteString(")")
		return sb.String()
	default:
		return v
	}
}

// Items 读取对多关联的值
func Items(e Immutable, p *Prop) []*Object {
	if !e.IsLoaded(p.index) {
		return nil
	}
	list, _ := e.Get(p.index).([]*Object)
	return list
}

// RefOf 读取对一关联的值
func RefOf(e Immutable, p *Prop) *Object {
	if !e.IsLoaded(p.index) {
		return nil
	}
	ref, _ := e.Get(p.index).(*Object)
	return ref
}

// IDColumnValues 把主键展开为列值，与 EntityType.IDColumns 同序
func IDColumnValues(t *EntityType, id any) []any {
	paths := t.idProp.leaves
	if len(paths) == 1 && len(paths[0].Props) == 1 {
		return []any{id}
	}
	obj, _ := id.(Immutable)
	vals := make([]any, len(paths))
	for i, cp := range paths {
		if obj == nil {
			continue
		}
		vals[i], _ = ValueAt(obj, cp.Props[1:])
	}
	return vals
}

// IDFromColumns IDColumnValues 的逆操作，vals 为驱动扫描出的原始值
func IDFromColumns(t *EntityType, vals []any) any {
	paths := t.idProp.leaves
	if len(paths) == 1 && len(paths[0].Props) == 1 {
		return NormalizeColumn(vals[0])
	}
	obj := New(t.idProp.target)
	for i, cp := range paths {
		SetAt(obj, cp.Props[1:], NormalizeColumn(vals[i]))
	}
	return obj
}

// NormalizeColumn 驱动返回的 []byte 转为 string，整数统一为 int64
func NormalizeColumn(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int32:
		return int64(x)
	default:
		return v
	}
}
