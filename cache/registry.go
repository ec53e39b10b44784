package cache

import (
	"fmt"
	"sort"
	"sync"

	"gorel/data/orm"
)

// ObjectChain 实体对象缓存：主键（orm.KeyOf 规整后）到对象
type ObjectChain = Chain[any, *orm.Object]

// AssociationChain 关联缓存：源主键到目标主键列表
//
// 对一关联的列表最多一个元素。
type AssociationChain = Chain[any, []any]

// Registry 按实体类型和关联属性登记缓存链
type Registry struct {
	mu      sync.RWMutex
	objects map[*orm.EntityType]*ObjectChain
	assocs  map[*orm.Prop]*AssociationChain
}

// NewRegistry 创建空登记表
func NewRegistry() *Registry {
	return &Registry{
		objects: make(map[*orm.EntityType]*ObjectChain),
		assocs:  make(map[*orm.Prop]*AssociationChain),
	}
}

// RegisterObject 登记实体对象缓存
func (r *Registry) RegisterObject(t *orm.EntityType, c *ObjectChain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[t] = c
}

// RegisterAssociation 登记关联缓存
func (r *Registry) RegisterAssociation(p *orm.Prop, c *AssociationChain) {
	if !p.IsAssociation() {
		panic(fmt.Sprintf("cache: %s is not an association", p))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assocs[p] = c
}

// Object 实体对象缓存，未登记时返回 nil
func (r *Registry) Object(t *orm.EntityType) *ObjectChain {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects[t]
}

// Association 关联缓存，未登记时返回 nil
func (r *Registry) Association(p *orm.Prop) *AssociationChain {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assocs[p]
}

// ObjectChains 已登记的实体对象缓存，按名称排序
func (r *Registry) ObjectChains() []*ObjectChain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ObjectChain, 0, len(r.objects))
	for _, c := range r.objects {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AssociationChains 已登记的关联缓存，按名称排序
func (r *Registry) AssociationChains() []*AssociationChain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AssociationChain, 0, len(r.assocs))
	for _, c := range r.assocs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// AttachAll 让全部已登记的缓存链响应 NATS 失效广播
func (r *Registry) AttachAll(bus *NATSInvalidationBus) {
	for _, c := range r.ObjectChains() {
		Attach(bus, c)
	}
	for _, c := range r.AssociationChains() {
		Attach(bus, c)
	}
}

// Tiers 标准缓存链的组成：进程内 LRU → sturdyc → Redis，均可省略
//
// Locker 非空时，回源填充在最内层的可写层上加锁。
type Tiers struct {
	LRU     *LRUConfig
	Sturdyc *SturdycConfig
	Redis   *RedisConfig
	Locker  Locker
	Lock    LockOptions
}

// BuildChain 按 Tiers 组装缓存链，各层名称以 name 为前缀
func BuildChain[K comparable, V any](name string, tiers Tiers, codec Codec[V]) *Chain[K, V] {
	var binders []Binder[K, V]
	var lockTarget = -1

	if tiers.LRU != nil {
		cfg := *tiers.LRU
		cfg.Name = name + ".lru"
		binders = append(binders, NewLRUBinder[K, V](cfg))
		lockTarget = len(binders) - 1
	}
	if tiers.Sturdyc != nil {
		cfg := *tiers.Sturdyc
		cfg.Name = name + ".sturdyc"
		binders = append(binders, NewSturdycBinder[K, V](cfg))
	}
	if tiers.Redis != nil {
		cfg := *tiers.Redis
		cfg.Name = name
		binders = append(binders, NewRedisBinder[K, V](cfg, codec))
		lockTarget = len(binders) - 1
	}
	if tiers.Locker != nil && lockTarget >= 0 {
		if sb, ok := binders[lockTarget].(SimpleBinder[K, V]); ok {
			binders[lockTarget] = WithLock(sb, tiers.Locker, tiers.Lock)
		}
	}
	return NewChain(name, binders...)
}

// NewObjectChain 为实体类型组装对象缓存
func NewObjectChain(t *orm.EntityType, tiers Tiers) *ObjectChain {
	return BuildChain[any, *orm.Object](t.Name(), tiers, ObjectCodec(t))
}

// NewAssociationChain 为关联属性组装关联缓存
func NewAssociationChain(p *orm.Prop, tiers Tiers) *AssociationChain {
	return BuildChain[any, []any](p.String(), tiers, idListCodec())
}

func idListCodec() Codec[[]any] {
	return mapCodec[[]any, []any]{
		to: func(ids []any) []any { return ids },
		from: func(ids []any) ([]any, error) {
			for i, id := range ids {
				ids[i] = normalizeInt(id)
			}
			return ids, nil
		},
	}
}

// ObjectCodec 实体对象的编解码
//
// 只编码已加载的标量、嵌入值和外键引用（引用只保留主键），对多关联不进入对象缓存。
func ObjectCodec(t *orm.EntityType) Codec[*orm.Object] {
	return mapCodec[*orm.Object, map[string]any]{
		to:   encodeObject,
		from: func(m map[string]any) (*orm.Object, error) { return decodeObject(t, m) },
	}
}

func encodeObject(o *orm.Object) map[string]any {
	m := make(map[string]any)
	for _, p := range o.Type().Props() {
		if !o.IsLoaded(p.Index()) || p.IsList() {
			continue
		}
		v := o.Get(p.Index())
		switch {
		case p.IsEmbedded():
			if sub, ok := v.(*orm.Object); ok && sub != nil {
				m[p.Name()] = encodeObject(sub)
			} else {
				m[p.Name()] = nil
			}
		case p.IsReference():
			if p.IsInverse() {
				continue
			}
			ref, _ := v.(*orm.Object)
			if ref == nil {
				m[p.Name()] = nil
				continue
			}
			id, ok := orm.IDOf(ref)
			if !ok {
				continue
			}
			if sub, ok := id.(*orm.Object); ok {
				m[p.Name()] = encodeObject(sub)
			} else {
				m[p.Name()] = id
			}
		default:
			m[p.Name()] = v
		}
	}
	return m
}

func decodeObject(t *orm.EntityType, m map[string]any) (*orm.Object, error) {
	o := orm.New(t)
	for name, v := range m {
		p := t.Prop(name)
		if p == nil {
			return nil, fmt.Errorf("cache: %s has no prop %q", t.Name(), name)
		}
		switch {
		case v == nil:
			o.Set(p.Index(), nil)
		case p.IsEmbedded():
			sub, err := decodeNested(p.Target(), v)
			if err != nil {
				return nil, err
			}
			o.Set(p.Index(), sub)
		case p.IsReference():
			target := p.Target()
			id := v
			if idProp := target.IDProp(); idProp != nil && idProp.IsEmbedded() {
				sub, err := decodeNested(idProp.Target(), v)
				if err != nil {
					return nil, err
				}
				id = sub
			}
			o.Set(p.Index(), orm.Ref(target, normalizeInt(id)))
		default:
			o.Set(p.Index(), normalizeInt(v))
		}
	}
	return o, nil
}

func decodeNested(t *orm.EntityType, v any) (*orm.Object, error) {
	switch m := v.(type) {
	case map[string]any:
		return decodeObject(t, m)
	case map[any]any:
		conv := make(map[string]any, len(m))
		for k, x := range m {
			conv[fmt.Sprint(k)] = x
		}
		return decodeObject(t, conv)
	default:
		return nil, fmt.Errorf("cache: unexpected %T for embedded %s", v, t.Name())
	}
}
