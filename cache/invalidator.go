package cache

import (
	"context"

	"gorel/data/orm"
	"gorel/logging"
	"gorel/messaging"
	"gorel/trigger"
)

// Broadcaster 把本进程的失效通知给其他进程
type Broadcaster interface {
	Broadcast(ctx context.Context, chain string, keys []any) error
}

// Invalidator 把变更事件翻译为缓存失效
//
// 既可作为 trigger.Sink 直接接收命令提交的事件，也可订阅消息总线。
type Invalidator struct {
	registry    *Registry
	broadcaster Broadcaster
	logger      logging.Logger
}

// InvalidatorOption 选项
type InvalidatorOption func(*Invalidator)

// WithBroadcaster 本地失效后再广播给其他进程
func WithBroadcaster(b Broadcaster) InvalidatorOption {
	return func(i *Invalidator) { i.broadcaster = b }
}

// NewInvalidator 创建失效器
func NewInvalidator(r *Registry, opts ...InvalidatorOption) *Invalidator {
	i := &Invalidator{registry: r, logger: logging.ComponentLogger("cache.invalidator")}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Subscribe 在消息总线上订阅实体与关联变更
func (i *Invalidator) Subscribe(ctx context.Context, bus messaging.IMessageBus) error {
	if err := bus.Subscribe(ctx, trigger.MessageTypeEntityChanged, i); err != nil {
		return err
	}
	return bus.Subscribe(ctx, trigger.MessageTypeAssociationChanged, i)
}

// Type 实现 messaging.IMessageHandler
func (i *Invalidator) Type() string { return "cache.invalidator" }

// Handle 实现 messaging.IMessageHandler
func (i *Invalidator) Handle(ctx context.Context, msg messaging.IMessage) error {
	ev, ok := msg.GetPayload().(trigger.Event)
	if !ok {
		return nil
	}
	return i.Submit(ctx, []trigger.Event{ev})
}

// Submit 实现 trigger.Sink
func (i *Invalidator) Submit(ctx context.Context, events []trigger.Event) error {
	plan := newInvalidationPlan()
	for _, ev := range events {
		switch e := ev.(type) {
		case *trigger.EntityEvent:
			i.planEntity(plan, e)
		case *trigger.AssociationEvent:
			i.planAssociation(plan, e)
		}
	}

	for _, t := range plan.types {
		c := i.registry.Object(t)
		if err := i.apply(ctx, c.Name(), plan.objects[t], c.DeleteAll); err != nil {
			return err
		}
	}
	for _, p := range plan.props {
		c := i.registry.Association(p)
		if err := i.apply(ctx, c.Name(), plan.assocs[p], c.DeleteAll); err != nil {
			return err
		}
	}
	return nil
}

func (i *Invalidator) apply(ctx context.Context, chain string, keys []any, del func(context.Context, []any, string) error) error {
	if err := del(ctx, keys, ReasonTrigger); err != nil {
		return err
	}
	i.logger.Debug(ctx, "cache invalidated", logging.String("chain", chain), logging.Int("count", len(keys)))
	if i.broadcaster != nil {
		if err := i.broadcaster.Broadcast(ctx, chain, keys); err != nil {
			// 远端进程的进程内层只能等 TTL 过期
			i.logger.Warn(ctx, "broadcast invalidation failed", logging.String("chain", chain), logging.Error(err))
		}
	}
	return nil
}

func (i *Invalidator) planEntity(plan *invalidationPlan, e *trigger.EntityEvent) {
	key := orm.KeyOf(e.EntityID)
	if i.registry.Object(e.Type) != nil {
		plan.addObject(e.Type, key)
	}
	for _, p := range e.Type.Props() {
		if p.IsAssociation() && i.registry.Association(p) != nil {
			plan.addAssoc(p, key)
		}
	}
}

func (i *Invalidator) planAssociation(plan *invalidationPlan, e *trigger.AssociationEvent) {
	if i.registry.Association(e.Prop) != nil {
		plan.addAssoc(e.Prop, orm.KeyOf(e.SourceID))
	}
	for _, opp := range opposites(e.Prop) {
		if i.registry.Association(opp) == nil {
			continue
		}
		if e.DetachedTargetID != nil {
			plan.addAssoc(opp, orm.KeyOf(e.DetachedTargetID))
		}
		if e.AttachedTargetID != nil {
			plan.addAssoc(opp, orm.KeyOf(e.AttachedTargetID))
		}
	}
}

// opposites 关联的另一侧属性
func opposites(p *orm.Prop) []*orm.Prop {
	if p.IsInverse() {
		return []*orm.Prop{p.MappedBy()}
	}
	var out []*orm.Prop
	for _, tp := range p.Target().Props() {
		if tp.MappedBy() == p {
			out = append(out, tp)
		}
	}
	return out
}

// invalidationPlan 按缓存链归并待删除的键，保持首次出现的顺序
type invalidationPlan struct {
	types   []*orm.EntityType
	objects map[*orm.EntityType][]any
	props   []*orm.Prop
	assocs  map[*orm.Prop][]any
	seen    map[any]struct{}
}

type planKey struct {
	owner any
	key   any
}

func newInvalidationPlan() *invalidationPlan {
	return &invalidationPlan{
		objects: make(map[*orm.EntityType][]any),
		assocs:  make(map[*orm.Prop][]any),
		seen:    make(map[any]struct{}),
	}
}

func (p *invalidationPlan) mark(owner, key any) bool {
	k := planKey{owner: owner, key: key}
	if _, ok := p.seen[k]; ok {
		return false
	}
	p.seen[k] = struct{}{}
	return true
}

func (p *invalidationPlan) addObject(t *orm.EntityType, key any) {
	if !p.mark(t, key) {
		return
	}
	if _, ok := p.objects[t]; !ok {
		p.types = append(p.types, t)
	}
	p.objects[t] = append(p.objects[t], key)
}

func (p *invalidationPlan) addAssoc(prop *orm.Prop, key any) {
	if !p.mark(prop, key) {
		return
	}
	if _, ok := p.assocs[prop]; !ok {
		p.props = append(p.props, prop)
	}
	p.assocs[prop] = append(p.assocs[prop], key)
}
