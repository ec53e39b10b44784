package trigger

import (
	"context"
	"sync"

	"gorel/logging"
	"gorel/messaging"
)

// Sink 接收变更事件
type Sink interface {
	Submit(ctx context.Context, events []Event) error
}

// SinkFunc 函数适配器
type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) Submit(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Collector 缓存单条命令产生的事件，命令成功后再统一提交
//
// 一个 Collector 只属于一次命令执行，不跨 goroutine 共享。
type Collector struct {
	events []Event
}

// NewCollector 创建事件收集器
func NewCollector() *Collector {
	return &Collector{}
}

// Add 追加事件
func (c *Collector) Add(events ...Event) {
	c.events = append(c.events, events...)
}

// Events 已收集的事件（按产生顺序）
func (c *Collector) Events() []Event {
	return c.events
}

// Len 已收集的事件数
func (c *Collector) Len() int {
	return len(c.events)
}

// Discard 丢弃已收集的事件（命令失败时调用）
func (c *Collector) Discard() {
	c.events = nil
}

// Flush 把事件提交给 sink 并清空；sink 为 nil 时只清空
func (c *Collector) Flush(ctx context.Context, sink Sink) error {
	events := c.events
	c.events = nil
	if sink == nil || len(events) == 0 {
		return nil
	}
	return sink.Submit(ctx, events)
}

// BusSink 通过消息总线投递事件
type BusSink struct {
	bus    messaging.IMessageBus
	logger logging.Logger
}

// NewBusSink 创建基于消息总线的 Sink
func NewBusSink(bus messaging.IMessageBus) *BusSink {
	return &BusSink{bus: bus, logger: logging.ComponentLogger("trigger")}
}

func (s *BusSink) Submit(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]messaging.IMessage, len(events))
	for i, e := range events {
		msgs[i] = e
	}
	if err := s.bus.PublishAll(ctx, msgs); err != nil {
		s.logger.Warn(ctx, "publish change events failed", logging.Int("count", len(msgs)), logging.Error(err))
		return err
	}
	s.logger.Debug(ctx, "change events published", logging.Int("count", len(msgs)))
	return nil
}

// MultiSink 依次提交给多个 Sink，遇错即停
type MultiSink []Sink

func (m MultiSink) Submit(ctx context.Context, events []Event) error {
	for _, s := range m {
		if err := s.Submit(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// Recorder 记录收到的全部事件，主要用于测试与调试
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Submit(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events 返回已记录事件的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// EntityEvents 只返回实体事件
func (r *Recorder) EntityEvents() []*EntityEvent {
	var out []*EntityEvent
	for _, e := range r.Events() {
		if ee, ok := e.(*EntityEvent); ok {
			out = append(out, ee)
		}
	}
	return out
}

// AssociationEvents 只返回关联事件
func (r *Recorder) AssociationEvents() []*AssociationEvent {
	var out []*AssociationEvent
	for _, e := range r.Events() {
		if ae, ok := e.(*AssociationEvent); ok {
			out = append(out, ae)
		}
	}
	return out
}

// Reset 清空已记录的事件
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
