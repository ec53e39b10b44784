// Package sync 同步投递：Publish 在调用方的 goroutine 里依次执行处理器
//
// 变更事件在提交后同步处理，调用返回时缓存已经失效。
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"gorel/messaging"
)

// SyncTransport 同步的进程内传输
type SyncTransport struct {
	handlers map[string][]messaging.IMessageHandler
	mutex    sync.RWMutex
	running  bool

	published atomic.Int64
	failed    atomic.Int64
}

// NewSyncTransport 创建同步传输，使用前需要 Start
func NewSyncTransport() *SyncTransport {
	return &SyncTransport{handlers: make(map[string][]messaging.IMessageHandler)}
}

// Publish 依次调用该类型与 MessageTypeAll 的处理器
//
// 某个处理器失败不影响其余处理器，全部错误合并返回。
func (t *SyncTransport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mutex.RLock()
	if !t.running {
		t.mutex.RUnlock()
		return fmt.Errorf("sync transport is not running")
	}
	handlers := make([]messaging.IMessageHandler, 0, len(t.handlers[message.GetType()])+len(t.handlers[messaging.MessageTypeAll]))
	handlers = append(handlers, t.handlers[message.GetType()]...)
	handlers = append(handlers, t.handlers[messaging.MessageTypeAll]...)
	t.mutex.RUnlock()

	t.published.Add(1)
	var errs []error
	for _, h := range handlers {
		if err := h.Handle(ctx, message); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", h.Type(), err))
		}
	}
	if len(errs) > 0 {
		t.failed.Add(1)
		return errors.Join(errs...)
	}
	return nil
}

// PublishAll 按顺序发布，遇错即停
func (t *SyncTransport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	for _, m := range messages {
		if err := t.Publish(ctx, m); err != nil {
			return fmt.Errorf("publish message %s: %w", m.GetID(), err)
		}
	}
	return nil
}

func (t *SyncTransport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for message type %s", messageType)
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handlers[messageType] = append(t.handlers[messageType], handler)
	return nil
}

func (t *SyncTransport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	handlers := t.handlers[messageType]
	for i, h := range handlers {
		if h == handler {
			t.handlers[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			if len(t.handlers[messageType]) == 0 {
				delete(t.handlers, messageType)
			}
			return nil
		}
	}
	return fmt.Errorf("handler not found for message type %s", messageType)
}

// Start 重复调用无副作用
func (t *SyncTransport) Start(context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.running = true
	return nil
}

// Close 停止投递，订阅保留
func (t *SyncTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.running = false
	return nil
}

func (t *SyncTransport) Stats() messaging.TransportStats {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	stats := messaging.TransportStats{
		Running:      t.running,
		MessageTypes: make([]string, 0, len(t.handlers)),
		Published:    t.published.Load(),
		Failed:       t.failed.Load(),
	}
	for mt, hs := range t.handlers {
		stats.MessageTypes = append(stats.MessageTypes, mt)
		stats.HandlerCount += len(hs)
	}
	sort.Strings(stats.MessageTypes)
	return stats
}
