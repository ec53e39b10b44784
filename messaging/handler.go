package messaging

import "context"

// IMessageHandler 消息处理器
type IMessageHandler interface {
	Handle(ctx context.Context, message IMessage) error

	// Type 处理器名称，用于日志
	Type() string
}

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h *funcHandler) Handle(ctx context.Context, message IMessage) error { return h.fn(ctx, message) }
func (h *funcHandler) Type() string                                       { return h.name }

// NewHandler 把函数包装为处理器
//
// 返回指针，Unsubscribe 按同一个值取消订阅。
func NewHandler(name string, fn HandlerFunc) IMessageHandler {
	return &funcHandler{name: name, fn: fn}
}
