package messaging

import (
	"context"
	"sync"

	"gorel/errors"
	"gorel/logging"
)

// HandlerFunc 中间件链的执行单元
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 发布前经过的中间件
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IMessageBus 消息总线
type IMessageBus interface {
	Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Use(middleware IMiddleware)
}

// MessageBus 把中间件链接到 Transport 前面
type MessageBus struct {
	transport   Transport
	middlewares []IMiddleware
	mutex       sync.RWMutex
}

// NewMessageBus 创建消息总线
func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{transport: transport}
}

// Use 追加中间件，按注册顺序执行
func (bus *MessageBus) Use(middleware IMiddleware) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.middlewares = append(bus.middlewares, middleware)
}

func (bus *MessageBus) Subscribe(_ context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Subscribe(messageType, handler)
}

func (bus *MessageBus) Unsubscribe(_ context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Unsubscribe(messageType, handler)
}

// Publish 经过中间件后交给 Transport
func (bus *MessageBus) Publish(ctx context.Context, message IMessage) error {
	return bus.chain(func(ctx context.Context, msg IMessage) error {
		return bus.transport.Publish(ctx, msg)
	})(ctx, message)
}

// PublishAll 每条消息各自经过中间件，全部通过后一次性交给 Transport
//
// 任意一条被中间件拒绝时整批都不投递。
func (bus *MessageBus) PublishAll(ctx context.Context, messages []IMessage) error {
	if len(messages) == 0 {
		return nil
	}
	batched := make([]IMessage, 0, len(messages))
	collect := bus.chain(func(_ context.Context, msg IMessage) error {
		batched = append(batched, msg)
		return nil
	})
	for _, message := range messages {
		if err := collect(ctx, message); err != nil {
			return errors.WrapError(err, errors.ErrCodeExecution, "消息被中间件拒绝").
				WithContext("message_id", message.GetID()).
				WithContext("message_type", message.GetType())
		}
	}
	if len(batched) == 0 {
		return nil
	}
	if err := bus.transport.PublishAll(ctx, batched); err != nil {
		return errors.WrapError(err, errors.ErrCodeExecution, "批量投递消息失败").
			WithContext("count", len(batched))
	}
	return nil
}

func (bus *MessageBus) chain(final HandlerFunc) HandlerFunc {
	bus.mutex.RLock()
	middlewares := bus.middlewares
	bus.mutex.RUnlock()

	next := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw, inner := middlewares[i], next
		next = func(ctx context.Context, msg IMessage) error {
			return mw.Handle(ctx, msg, inner)
		}
	}
	return next
}

// loggingMiddleware 记录每条经过总线的消息
type loggingMiddleware struct {
	logger logging.Logger
}

// Logging 以 Debug 级别记录发布的消息，失败时记录 Warn
func Logging(logger logging.Logger) IMiddleware {
	if logger == nil {
		logger = logging.ComponentLogger("messaging")
	}
	return loggingMiddleware{logger: logger}
}

func (loggingMiddleware) Name() string { return "logging" }

func (m loggingMiddleware) Handle(ctx context.Context, message IMessage, next HandlerFunc) error {
	fields := []logging.Field{
		logging.String("message_id", message.GetID()),
		logging.String("message_type", message.GetType()),
	}
	if err := next(ctx, message); err != nil {
		m.logger.Warn(ctx, "publish message failed", append(fields, logging.Error(err))...)
		return err
	}
	m.logger.Debug(ctx, "message published", fields...)
	return nil
}
