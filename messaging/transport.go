package messaging

import "context"

// Transport 消息的实际投递方式
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层状态
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
	Published    int64    `json:"published"`
	Failed       int64    `json:"failed"`
}
