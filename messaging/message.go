// Package messaging 提供进程内的消息总线，用于投递实体与关联的变更事件
package messaging

import (
	"time"

	"github.com/google/uuid"
)

// MessageTypeAll 订阅全部消息类型
const MessageTypeAll = "*"

// IMessage 总线上传递的消息
type IMessage interface {
	GetID() string
	// GetType 订阅方据此路由
	GetType() string
	GetTimestamp() time.Time
	GetPayload() interface{}
	GetMetadata() map[string]interface{}
}

// Message 通用消息，变更事件以外的消息可直接使用
type Message struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   interface{}            `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (m *Message) GetID() string           { return m.ID }
func (m *Message) GetType() string         { return m.Type }
func (m *Message) GetTimestamp() time.Time { return m.Timestamp }
func (m *Message) GetPayload() interface{} { return m.Payload }

func (m *Message) GetMetadata() map[string]interface{} {
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value interface{}) {
	m.GetMetadata()[key] = value
}

// NewMessage 创建消息，ID 为随机 UUID
func NewMessage(messageType string, payload interface{}) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      messageType,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
