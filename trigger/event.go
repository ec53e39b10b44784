// Package trigger 定义保存/删除命令产生的变更事件，以及事件的收集与投递
package trigger

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"gorel/data/orm"
	"gorel/messaging"
)

// 事件消息类型，订阅方按它们在消息总线上过滤
const (
	MessageTypeEntityChanged      = "gorel.entity.changed"
	MessageTypeAssociationChanged = "gorel.association.changed"
)

// 事件来源
const (
	ReasonSave   = "save"
	ReasonDelete = "delete"
)

// EventKind 实体变更种类
type EventKind int

const (
	EventInsert EventKind = iota + 1
	EventUpdate
	// EventUpsert 原生 upsert 无法区分插入还是更新
	EventUpsert
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventUpsert:
		return "UPSERT"
	case EventDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event 所有变更事件的公共接口
type Event interface {
	messaging.IMessage

	// ChangedType 受影响的实体类型
	ChangedType() *orm.EntityType
}

// EntityEvent 一行实体数据的变更
//
// Old 只在逻辑删除/更新前已加载旧值时存在；New 为保存后的草稿快照。
type EntityEvent struct {
	ID        string
	Type      *orm.EntityType
	EntityID  any
	Old       *orm.Object
	New       *orm.Object
	Kind      EventKind
	Reason    string
	Timestamp time.Time
}

// NewEntityEvent 创建实体事件
func NewEntityEvent(t *orm.EntityType, id any, kind EventKind, reason string) *EntityEvent {
	return &EntityEvent{
		ID:        uuid.NewString(),
		Type:      t,
		EntityID:  id,
		Kind:      kind,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

func (e *EntityEvent) GetID() string               { return e.ID }
func (e *EntityEvent) GetType() string             { return MessageTypeEntityChanged }
func (e *EntityEvent) GetTimestamp() time.Time     { return e.Timestamp }
func (e *EntityEvent) GetPayload() interface{}     { return e }
func (e *EntityEvent) ChangedType() *orm.EntityType { return e.Type }

func (e *EntityEvent) GetMetadata() map[string]interface{} {
	return map[string]interface{}{
		"entity": e.Type.Name(),
		"kind":   e.Kind.String(),
		"reason": e.Reason,
	}
}

func (e *EntityEvent) String() string {
	return fmt.Sprintf("%s %s(%v)", e.Kind, e.Type.Name(), e.EntityID)
}

// AssociationEvent 一条关联边的变更
//
// 断开时 DetachedTargetID 非空，建立时 AttachedTargetID 非空；
// 外键改指向时两者同时存在。
type AssociationEvent struct {
	ID               string
	Prop             *orm.Prop
	SourceID         any
	DetachedTargetID any
	AttachedTargetID any
	Reason           string
	Timestamp        time.Time
}

// NewAssociationEvent 创建关联事件
func NewAssociationEvent(prop *orm.Prop, sourceID, detached, attached any, reason string) *AssociationEvent {
	return &AssociationEvent{
		ID:               uuid.NewString(),
		Prop:             prop,
		SourceID:         sourceID,
		DetachedTargetID: detached,
		AttachedTargetID: attached,
		Reason:           reason,
		Timestamp:        time.Now(),
	}
}

func (e *AssociationEvent) GetID() string                 { return e.ID }
func (e *AssociationEvent) GetType() string               { return MessageTypeAssociationChanged }
func (e *AssociationEvent) GetTimestamp() time.Time       { return e.Timestamp }
func (e *AssociationEvent) GetPayload() interface{}       { return e }
func (e *AssociationEvent) ChangedType() *orm.EntityType  { return e.Prop.Owner() }

func (e *AssociationEvent) GetMetadata() map[string]interface{} {
	return map[string]interface{}{
		"prop":   e.Prop.String(),
		"reason": e.Reason,
	}
}

func (e *AssociationEvent) String() string {
	return fmt.Sprintf("%s(%v): %v -> %v", e.Prop, e.SourceID, e.DetachedTargetID, e.AttachedTargetID)
}
