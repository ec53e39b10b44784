package cache

import (
	"bytes"
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"gorel/logging"
)

// natsConn captures the subset of *nats.Conn the invalidation bus relies on.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSConfig 跨进程失效广播配置
type NATSConfig struct {
	Conn    *nats.Conn
	Subject string
	Logger  logging.Logger
}

// invalidation 广播消息
type invalidation struct {
	Origin string             `msgpack:"o"`
	Chain  string             `msgpack:"c"`
	Keys   msgpack.RawMessage `msgpack:"k"`
}

// NATSInvalidationBus 通过 NATS 在进程间广播缓存失效
//
// 收到其他进程的广播后，以 ReasonNATS 调用对应缓存链的 DeleteAll，
// 只有声明响应 "nats" 的层（通常是进程内层）会删除条目；本进程发出的消息被忽略。
type NATSInvalidationBus struct {
	cfg    NATSConfig
	conn   natsConn
	origin string
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[string]func(ctx context.Context, raw []byte) error
	sub      *nats.Subscription
	started  bool
}

// NewNATSInvalidationBus 创建失效广播
func NewNATSInvalidationBus(cfg NATSConfig) *NATSInvalidationBus {
	return newNATSInvalidationBus(cfg.Conn, cfg)
}

func newNATSInvalidationBus(conn natsConn, cfg NATSConfig) *NATSInvalidationBus {
	if cfg.Subject == "" {
		cfg.Subject = "gorel.cache.invalidate"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "cache.nats"))
	}
	return &NATSInvalidationBus{
		cfg:      cfg,
		conn:     conn,
		origin:   uuid.NewString(),
		logger:   cfg.Logger,
		handlers: make(map[string]func(context.Context, []byte) error),
	}
}

// Attach 让缓存链响应其他进程的失效广播
func Attach[K comparable, V any](b *NATSInvalidationBus, chain *Chain[K, V]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[chain.Name()] = func(ctx context.Context, raw []byte) error {
		var keys []K
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		dec.UseLooseInterfaceDecoding(true)
		if err := dec.Decode(&keys); err != nil {
			return err
		}
		for i, k := range keys {
			if n, ok := normalizeInt(any(k)).(K); ok {
				keys[i] = n
			}
		}
		return chain.DeleteAll(ctx, keys, ReasonNATS)
	}
}

// Start 订阅广播主题
func (b *NATSInvalidationBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	sub, err := b.conn.Subscribe(b.cfg.Subject, b.onMessage)
	if err != nil {
		return err
	}
	b.sub = sub
	b.started = true
	b.logger.Info(ctx, "cache invalidation subscribed", logging.String("subject", b.cfg.Subject))
	return nil
}

// Close 取消订阅
func (b *NATSInvalidationBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	sub := b.sub
	b.sub = nil
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Broadcast 通知其他进程删除缓存链 chain 中的 keys
func (b *NATSInvalidationBus) Broadcast(ctx context.Context, chain string, keys []any) error {
	if len(keys) == 0 {
		return nil
	}
	raw, err := msgpack.Marshal(keys)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(&invalidation{Origin: b.origin, Chain: chain, Keys: raw})
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.cfg.Subject, data); err != nil {
		b.logger.Warn(ctx, "publish cache invalidation failed", logging.String("chain", chain), logging.Error(err))
		return err
	}
	return nil
}

func (b *NATSInvalidationBus) onMessage(m *nats.Msg) {
	ctx := context.Background()
	var msg invalidation
	if err := msgpack.Unmarshal(m.Data, &msg); err != nil {
		b.logger.Warn(ctx, "decode cache invalidation failed", logging.Error(err))
		return
	}
	if msg.Origin == b.origin {
		return
	}
	b.mu.RLock()
	h := b.handlers[msg.Chain]
	b.mu.RUnlock()
	if h == nil {
		return
	}
	if err := h(ctx, msg.Keys); err != nil {
		b.logger.Warn(ctx, "apply cache invalidation failed", logging.String("chain", msg.Chain), logging.Error(err))
	}
}

// normalizeInt 宽松解码得到的无符号整数转回 int64，与 orm.KeyOf 保持一致
func normalizeInt(v any) any {
	if u, ok := v.(uint64); ok && u <= math.MaxInt64 {
		return int64(u)
	}
	return v
}
