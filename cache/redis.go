package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gorel/errors"
	"gorel/logging"
)

// redisClient captures the subset of go-redis commands the binder relies on.
type redisClient interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisConfig Redis 层配置
type RedisConfig struct {
	Client redis.UniversalClient
	// Prefix 键前缀，默认 "gorel:"
	Prefix string
	// Name 层名称，同时是键的第二段
	Name string
	// TTL 条目存活时间，0 表示不过期
	TTL time.Duration
	// NullTTL 不存在标记的存活时间，默认与 TTL 相同
	NullTTL time.Duration
	// Reasons 响应的失效原因，为空时响应全部
	Reasons []string
	Logger  logging.Logger
}

func (c *RedisConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "gorel:"
	}
	if c.Name == "" {
		c.Name = "redis"
	}
	if c.NullTTL <= 0 {
		c.NullTTL = c.TTL
	}
	if c.Logger == nil {
		c.Logger = logging.ComponentLogger("cache.redis")
	}
}

// RedisBinder 以 Redis 为存储的共享缓存层
type RedisBinder[K comparable, V any] struct {
	cfg    RedisConfig
	client redisClient
	codec  Codec[V]
}

// NewRedisBinder 创建 Redis 层；codec 为 nil 时使用 msgpack
func NewRedisBinder[K comparable, V any](cfg RedisConfig, codec Codec[V]) *RedisBinder[K, V] {
	return newRedisBinder[K, V](cfg.Client, cfg, codec)
}

func newRedisBinder[K comparable, V any](client redisClient, cfg RedisConfig, codec Codec[V]) *RedisBinder[K, V] {
	cfg.setDefaults()
	if codec == nil {
		codec = MsgpackCodec[V]{}
	}
	return &RedisBinder[K, V]{cfg: cfg, client: client, codec: codec}
}

func (b *RedisBinder[K, V]) Name() string { return b.cfg.Name }

func (b *RedisBinder[K, V]) IsAffectedBy(reason string) bool {
	return reasons(b.cfg.Reasons).affectedBy(reason)
}

func (b *RedisBinder[K, V]) key(k K) string {
	return b.cfg.Prefix + b.cfg.Name + ":" + KeyString(k)
}

func (b *RedisBinder[K, V]) GetAll(ctx context.Context, keys []K) (map[K]Cached[V], error) {
	if len(keys) == 0 {
		return map[K]Cached[V]{}, nil
	}
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = b.key(k)
	}
	vals, err := b.client.MGet(ctx, rkeys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[K]Cached[V], len(keys))
	for i, raw := range vals {
		if raw == nil || i >= len(keys) {
			continue
		}
		var data []byte
		switch v := raw.(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			return nil, fmt.Errorf("unexpected redis value type %T for %s", raw, rkeys[i])
		}
		entry, err := b.codec.Decode(data)
		if err != nil {
			// 无法解码的条目当作未命中，随后的回填会覆盖它
			b.cfg.Logger.Warn(ctx, "decode cache entry failed", logging.String("key", rkeys[i]), logging.Error(err))
			continue
		}
		out[keys[i]] = entry
	}
	return out, nil
}

func (b *RedisBinder[K, V]) SetAll(ctx context.Context, entries map[K]Cached[V]) error {
	for k, v := range entries {
		data, err := b.codec.Encode(v)
		if err != nil {
			return err
		}
		ttl := b.cfg.TTL
		if !v.Present {
			ttl = b.cfg.NullTTL
		}
		if err := b.client.Set(ctx, b.key(k), data, ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBinder[K, V]) DeleteAll(ctx context.Context, keys []K) error {
	if len(keys) == 0 {
		return nil
	}
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = b.key(k)
	}
	return b.client.Del(ctx, rkeys...).Err()
}

// redisLockClient captures the go-redis commands needed for locking.
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// 只有持有者（token 相同）才能删除锁
const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// RedisLocker 基于 SET NX PX 的分布式锁
type RedisLocker struct {
	client redisLockClient
	prefix string
	retry  time.Duration
}

// NewRedisLocker 创建分布式锁；prefix 为空时使用 "gorel:lock:"
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return newRedisLocker(client, prefix, 20*time.Millisecond)
}

func newRedisLocker(client redisLockClient, prefix string, retry time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "gorel:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix, retry: retry}
}

func (l *RedisLocker) Lock(ctx context.Context, name string, wait, lease time.Duration) (func(context.Context) error, error) {
	key := l.prefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeCache, "获取分布式锁失败").WithContext("lock", key)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, errors.NewError(errors.ErrCodeCache, "等待分布式锁超时").
				WithDetails(map[string]any{"lock": key, "wait": wait.String()})
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.WrapError(ctx.Err(), errors.ErrCodeCache, "等待分布式锁被取消").WithContext("lock", key)
		case <-timer.C:
		}
	}

	var once sync.Once
	var unlockErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			err := l.client.Eval(ctx, unlockScript, []string{key}, token).Err()
			if err != nil && err != redis.Nil {
				unlockErr = err
			}
		})
		return unlockErr
	}, nil
}
