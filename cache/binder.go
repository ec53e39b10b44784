package cache

import (
	"context"
	"time"
)

// Cached 一个缓存条目
//
// Present 为 false 表示"确认不存在"，用于空值缓存，避免同一个不存在的键反复回源。
type Cached[V any] struct {
	Value   V
	Present bool
}

// Hit 存在的值
func Hit[V any](v V) Cached[V] {
	return Cached[V]{Value: v, Present: true}
}

// Absent 不存在标记
func Absent[V any]() Cached[V] {
	return Cached[V]{}
}

// Loader 缓存链末端的数据源加载函数
//
// 返回的 map 中缺失的键视为不存在。
type Loader[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// NextFunc 向链中下一层请求未命中的键
type NextFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]Cached[V], error)

// Binder 缓存链中的一层
type Binder[K comparable, V any] interface {
	// Name 层名称，用于日志和锁名
	Name() string

	// GetAll 返回本层已有的条目，未命中的键不出现在结果中
	GetAll(ctx context.Context, keys []K) (map[K]Cached[V], error)

	// DeleteAll 删除本层的条目
	DeleteAll(ctx context.Context, keys []K) error

	// IsAffectedBy 本层是否响应该失效原因；空原因表示无条件失效
	IsAffectedBy(reason string) bool
}

// SimpleBinder 可读写、不自带加载逻辑的层
type SimpleBinder[K comparable, V any] interface {
	Binder[K, V]

	// SetAll 写入条目（包括不存在标记）
	SetAll(ctx context.Context, entries map[K]Cached[V]) error
}

// LoadingBinder 自己负责未命中时向下一层加载并回填的层
type LoadingBinder[K comparable, V any] interface {
	Binder[K, V]

	// LoadAll 返回 keys 中每个键的条目，未命中部分通过 next 获取
	LoadAll(ctx context.Context, keys []K, next NextFunc[K, V]) (map[K]Cached[V], error)
}

// LockedBinder 回源填充时持有互斥锁的层
//
// 同一组未命中键同时只有一个调用方真正回源，其余调用方等锁后重读本层。
type LockedBinder[K comparable, V any] interface {
	SimpleBinder[K, V]

	Locker() Locker
	LockOptions() LockOptions
}

// LockOptions 锁等待与租期
type LockOptions struct {
	// Wait 获取锁的最长等待时间
	Wait time.Duration
	// Lease 锁的租期，持有者崩溃时到期自动释放
	Lease time.Duration
}

// DefaultLockOptions 默认锁参数
func DefaultLockOptions() LockOptions {
	return LockOptions{Wait: 5 * time.Second, Lease: 30 * time.Second}
}

// Locker 按名称加锁
type Locker interface {
	// Lock 在 wait 内获取锁；返回的 unlock 可重复调用
	Lock(ctx context.Context, name string, wait, lease time.Duration) (unlock func(context.Context) error, err error)
}

// lockedBinder 给 SimpleBinder 加上锁
type lockedBinder[K comparable, V any] struct {
	SimpleBinder[K, V]
	locker Locker
	opts   LockOptions
}

// WithLock 把 SimpleBinder 包装为 LockedBinder
func WithLock[K comparable, V any](b SimpleBinder[K, V], locker Locker, opts LockOptions) LockedBinder[K, V] {
	def := DefaultLockOptions()
	if opts.Wait <= 0 {
		opts.Wait = def.Wait
	}
	if opts.Lease <= 0 {
		opts.Lease = def.Lease
	}
	return &lockedBinder[K, V]{SimpleBinder: b, locker: locker, opts: opts}
}

func (b *lockedBinder[K, V]) Locker() Locker           { return b.locker }
func (b *lockedBinder[K, V]) LockOptions() LockOptions { return b.opts }

// reasons 失效原因过滤
//
// 未配置时响应所有原因；配置后只响应列出的原因和空原因。
type reasons []string

func (r reasons) affectedBy(reason string) bool {
	if len(r) == 0 || reason == "" {
		return true
	}
	for _, x := range r {
		if x == reason {
			return true
		}
	}
	return false
}
