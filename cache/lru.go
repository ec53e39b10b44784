package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LRUConfig 进程内 LRU 层配置
type LRUConfig struct {
	// Name 层名称
	Name string

	// MaxSize 最大条目数，0 表示不限制
	MaxSize int

	// TTL 自写入起的存活时间，0 表示不过期
	TTL time.Duration

	// Reasons 响应的失效原因，为空时响应全部
	Reasons []string

	// OnEvict 容量驱逐时回调
	OnEvict func(key, value any)
}

// LRUStats 统计信息
type LRUStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// LRUBinder 进程内 LRU 层
//
// 同时保存存在的值与不存在标记；单个批量操作在一把锁内完成。
type LRUBinder[K comparable, V any] struct {
	cfg   LRUConfig
	mu    sync.Mutex
	items map[K]*list.Element
	order *list.List // 最近使用的在前
	stats LRUStats
	now   func() time.Time
}

type lruEntry[K comparable, V any] struct {
	key      K
	value    Cached[V]
	storedAt time.Time
}

// NewLRUBinder 创建 LRU 层
func NewLRUBinder[K comparable, V any](cfg LRUConfig) *LRUBinder[K, V] {
	if cfg.Name == "" {
		cfg.Name = "lru"
	}
	return &LRUBinder[K, V]{
		cfg:   cfg,
		items: make(map[K]*list.Element),
		order: list.New(),
		now:   time.Now,
	}
}

func (b *LRUBinder[K, V]) Name() string { return b.cfg.Name }

func (b *LRUBinder[K, V]) IsAffectedBy(reason string) bool {
	return reasons(b.cfg.Reasons).affectedBy(reason)
}

func (b *LRUBinder[K, V]) GetAll(_ context.Context, keys []K) (map[K]Cached[V], error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[K]Cached[V], len(keys))
	for _, k := range keys {
		if v, ok := b.getLocked(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *LRUBinder[K, V]) SetAll(_ context.Context, entries map[K]Cached[V]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, v := range entries {
		b.setLocked(k, v)
	}
	return nil
}

func (b *LRUBinder[K, V]) DeleteAll(_ context.Context, keys []K) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, k := range keys {
		if el, ok := b.items[k]; ok {
			b.removeLocked(el)
		}
	}
	return nil
}

// Len 当前条目数
func (b *LRUBinder[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Purge 清空
func (b *LRUBinder[K, V]) Purge() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[K]*list.Element)
	b.order.Init()
}

// CleanExpired 清理过期条目，返回清理数量
func (b *LRUBinder[K, V]) CleanExpired() int {
	if b.cfg.TTL <= 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cleaned := 0
	for el := b.order.Back(); el != nil; {
		prev := el.Prev()
		if b.expired(el.Value.(*lruEntry[K, V])) {
			b.removeLocked(el)
			cleaned++
		}
		el = prev
	}
	b.stats.Expires += int64(cleaned)
	return cleaned
}

// Stats 统计信息副本
func (b *LRUBinder[K, V]) Stats() LRUStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Size = len(b.items)
	return s
}

func (b *LRUBinder[K, V]) String() string {
	s := b.Stats()
	return fmt.Sprintf("LRU[%s]: size=%d/%d, hits=%d, misses=%d, evictions=%d, expires=%d",
		b.cfg.Name, s.Size, b.cfg.MaxSize, s.Hits, s.Misses, s.Evictions, s.Expires)
}

func (b *LRUBinder[K, V]) getLocked(k K) (Cached[V], bool) {
	el, ok := b.items[k]
	if !ok {
		b.stats.Misses++
		return Cached[V]{}, false
	}
	e := el.Value.(*lruEntry[K, V])
	if b.expired(e) {
		b.removeLocked(el)
		b.stats.Misses++
		b.stats.Expires++
		return Cached[V]{}, false
	}
	b.order.MoveToFront(el)
	b.stats.Hits++
	return e.value, true
}

func (b *LRUBinder[K, V]) setLocked(k K, v Cached[V]) {
	now := b.now()
	if el, ok := b.items[k]; ok {
		e := el.Value.(*lruEntry[K, V])
		e.value = v
		e.storedAt = now
		b.order.MoveToFront(el)
		return
	}
	if b.cfg.MaxSize > 0 && len(b.items) >= b.cfg.MaxSize {
		if oldest := b.order.Back(); oldest != nil {
			e := oldest.Value.(*lruEntry[K, V])
			b.removeLocked(oldest)
			b.stats.Evictions++
			if b.cfg.OnEvict != nil {
				b.cfg.OnEvict(e.key, e.value)
			}
		}
	}
	b.items[k] = b.order.PushFront(&lruEntry[K, V]{key: k, value: v, storedAt: now})
}

func (b *LRUBinder[K, V]) removeLocked(el *list.Element) {
	e := el.Value.(*lruEntry[K, V])
	b.order.Remove(el)
	delete(b.items, e.key)
}

func (b *LRUBinder[K, V]) expired(e *lruEntry[K, V]) bool {
	return b.cfg.TTL > 0 && b.now().Sub(e.storedAt) >= b.cfg.TTL
}
