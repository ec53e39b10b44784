// Package cache 提供多级缓存链
//
// 一条缓存链由若干层 Binder 组成，从外到内（进程内小而快，到共享的远端缓存）排列：
//   - GetAll 从头到尾逐层查找，未命中的键交给下一层，到达末端时调用请求级的 Loader；
//   - 返回途中，可写的层会被回填，包括"不存在"标记；
//   - DeleteAll 从尾到头逐层删除，每层按失效原因决定是否响应。
package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"gorel/errors"
	"gorel/logging"
)

// 失效原因
const (
	// ReasonTrigger 由保存/删除命令的变更事件触发
	ReasonTrigger = "trigger"
	// ReasonNATS 由其他进程经 NATS 广播触发
	ReasonNATS = "nats"
)

type loaderKey[K comparable, V any] struct{}

// WithLoader 把 loader 绑定到 ctx 上，作为缓存链末端的数据源
//
// 绑定只在返回的 ctx 及其派生 ctx 中可见；外层 ctx 上原有的 loader 不受影响，
// 嵌套调用结束后自然恢复。
func WithLoader[K comparable, V any](ctx context.Context, loader Loader[K, V]) context.Context {
	return context.WithValue(ctx, loaderKey[K, V]{}, loader)
}

// LoaderFrom 读取 ctx 上绑定的 loader
func LoaderFrom[K comparable, V any](ctx context.Context) Loader[K, V] {
	l, _ := ctx.Value(loaderKey[K, V]{}).(Loader[K, V])
	return l
}

// Chain 多级缓存链
//
// 各层自身必须并发安全；Chain 本身无可变状态，可在多个 goroutine 间共享。
type Chain[K comparable, V any] struct {
	name    string
	binders []Binder[K, V]
}

// NewChain 创建缓存链，binders 从外到内排列
func NewChain[K comparable, V any](name string, binders ...Binder[K, V]) *Chain[K, V] {
	return &Chain[K, V]{name: name, binders: binders}
}

// Name 缓存链名称
func (c *Chain[K, V]) Name() string { return c.name }

// Binders 各层（从外到内）
func (c *Chain[K, V]) Binders() []Binder[K, V] { return c.binders }

// GetAll 批量读取
//
// loader 为 nil 时使用 ctx 上通过 WithLoader 绑定的 loader。
// 不存在的键不出现在结果中。
func (c *Chain[K, V]) GetAll(ctx context.Context, keys []K, loader Loader[K, V]) (map[K]V, error) {
	if loader != nil {
		ctx = WithLoader(ctx, loader)
	}
	keys = distinct(keys)
	out := make(map[K]V, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	entries, err := c.loadAt(ctx, 0, keys)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if e, ok := entries[k]; ok && e.Present {
			out[k] = e.Value
		}
	}
	return out, nil
}

// Get 读取单个键
func (c *Chain[K, V]) Get(ctx context.Context, key K, loader Loader[K, V]) (V, bool, error) {
	m, err := c.GetAll(ctx, []K{key}, loader)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, ok := m[key]
	return v, ok, nil
}

// DeleteAll 按失效原因删除各层中的条目
//
// 从最内层开始删除，保证权威层先清空；某层失败时立即返回，外层保持原样。
func (c *Chain[K, V]) DeleteAll(ctx context.Context, keys []K, reason string) error {
	keys = distinct(keys)
	if len(keys) == 0 {
		return nil
	}
	logger := logging.ComponentLogger("cache")
	for i := len(c.binders) - 1; i >= 0; i-- {
		b := c.binders[i]
		if !b.IsAffectedBy(reason) {
			continue
		}
		if err := b.DeleteAll(ctx, keys); err != nil {
			return c.tierError(ctx, b, "delete", err)
		}
		logger.Debug(ctx, "cache entries deleted",
			logging.String("chain", c.name),
			logging.String("binder", b.Name()),
			logging.String("reason", reason),
			logging.Int("count", len(keys)))
	}
	return nil
}

func (c *Chain[K, V]) loadAt(ctx context.Context, i int, keys []K) (map[K]Cached[V], error) {
	if i == len(c.binders) {
		return c.loadSource(ctx, keys)
	}
	next := func(ctx context.Context, missed []K) (map[K]Cached[V], error) {
		return c.loadAt(ctx, i+1, missed)
	}

	b := c.binders[i]
	if lb, ok := b.(LoadingBinder[K, V]); ok {
		entries, err := lb.LoadAll(ctx, keys, next)
		if err != nil {
			return nil, c.tierError(ctx, b, "load", err)
		}
		return entries, nil
	}

	found, err := b.GetAll(ctx, keys)
	if err != nil {
		return nil, c.tierError(ctx, b, "get", err)
	}
	missed := missing(keys, found)
	if len(missed) == 0 {
		return found, nil
	}

	var loaded map[K]Cached[V]
	if lb, ok := b.(LockedBinder[K, V]); ok {
		loaded, err = c.fillLocked(ctx, lb, missed, next)
	} else {
		loaded, err = next(ctx, missed)
		if err == nil {
			c.populate(ctx, b, missed, loaded)
		}
	}
	if err != nil {
		return nil, err
	}

	out := make(map[K]Cached[V], len(keys))
	for k, e := range found {
		out[k] = e
	}
	for _, k := range missed {
		out[k] = loaded[k]
	}
	return out, nil
}

// fillLocked 持锁回源
//
// 拿到锁后先重读本层：等锁期间前一个持有者可能已经完成填充。
func (c *Chain[K, V]) fillLocked(ctx context.Context, b LockedBinder[K, V], missed []K, next NextFunc[K, V]) (map[K]Cached[V], error) {
	name := lockName(c.name, b.Name(), missed)
	fill := func() (map[K]Cached[V], error) {
		opts := b.LockOptions()
		unlock, err := b.Locker().Lock(ctx, name, opts.Wait, opts.Lease)
		if err != nil {
			logging.ComponentLogger("cache").Warn(ctx, "cache lock not acquired",
				logging.String("chain", c.name),
				logging.String("binder", b.Name()),
				logging.String("lock", name),
				logging.Error(err))
			if errors.IsErrorCode(err, errors.ErrCodeCache) {
				return nil, err
			}
			return nil, errors.WrapError(err, errors.ErrCodeCache, "获取缓存锁失败").
				WithContext("lock", name)
		}
		defer func() {
			if uerr := unlock(ctx); uerr != nil {
				logging.ComponentLogger("cache").Warn(ctx, "cache unlock failed",
					logging.String("lock", name), logging.Error(uerr))
			}
		}()

		found, err := b.GetAll(ctx, missed)
		if err != nil {
			return nil, c.tierError(ctx, b, "get", err)
		}
		rest := missing(missed, found)
		out := make(map[K]Cached[V], len(missed))
		for k, e := range found {
			out[k] = e
		}
		if len(rest) == 0 {
			return out, nil
		}
		loaded, err := next(ctx, rest)
		if err != nil {
			return nil, err
		}
		c.populate(ctx, b, rest, loaded)
		for _, k := range rest {
			out[k] = loaded[k]
		}
		return out, nil
	}

	if co, ok := b.Locker().(coalescer); ok {
		v, err := co.coalesce(name, func() (any, error) { return fill() })
		if err != nil {
			return nil, err
		}
		return v.(map[K]Cached[V]), nil
	}
	return fill()
}

// populate 回填可写层；回填失败只记录日志，不影响本次读取
func (c *Chain[K, V]) populate(ctx context.Context, b Binder[K, V], keys []K, loaded map[K]Cached[V]) {
	sb, ok := b.(SimpleBinder[K, V])
	if !ok {
		return
	}
	entries := make(map[K]Cached[V], len(keys))
	for _, k := range keys {
		entries[k] = loaded[k]
	}
	if err := sb.SetAll(ctx, entries); err != nil {
		logging.ComponentLogger("cache").Warn(ctx, "cache populate failed",
			logging.String("chain", c.name),
			logging.String("binder", b.Name()),
			logging.Error(err))
	}
}

func (c *Chain[K, V]) loadSource(ctx context.Context, keys []K) (map[K]Cached[V], error) {
	loader := LoaderFrom[K, V](ctx)
	if loader == nil {
		return nil, errors.NewError(errors.ErrCodeCache, "缓存链末端没有绑定 loader").
			WithContext("chain", c.name)
	}
	values, err := loader(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make(map[K]Cached[V], len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			out[k] = Hit(v)
		} else {
			out[k] = Absent[V]()
		}
	}
	return out, nil
}

func (c *Chain[K, V]) tierError(ctx context.Context, b Binder[K, V], op string, err error) error {
	if errors.IsErrorCode(err, errors.ErrCodeCache) {
		return err
	}
	return errors.WrapWithLog(ctx, err, errors.ErrCodeCache, "缓存层操作失败",
		logging.String("chain", c.name),
		logging.String("binder", b.Name()),
		logging.String("op", op))
}

func distinct[K comparable](keys []K) []K {
	if len(keys) < 2 {
		return keys
	}
	seen := make(map[K]struct{}, len(keys))
	out := make([]K, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func missing[K comparable, V any](keys []K, found map[K]Cached[V]) []K {
	var out []K
	for _, k := range keys {
		if _, ok := found[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// KeyString 键的字符串形式，远端缓存与锁名都用它
func KeyString[K comparable](k K) string {
	switch v := any(k).(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// lockName 按未命中键集合生成锁名，与键的顺序无关
func lockName[K comparable](chain, binder string, keys []K) string {
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = KeyString(k)
	}
	sort.Strings(strs)
	h := xxhash.New()
	for _, s := range strs {
		_, _ = h.WriteString(s)
		_, _ = h.Write([]byte{0})
	}
	var sum [8]byte
	return chain + ":" + binder + ":" + hex.EncodeToString(h.Sum(sum[:0]))
}
