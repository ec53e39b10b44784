package cache

import (
	"context"
	"time"

	"github.com/viccon/sturdyc"
)

// SturdycConfig sturdyc 层配置
type SturdycConfig struct {
	Name               string
	Capacity           int
	NumShards          int
	TTL                time.Duration
	EvictionPercentage int
	// EvictionInterval 后台清理间隔，0 使用 sturdyc 默认值
	EvictionInterval time.Duration
	Reasons          []string
}

// DefaultSturdycConfig 默认配置
func DefaultSturdycConfig() SturdycConfig {
	return SturdycConfig{
		Name:               "sturdyc",
		Capacity:           10000,
		NumShards:          10,
		TTL:                10 * time.Minute,
		EvictionPercentage: 10,
	}
}

// SturdycBinder 基于 sturdyc 的进程内加载层
//
// 未命中时由 sturdyc 的批量回源完成加载与合并，不存在的键交给 sturdyc 的
// 缺失记录存储，同样具有空值缓存效果。
type SturdycBinder[K comparable, V any] struct {
	cfg    SturdycConfig
	client *sturdyc.Client[V]
	keyFn  sturdyc.KeyFn
}

// NewSturdycBinder 创建 sturdyc 层
func NewSturdycBinder[K comparable, V any](cfg SturdycConfig) *SturdycBinder[K, V] {
	def := DefaultSturdycConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = def.NumShards
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.EvictionPercentage <= 0 {
		cfg.EvictionPercentage = def.EvictionPercentage
	}
	opts := []sturdyc.Option{sturdyc.WithMissingRecordStorage()}
	if cfg.EvictionInterval > 0 {
		opts = append(opts, sturdyc.WithEvictionInterval(cfg.EvictionInterval))
	}
	client := sturdyc.New[V](cfg.Capacity, cfg.NumShards, cfg.TTL, cfg.EvictionPercentage, opts...)
	return &SturdycBinder[K, V]{cfg: cfg, client: client, keyFn: client.BatchKeyFn(cfg.Name)}
}

func (b *SturdycBinder[K, V]) Name() string { return b.cfg.Name }

func (b *SturdycBinder[K, V]) IsAffectedBy(reason string) bool {
	return reasons(b.cfg.Reasons).affectedBy(reason)
}

func (b *SturdycBinder[K, V]) GetAll(_ context.Context, keys []K) (map[K]Cached[V], error) {
	out := make(map[K]Cached[V], len(keys))
	for _, k := range keys {
		if v, ok := b.client.Get(b.keyFn(KeyString(k))); ok {
			out[k] = Hit(v)
		}
	}
	return out, nil
}

func (b *SturdycBinder[K, V]) LoadAll(ctx context.Context, keys []K, next NextFunc[K, V]) (map[K]Cached[V], error) {
	ids := make([]string, len(keys))
	byID := make(map[string]K, len(keys))
	for i, k := range keys {
		ids[i] = KeyString(k)
		byID[ids[i]] = k
	}
	fetch := func(ctx context.Context, missed []string) (map[string]V, error) {
		ks := make([]K, 0, len(missed))
		for _, id := range missed {
			ks = append(ks, byID[id])
		}
		loaded, err := next(ctx, ks)
		if err != nil {
			return nil, err
		}
		out := make(map[string]V, len(loaded))
		for k, e := range loaded {
			if e.Present {
				out[KeyString(k)] = e.Value
			}
		}
		return out, nil
	}
	values, err := b.client.GetOrFetchBatch(ctx, ids, b.keyFn, fetch)
	if err != nil {
		return nil, err
	}
	out := make(map[K]Cached[V], len(keys))
	for i, k := range keys {
		if v, ok := values[ids[i]]; ok {
			out[k] = Hit(v)
		} else {
			out[k] = Absent[V]()
		}
	}
	return out, nil
}

func (b *SturdycBinder[K, V]) DeleteAll(_ context.Context, keys []K) error {
	for _, k := range keys {
		b.client.Delete(b.keyFn(KeyString(k)))
	}
	return nil
}
