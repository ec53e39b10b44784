package orm

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"gorel/cache"
	"gorel/mutation"
)

// ID 生成器
const (
	IDGeneratorNone      = "none"
	IDGeneratorSnowflake = "snowflake"
	IDGeneratorUUID      = "uuid"
)

// Config 客户端配置，可从 YAML 加载
type Config struct {
	// Dialect 为空时从连接推断
	Dialect string `yaml:"dialect"`

	MaxCommandJoinCount int `yaml:"max_command_join_count"`
	MaxMutationDepth    int `yaml:"max_mutation_depth"`
	MaxInListSize       int `yaml:"max_in_list_size"`

	// DefaultDissociateActionCheckable 未声明脱钩动作时：true 为 CHECK，false 为 LAX
	DefaultDissociateActionCheckable bool `yaml:"default_dissociate_action_checkable"`

	SaveMode           string `yaml:"save_mode"`
	AssociatedSaveMode string `yaml:"associated_save_mode"`
	DeleteMode         string `yaml:"delete_mode"`
	AllOrNothing       bool   `yaml:"all_or_nothing"`
	TargetTransferable bool   `yaml:"target_transferable"`

	// IDGenerator 注册到每个声明了生成器的实体类型上：none|snowflake|uuid
	IDGenerator string          `yaml:"id_generator"`
	Snowflake   SnowflakeConfig `yaml:"snowflake"`

	Cache CacheConfig `yaml:"cache"`
}

// SnowflakeConfig 雪花 ID 的节点标识
type SnowflakeConfig struct {
	DatacenterID int64 `yaml:"datacenter_id"`
	WorkerID     int64 `yaml:"worker_id"`
}

// CacheConfig 缓存链各层的公共参数
type CacheConfig struct {
	Capacity           int           `yaml:"capacity"`
	TTL                time.Duration `yaml:"ttl"`
	NumShards          int           `yaml:"num_shards"`
	EvictionPercentage int           `yaml:"eviction_percentage"`
	LockWait           time.Duration `yaml:"lock_wait"`
	LockLease          time.Duration `yaml:"lock_lease"`
	RedisPrefix        string        `yaml:"redis_prefix"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	lock := cache.DefaultLockOptions()
	sc := cache.DefaultSturdycConfig()
	return Config{
		MaxCommandJoinCount:              mutation.DefaultMaxCommandJoinCount,
		MaxMutationDepth:                 mutation.DefaultMaxMutationDepth,
		MaxInListSize:                    mutation.DefaultMaxInListSize,
		DefaultDissociateActionCheckable: true,
		SaveMode:                         mutation.SaveUpsert.String(),
		AssociatedSaveMode:               mutation.AssociatedReplace.String(),
		DeleteMode:                       mutation.DeleteAuto.String(),
		IDGenerator:                      IDGeneratorNone,
		Cache: CacheConfig{
			Capacity:           sc.Capacity,
			TTL:                sc.TTL,
			NumShards:          sc.NumShards,
			EvictionPercentage: sc.EvictionPercentage,
			LockWait:           lock.Wait,
			LockLease:          lock.Lease,
			RedisPrefix:        "gorel:",
		},
	}
}

// LoadConfig 读取 YAML 文件，未出现的字段保留默认值
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(data)
}

// ParseConfig 解析 YAML 内容并校验
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse orm config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验取值范围与枚举名
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Dialect, validation.In("", "mysql", "sqlite", "sqlite3", "postgres", "postgresql", "pgx")),
		validation.Field(&c.MaxCommandJoinCount, validation.Min(0)),
		validation.Field(&c.MaxMutationDepth, validation.Min(1)),
		validation.Field(&c.MaxInListSize, validation.Min(1)),
		validation.Field(&c.SaveMode, validation.By(parsable(func(s string) error {
			_, err := mutation.ParseSaveMode(s)
			return err
		}))),
		validation.Field(&c.AssociatedSaveMode, validation.By(parsable(func(s string) error {
			_, err := mutation.ParseAssociatedSaveMode(s)
			return err
		}))),
		validation.Field(&c.DeleteMode, validation.By(parsable(func(s string) error {
			_, err := mutation.ParseDeleteMode(s)
			return err
		}))),
		validation.Field(&c.IDGenerator, validation.In("", IDGeneratorNone, IDGeneratorSnowflake, IDGeneratorUUID)),
		validation.Field(&c.Snowflake),
		validation.Field(&c.Cache),
	)
}

func (c SnowflakeConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.DatacenterID, validation.Min(int64(0)), validation.Max(int64(31))),
		validation.Field(&c.WorkerID, validation.Min(int64(0)), validation.Max(int64(31))),
	)
}

func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Capacity, validation.Min(0)),
		validation.Field(&c.TTL, validation.Min(time.Duration(0))),
		validation.Field(&c.NumShards, validation.Min(0)),
		validation.Field(&c.EvictionPercentage, validation.Min(0), validation.Max(100)),
		validation.Field(&c.LockWait, validation.Min(time.Duration(0))),
		validation.Field(&c.LockLease, validation.Min(time.Duration(0))),
	)
}

func parsable(parse func(string) error) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		return parse(s)
	}
}

// commandOptions 配置对应的基础命令选项
func (c Config) commandOptions() []mutation.Option {
	save, _ := mutation.ParseSaveMode(c.SaveMode)
	assoc, _ := mutation.ParseAssociatedSaveMode(c.AssociatedSaveMode)
	del, _ := mutation.ParseDeleteMode(c.DeleteMode)
	opts := []mutation.Option{
		mutation.WithSaveMode(save),
		mutation.WithAssociatedMode(assoc),
		mutation.WithDeleteMode(del),
		mutation.WithMaxCommandJoinCount(c.MaxCommandJoinCount),
		mutation.WithMaxMutationDepth(c.MaxMutationDepth),
		mutation.WithMaxInListSize(c.MaxInListSize),
		mutation.WithDissociateCheckable(c.DefaultDissociateActionCheckable),
		mutation.WithAllOrNothing(c.AllOrNothing),
	}
	if c.TargetTransferable {
		opts = append(opts, mutation.WithTargetTransferable())
	}
	return opts
}

// tiers 进程内缓存层；redis 非空时加 Redis 层并用分布式锁
func (c Config) tiers(redisTier *cache.RedisConfig, locker cache.Locker) cache.Tiers {
	t := cache.Tiers{
		LRU:    &cache.LRUConfig{MaxSize: c.Cache.Capacity, TTL: c.Cache.TTL},
		Locker: locker,
		Lock:   cache.LockOptions{Wait: c.Cache.LockWait, Lease: c.Cache.LockLease},
	}
	if c.Cache.NumShards > 0 {
		t.Sturdyc = &cache.SturdycConfig{
			Capacity:           c.Cache.Capacity,
			NumShards:          c.Cache.NumShards,
			TTL:                c.Cache.TTL,
			EvictionPercentage: c.Cache.EvictionPercentage,
		}
	}
	if redisTier != nil {
		rc := *redisTier
		if rc.Prefix == "" {
			rc.Prefix = c.Cache.RedisPrefix
		}
		if rc.TTL == 0 {
			rc.TTL = c.Cache.TTL
		}
		if len(rc.Reasons) == 0 {
			rc.Reasons = []string{cache.ReasonTrigger}
		}
		t.Redis = &rc
		// 共享层只响应本进程的变更事件，进程内各层还要响应 NATS 广播
		local := []string{cache.ReasonTrigger, cache.ReasonNATS}
		t.LRU.Reasons = local
		if t.Sturdyc != nil {
			t.Sturdyc.Reasons = local
		}
	}
	return t
}
