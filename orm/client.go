// Package orm 组装保存、删除、抓取与缓存，对外提供统一的客户端
package orm

import (
	"context"

	"github.com/redis/go-redis/v9"

	"gorel/cache"
	core "gorel/data/db"
	"gorel/data/db/dialect"
	meta "gorel/data/orm"
	"gorel/data/orm/idgen"
	"gorel/errors"
	"gorel/fetcher"
	"gorel/logging"
	"gorel/messaging"
	"gorel/mutation"
	"gorel/trigger"
)

type clientOptions struct {
	caches         *cache.Registry
	cachedTypes    []*meta.EntityType
	redis          redis.UniversalClient
	nats           *cache.NATSInvalidationBus
	bus            messaging.IMessageBus
	sinks          []trigger.Sink
	idgens         map[string]idgen.Generator
	translators    []mutation.ExceptionTranslator
	stmtListeners  []mutation.StatementListener
	queryListeners []fetcher.QueryListener
}

// Option 客户端选项
type Option func(*clientOptions)

// WithCacheRegistry 使用调用方组装好的缓存登记表
func WithCacheRegistry(r *cache.Registry) Option {
	return func(o *clientOptions) { o.caches = r }
}

// WithCache 按配置为这些实体类型及其全部关联建立缓存链
func WithCache(types ...*meta.EntityType) Option {
	return func(o *clientOptions) { o.cachedTypes = append(o.cachedTypes, types...) }
}

// WithRedis 缓存链加上 Redis 共享层，回源加分布式锁
func WithRedis(client redis.UniversalClient) Option {
	return func(o *clientOptions) { o.redis = client }
}

// WithNATS 本地失效后经 NATS 广播；bus 的 Start 由调用方负责
func WithNATS(bus *cache.NATSInvalidationBus) Option {
	return func(o *clientOptions) { o.nats = bus }
}

// WithMessageBus 变更事件发布到消息总线，缓存失效改为订阅总线
func WithMessageBus(bus messaging.IMessageBus) Option {
	return func(o *clientOptions) { o.bus = bus }
}

// WithEventSink 额外接收提交后的变更事件
func WithEventSink(s trigger.Sink) Option {
	return func(o *clientOptions) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithIDGenerator 注册主键生成器，覆盖配置中的默认生成器
func WithIDGenerator(name string, g idgen.Generator) Option {
	return func(o *clientOptions) {
		if o.idgens == nil {
			o.idgens = make(map[string]idgen.Generator)
		}
		o.idgens[name] = g
	}
}

// WithExceptionTranslator 追加基础异常翻译器
func WithExceptionTranslator(t mutation.ExceptionTranslator) Option {
	return func(o *clientOptions) { o.translators = append(o.translators, t) }
}

// WithStatementListener 监听写语句
func WithStatementListener(l mutation.StatementListener) Option {
	return func(o *clientOptions) { o.stmtListeners = append(o.stmtListeners, l) }
}

// WithQueryListener 监听抓取查询
func WithQueryListener(l fetcher.QueryListener) Option {
	return func(o *clientOptions) { o.queryListeners = append(o.queryListeners, l) }
}

// Client 客户端，可被并发共享；Transaction 内得到绑定事务的副本
type Client struct {
	db      core.IDatabase
	schema  *meta.Schema
	cfg     Config
	dialect dialect.Dialect

	engine    *mutation.Engine
	fetcher   *fetcher.Fetcher
	fetchOpts []fetcher.Option
	caches    *cache.Registry

	// committed 提交后接收事件（缓存失效、总线、调用方 sink）
	committed trigger.Sink
	inTx      bool
	logger    logging.Logger
}

// New 组装客户端
func New(db core.IDatabase, schema *meta.Schema, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "orm 配置无效")
	}
	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	d := dialect.New(cfg.Dialect)
	if cfg.Dialect == "" {
		d = dialect.FromDatabase(db)
	}
	idgens, err := buildIDGenerators(schema, cfg, o.idgens)
	if err != nil {
		return nil, err
	}

	c := &Client{
		db:      db,
		schema:  schema,
		cfg:     cfg,
		dialect: d,
		caches:  o.caches,
		logger:  logging.ComponentLogger("orm"),
	}
	c.registerCaches(o)

	var committed trigger.MultiSink
	if c.caches != nil {
		var invOpts []cache.InvalidatorOption
		if o.nats != nil {
			c.caches.AttachAll(o.nats)
			invOpts = append(invOpts, cache.WithBroadcaster(o.nats))
		}
		inv := cache.NewInvalidator(c.caches, invOpts...)
		if o.bus != nil {
			if err := inv.Subscribe(context.Background(), o.bus); err != nil {
				return nil, errors.WrapError(err, errors.ErrCodeInternal, "订阅变更事件失败")
			}
		} else {
			committed = append(committed, inv)
		}
	}
	if o.bus != nil {
		committed = append(committed, trigger.NewBusSink(o.bus))
	}
	committed = append(committed, o.sinks...)
	c.committed = committed

	execOpts := []mutation.ExecutorOption{mutation.WithTranslators(o.translators...)}
	for _, l := range o.stmtListeners {
		execOpts = append(execOpts, mutation.WithStatementListener(l))
	}
	exec := mutation.NewExecutor(db, d, execOpts...)
	c.engine = mutation.NewEngine(schema, exec,
		mutation.WithDefaults(cfg.commandOptions()...),
		mutation.WithIDGenerators(idgens),
		mutation.WithSink(trigger.MultiSink{sessionSink{}, c.committed}),
	)

	c.fetchOpts = []fetcher.Option{fetcher.WithMaxInListSize(cfg.MaxInListSize)}
	for _, l := range o.queryListeners {
		c.fetchOpts = append(c.fetchOpts, fetcher.WithQueryListener(l))
	}
	c.fetcher = fetcher.New(db, d, append([]fetcher.Option{fetcher.WithCaches(c.caches)}, c.fetchOpts...)...)
	return c, nil
}

// registerCaches 按配置为 WithCache 指定的类型建立缓存链
func (c *Client) registerCaches(o *clientOptions) {
	if len(o.cachedTypes) == 0 {
		return
	}
	if c.caches == nil {
		c.caches = cache.NewRegistry()
	}
	var locker cache.Locker = cache.NewLocalLocker()
	var redisTier *cache.RedisConfig
	if o.redis != nil {
		locker = cache.NewRedisLocker(o.redis, c.cfg.Cache.RedisPrefix+"lock:")
		redisTier = &cache.RedisConfig{Client: o.redis}
	}
	tiers := c.cfg.tiers(redisTier, locker)
	for _, t := range o.cachedTypes {
		c.caches.RegisterObject(t, cache.NewObjectChain(t, tiers))
		for _, p := range t.Props() {
			if p.IsAssociation() {
				c.caches.RegisterAssociation(p, cache.NewAssociationChain(p, tiers))
			}
		}
	}
}

func buildIDGenerators(schema *meta.Schema, cfg Config, explicit map[string]idgen.Generator) (*idgen.Registry, error) {
	reg := idgen.NewRegistry()
	var def idgen.Generator
	switch cfg.IDGenerator {
	case IDGeneratorSnowflake:
		g, err := idgen.NewSnowflake(cfg.Snowflake.DatacenterID, cfg.Snowflake.WorkerID)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeValidation, "雪花 ID 配置无效")
		}
		def = g
	case IDGeneratorUUID:
		def = idgen.UUID{}
	}
	if def != nil {
		for _, t := range schema.Types() {
			if t.IDStrategy() == meta.IDGenerated {
				reg.Register(t.GeneratorName(), def)
			}
		}
	}
	for name, g := range explicit {
		reg.Register(name, g)
	}
	return reg, nil
}

// sessionSink 写操作后让同一逻辑操作中抓取会话里的旧行失效
type sessionSink struct{}

func (sessionSink) Submit(ctx context.Context, events []trigger.Event) error {
	for _, e := range events {
		fetcher.Invalidate(ctx, e.ChangedType())
	}
	return nil
}

func (c *Client) Schema() *meta.Schema        { return c.schema }
func (c *Client) Config() Config              { return c.cfg }
func (c *Client) Dialect() dialect.Dialect    { return c.dialect }
func (c *Client) Engine() *mutation.Engine    { return c.engine }
func (c *Client) Fetcher() *fetcher.Fetcher   { return c.fetcher }
func (c *Client) DB() core.IDatabase          { return c.db }
func (c *Client) Caches() *cache.Registry     { return c.caches }
func (c *Client) InTransaction() bool         { return c.inTx }

// Save 保存实体图
func (c *Client) Save(ctx context.Context, entities []meta.Immutable, opts ...mutation.Option) (*mutation.SaveResult, error) {
	return c.engine.Save(ctx, entities, opts...)
}

// SaveEntity 保存单个实体图
func (c *Client) SaveEntity(ctx context.Context, entity meta.Immutable, opts ...mutation.Option) (*mutation.SaveResult, error) {
	return c.engine.SaveEntity(ctx, entity, opts...)
}

// Delete 按主键删除
func (c *Client) Delete(ctx context.Context, t *meta.EntityType, ids []any, opts ...mutation.Option) (*mutation.DeleteResult, error) {
	return c.engine.Delete(ctx, t, ids, opts...)
}

// DeleteEntities 按实体删除（读取实体主键）
func (c *Client) DeleteEntities(ctx context.Context, entities []meta.Immutable, opts ...mutation.Option) (*mutation.DeleteResult, error) {
	return c.engine.DeleteEntities(ctx, entities, opts...)
}

// Fetch 按计划就地填充 drafts
func (c *Client) Fetch(ctx context.Context, drafts []*meta.Object, plan *fetcher.Plan) error {
	return c.fetcher.Fetch(ctx, drafts, plan)
}

// FindByIDs 按主键加载并按计划填充
func (c *Client) FindByIDs(ctx context.Context, plan *fetcher.Plan, ids []any) ([]*meta.Object, error) {
	return c.fetcher.FindByIDs(ctx, plan, ids)
}

// Transaction 在事务中执行 fn
//
// fn 返回错误或 panic 时回滚；提交成功后才把变更事件交给缓存失效与其他 sink。
// 事务内的抓取不经过缓存，避免未提交的数据进入共享缓存。嵌套调用复用外层事务。
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Client) error) (err error) {
	if c.inTx {
		return fn(ctx, c)
	}
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return errors.WrapDatabase(ctx, err, "开启事务")
	}

	pending := trigger.NewCollector()
	txc := *c
	txc.db = tx
	txc.inTx = true
	txc.engine = c.engine.WithDB(tx).WithEventSink(trigger.MultiSink{
		sessionSink{},
		trigger.SinkFunc(func(_ context.Context, events []trigger.Event) error {
			pending.Add(events...)
			return nil
		}),
	})
	txc.fetcher = fetcher.New(tx, c.dialect, c.fetchOpts...)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &txc); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			c.logger.Warn(ctx, "rollback failed", logging.Error(rbErr))
		}
		pending.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapDatabase(ctx, err, "提交事务")
	}
	if err := pending.Flush(ctx, c.committed); err != nil {
		c.logger.Warn(ctx, "submit committed events failed", logging.Error(err))
		return err
	}
	return nil
}
