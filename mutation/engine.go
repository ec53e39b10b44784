package mutation

import (
	"context"

	core "gorel/data/db"
	sqlb "gorel/data/db/sql"
	"gorel/data/orm"
	"gorel/data/orm/idgen"
	"gorel/errors"
	"gorel/logging"
	"gorel/trigger"
)

// Engine 保存/删除命令的入口，元数据与基础配置在多个命令间共享
type Engine struct {
	schema *orm.Schema
	exec   *Executor
	opts   Options
	idgens *idgen.Registry
	sink   trigger.Sink
	logger logging.Logger
}

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithDefaults 修改引擎的基础命令选项
func WithDefaults(opts ...Option) EngineOption {
	return func(e *Engine) {
		e.opts = e.opts.Apply(opts...)
	}
}

// WithSink 命令成功后把变更事件交给 sink
func WithSink(sink trigger.Sink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithIDGenerators 指定主键生成器注册表
func WithIDGenerators(r *idgen.Registry) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.idgens = r
		}
	}
}

// NewEngine 创建引擎
func NewEngine(schema *orm.Schema, exec *Executor, opts ...EngineOption) *Engine {
	e := &Engine{
		schema: schema,
		exec:   exec,
		opts:   DefaultOptions(),
		idgens: idgen.NewRegistry(),
		logger: logging.ComponentLogger("mutation"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schema 元数据
func (e *Engine) Schema() *orm.Schema { return e.schema }

// Options 基础命令选项的副本
func (e *Engine) Options() Options { return e.opts.Apply() }

// WithDB 返回在另一个连接（通常是事务）上执行的副本
func (e *Engine) WithDB(db core.IDatabase) *Engine {
	c := *e
	c.exec = e.exec.WithDB(db)
	return &c
}

// WithEventSink 返回使用另一个 sink 的副本
func (e *Engine) WithEventSink(sink trigger.Sink) *Engine {
	c := *e
	c.sink = sink
	return &c
}

func (e *Engine) newCommand(opts []Option) *command {
	o := e.opts.Apply(opts...)
	exec := e.exec.withTranslators(o.translators)
	return &command{
		schema:     e.schema,
		exec:       exec,
		builder:    sqlb.NewWithDialect(exec.DB(), exec.Dialect()),
		r:          renderer{d: exec.Dialect()},
		opts:       o,
		idgens:     e.idgens,
		counter:    newCounter(),
		events:     trigger.NewCollector(),
		emitEvents: e.sink != nil,
		logger:     e.logger,
	}
}

// finish 命令成功后提交事件
func (e *Engine) finish(ctx context.Context, cmd *command) error {
	if err := cmd.events.Flush(ctx, e.sink); err != nil {
		e.logger.Warn(ctx, "submit change events failed", logging.Error(err))
		return err
	}
	return nil
}

// DeleteResult 删除/脱钩命令的结果
type DeleteResult struct {
	AffectedRows
}

// Delete 按主键删除 t 的行，级联处理所有引用它的子表
func (e *Engine) Delete(ctx context.Context, t *orm.EntityType, ids []any, opts ...Option) (*DeleteResult, error) {
	cmd := e.newCommand(opts)
	if err := cmd.delete(ctx, t, ids); err != nil {
		cmd.events.Discard()
		return nil, err
	}
	if err := e.finish(ctx, cmd); err != nil {
		return nil, err
	}
	return &DeleteResult{AffectedRows: affectedRowsOf(cmd.counter)}, nil
}

// DeleteEntities 按实体值删除（只使用其主键）
func (e *Engine) DeleteEntities(ctx context.Context, entities []orm.Immutable, opts ...Option) (*DeleteResult, error) {
	if len(entities) == 0 {
		return &DeleteResult{AffectedRows: affectedRowsOf(newCounter())}, nil
	}
	t := entities[0].Type()
	ids := make([]any, 0, len(entities))
	for _, en := range entities {
		if en.Type() != t {
			return nil, newError(errors.ErrCodeInvalidInput, RootPath(t), "一次只能删除同一类型的实体", nil)
		}
		id, ok := orm.IDOf(en)
		if !ok {
			return nil, newError(errors.ErrCodeInvalidInput, RootPath(t), "删除的实体必须带主键", nil)
		}
		ids = append(ids, id)
	}
	return e.Delete(ctx, t, ids, opts...)
}

// DisconnectExcept 把 parentIDs 经 parentProp 关联的子对象中不在 retained 里的全部脱钩；
// 重复调用同样的参数不会产生额外的删除
func (e *Engine) DisconnectExcept(ctx context.Context, parentProp *orm.Prop, parentIDs []any, retained []RetainedPair, opts ...Option) (*DeleteResult, error) {
	cmd := e.newCommand(opts)
	if err := cmd.disconnectExcept(ctx, RootPath(parentProp.Owner()), parentProp, parentIDs, retained); err != nil {
		cmd.events.Discard()
		return nil, err
	}
	if err := e.finish(ctx, cmd); err != nil {
		return nil, err
	}
	return &DeleteResult{AffectedRows: affectedRowsOf(cmd.counter)}, nil
}

// Save 保存同一类型的实体图
func (e *Engine) Save(ctx context.Context, entities []orm.Immutable, opts ...Option) (*SaveResult, error) {
	cmd := e.newCommand(opts)
	result, err := cmd.save(ctx, entities)
	if err != nil {
		cmd.events.Discard()
		return nil, err
	}
	if err := e.finish(ctx, cmd); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveEntity 保存单个实体
func (e *Engine) SaveEntity(ctx context.Context, entity orm.Immutable, opts ...Option) (*SaveResult, error) {
	return e.Save(ctx, []orm.Immutable{entity}, opts...)
}
