// Package fetcher 按计划批量填充已加载实体上的标量与关联属性
//
// 每个 (路径, 属性) 一个任务，任务内的全部父对象按批次合并查询；
// 新加载的子对象上的嵌套计划继续入队，直到队列为空。
package fetcher

import (
	"context"
	"fmt"

	"gorel/cache"
	core "gorel/data/db"
	"gorel/data/db/dialect"
	"gorel/data/orm"
	"gorel/errors"
	"gorel/logging"
)

// Query 一次查询的记录
type Query struct {
	SQL  string
	Args []any
	Path string
	Rows int
}

// QueryListener 每次查询后回调，测试用它统计往返次数
type QueryListener func(ctx context.Context, q Query)

// Fetcher 批量加载器，可被并发共享
type Fetcher struct {
	db            core.IDatabase
	dialect       dialect.Dialect
	caches        *cache.Registry
	maxInListSize int
	listeners     []QueryListener
	logger        logging.Logger
}

// Option 加载器选项
type Option func(*Fetcher)

// WithCaches 通过缓存链读取对象与关联
func WithCaches(r *cache.Registry) Option {
	return func(f *Fetcher) { f.caches = r }
}

// WithMaxInListSize 单条查询 IN 列表的上限
func WithMaxInListSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxInListSize = n
		}
	}
}

// WithQueryListener 注册查询监听器
func WithQueryListener(l QueryListener) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.listeners = append(f.listeners, l)
		}
	}
}

// New 创建加载器
func New(db core.IDatabase, d dialect.Dialect, opts ...Option) *Fetcher {
	f := &Fetcher{
		db:            db,
		dialect:       d,
		maxInListSize: 1000,
		logger:        logging.ComponentLogger("fetcher"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithDB 返回绑定到另一个连接（通常是事务）的副本
func (f *Fetcher) WithDB(db core.IDatabase) *Fetcher {
	c := *f
	c.db = db
	return &c
}

// Caches 当前使用的缓存登记表，可能为 nil
func (f *Fetcher) Caches() *cache.Registry { return f.caches }

// Fetch 按计划就地填充 drafts
//
// drafts 必须与计划同类型且已加载主键。ctx 上已有会话时复用会话中的已加载行。
func (f *Fetcher) Fetch(ctx context.Context, drafts []*orm.Object, plan *Plan) error {
	if plan == nil || len(drafts) == 0 {
		return nil
	}
	for _, d := range drafts {
		if d == nil || d.Type() != plan.typ {
			return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("%s 的抓取计划不能用于 %v", plan.typ.Name(), d))
		}
		if _, ok := orm.IDOf(d); !ok {
			return errors.NewError(errors.ErrCodeInvalidInput, "被抓取的对象没有主键").
				WithContext("type", plan.typ.Name())
		}
		if d.IsFrozen() {
			return errors.NewError(errors.ErrCodeInvalidInput, "被抓取的对象是只读的").
				WithContext("type", plan.typ.Name())
		}
	}
	ctx = WithSession(ctx)
	r := f.newRun(ctx)
	r.enqueue(plan, plan.typ.Name(), drafts)
	return r.drain(ctx)
}

// FindByIDs 按主键加载对象（经对象缓存）再按计划填充，结果与 ids 同序，不存在的跳过
func (f *Fetcher) FindByIDs(ctx context.Context, plan *Plan, ids []any) ([]*orm.Object, error) {
	ctx = WithSession(ctx)
	r := f.newRun(ctx)
	rows, err := r.loadRows(ctx, plan.typ.Name(), plan.typ, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*orm.Object, 0, len(ids))
	seen := make(map[any]bool, len(ids))
	for _, id := range ids {
		k := orm.KeyOf(id)
		if seen[k] {
			continue
		}
		seen[k] = true
		if row := rows[k]; row != nil {
			out = append(out, row.Clone())
		}
	}
	if len(out) == 0 {
		return out, nil
	}
	r.enqueue(plan, plan.typ.Name(), out)
	return out, r.drain(ctx)
}

// task 某路径上某属性的待加载父对象
type task struct {
	path   string
	field  *Field
	depth  int
	owners []*orm.Object
}

// run 一次 Fetch 调用的任务队列，只由当前调用使用
type run struct {
	f       *Fetcher
	session *session
	order   []string
	tasks   map[string]*task
}

func (f *Fetcher) newRun(ctx context.Context) *run {
	s, ok := sessionFrom(ctx)
	if !ok {
		s = newSession()
	}
	return &run{f: f, session: s, tasks: make(map[string]*task)}
}

func (r *run) enqueue(plan *Plan, path string, owners []*orm.Object) {
	if plan == nil || len(owners) == 0 {
		return
	}
	for _, field := range plan.fields {
		if field.prop.IsID() {
			continue
		}
		if field.recursion != nil {
			r.addRecursive(path, field, 1, owners)
			continue
		}
		r.add(path+"."+field.prop.Name(), field, 0, owners)
	}
}

// addRecursive 只把策略允许在 depth 层展开的对象入队
func (r *run) addRecursive(path string, field *Field, depth int, owners []*orm.Object) {
	if depth > DefaultMaxRecursionDepth {
		return
	}
	var expand []*orm.Object
	for _, o := range owners {
		if field.recursion(o, depth) {
			expand = append(expand, o)
		}
	}
	r.add(path+"."+field.prop.Name(), field, depth, expand)
}

func (r *run) add(path string, field *Field, depth int, owners []*orm.Object) {
	if len(owners) == 0 {
		return
	}
	if t, ok := r.tasks[path]; ok && t.field == field {
		t.owners = append(t.owners, owners...)
		return
	}
	if _, ok := r.tasks[path]; ok {
		// 同一路径上出现了不同的属性定义，按属性再区分
		path = fmt.Sprintf("%s#%p", path, field)
		if t, ok := r.tasks[path]; ok {
			t.owners = append(t.owners, owners...)
			return
		}
	}
	r.order = append(r.order, path)
	r.tasks[path] = &task{path: path, field: field, depth: depth, owners: owners}
}

// drain 先进先出处理任务，直到没有新任务产生
func (r *run) drain(ctx context.Context) error {
	for len(r.order) > 0 {
		path := r.order[0]
		r.order = r.order[1:]
		t := r.tasks[path]
		delete(r.tasks, path)
		if err := r.execute(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) execute(ctx context.Context, t *task) error {
	keys, groups := groupOwners(t.owners)
	size := t.field.batch()
	var children []*orm.Object
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		if !t.field.prop.IsAssociation() {
			if err := r.loadScalars(ctx, t, batch, groups); err != nil {
				return err
			}
			continue
		}
		attached, err := r.loadAssociation(ctx, t, batch, groups)
		if err != nil {
			return err
		}
		children = append(children, attached...)
	}
	if len(children) == 0 {
		return nil
	}
	r.enqueue(t.field.child, t.path, children)
	if t.field.recursion != nil {
		r.addRecursive(t.path, t.field, t.depth+1, children)
	}
	return nil
}

// groupOwners 按主键分组，同一主键可能对应多个对象实例
func groupOwners(owners []*orm.Object) ([]any, map[any][]*orm.Object) {
	groups := make(map[any][]*orm.Object, len(owners))
	var keys []any
	for _, o := range owners {
		id, ok := orm.IDOf(o)
		if !ok {
			continue
		}
		k := orm.KeyOf(id)
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], o)
	}
	return keys, groups
}
