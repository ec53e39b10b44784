package mutation

import (
	"fmt"
	"strings"

	"gorel/data/orm"
)

// SaveMode 根对象（以及由关联模式推导出的子对象）的保存方式
type SaveMode int

const (
	// SaveUpsert 存在则更新，否则插入
	SaveUpsert SaveMode = iota
	SaveInsertOnly
	SaveUpdateOnly
	// SaveInsertIfAbsent 只插入不存在的行，已存在的行保持不变
	SaveInsertIfAbsent
)

func (m SaveMode) String() string {
	switch m {
	case SaveUpsert:
		return "UPSERT"
	case SaveInsertOnly:
		return "INSERT_ONLY"
	case SaveUpdateOnly:
		return "UPDATE_ONLY"
	case SaveInsertIfAbsent:
		return "INSERT_IF_ABSENT"
	default:
		return fmt.Sprintf("SaveMode(%d)", int(m))
	}
}

// ParseSaveMode 解析配置中的保存模式名
func ParseSaveMode(s string) (SaveMode, error) {
	switch strings.ToUpper(s) {
	case "", "UPSERT":
		return SaveUpsert, nil
	case "INSERT_ONLY":
		return SaveInsertOnly, nil
	case "UPDATE_ONLY":
		return SaveUpdateOnly, nil
	case "INSERT_IF_ABSENT":
		return SaveInsertIfAbsent, nil
	default:
		return SaveUpsert, fmt.Errorf("unknown save mode %q", s)
	}
}

// AssociatedSaveMode 关联对象的保存方式
type AssociatedSaveMode int

const (
	// AssociatedReplace 保存给出的子对象，并脱钩数据库中未出现的旧子对象
	AssociatedReplace AssociatedSaveMode = iota
	// AssociatedAppend 只插入
	AssociatedAppend
	// AssociatedAppendIfAbsent 只插入不存在的
	AssociatedAppendIfAbsent
	// AssociatedUpdate 只更新
	AssociatedUpdate
	// AssociatedMerge 插入或更新，从不脱钩
	AssociatedMerge
)

func (m AssociatedSaveMode) String() string {
	switch m {
	case AssociatedReplace:
		return "REPLACE"
	case AssociatedAppend:
		return "APPEND"
	case AssociatedAppendIfAbsent:
		return "APPEND_IF_ABSENT"
	case AssociatedUpdate:
		return "UPDATE"
	case AssociatedMerge:
		return "MERGE"
	default:
		return fmt.Sprintf("AssociatedSaveMode(%d)", int(m))
	}
}

// ParseAssociatedSaveMode 解析配置中的关联保存模式名
func ParseAssociatedSaveMode(s string) (AssociatedSaveMode, error) {
	switch strings.ToUpper(s) {
	case "", "REPLACE":
		return AssociatedReplace, nil
	case "APPEND":
		return AssociatedAppend, nil
	case "APPEND_IF_ABSENT":
		return AssociatedAppendIfAbsent, nil
	case "UPDATE":
		return AssociatedUpdate, nil
	case "MERGE":
		return AssociatedMerge, nil
	default:
		return AssociatedReplace, fmt.Errorf("unknown associated save mode %q", s)
	}
}

// saveMode 关联模式对应的子对象保存模式
func (m AssociatedSaveMode) saveMode() SaveMode {
	switch m {
	case AssociatedAppend:
		return SaveInsertOnly
	case AssociatedAppendIfAbsent:
		return SaveInsertIfAbsent
	case AssociatedUpdate:
		return SaveUpdateOnly
	default:
		return SaveUpsert
	}
}

// DeleteMode 删除方式
type DeleteMode int

const (
	// DeleteAuto 根对象支持逻辑删除则逻辑删除，级联的子对象物理删除
	DeleteAuto DeleteMode = iota
	// DeleteAutomaticLogical 每一层支持逻辑删除的都逻辑删除
	DeleteAutomaticLogical
	// DeleteLogical 根对象必须支持逻辑删除
	DeleteLogical
	DeletePhysical
)

func (m DeleteMode) String() string {
	switch m {
	case DeleteAuto:
		return "AUTO"
	case DeleteAutomaticLogical:
		return "AUTOMATIC_LOGICAL"
	case DeleteLogical:
		return "LOGICAL"
	case DeletePhysical:
		return "PHYSICAL"
	default:
		return fmt.Sprintf("DeleteMode(%d)", int(m))
	}
}

// ParseDeleteMode 解析配置中的删除模式名
func ParseDeleteMode(s string) (DeleteMode, error) {
	switch strings.ToUpper(s) {
	case "", "AUTO":
		return DeleteAuto, nil
	case "AUTOMATIC_LOGICAL":
		return DeleteAutomaticLogical, nil
	case "LOGICAL":
		return DeleteLogical, nil
	case "PHYSICAL":
		return DeletePhysical, nil
	default:
		return DeleteAuto, fmt.Errorf("unknown delete mode %q", s)
	}
}

// LockMode 更新时的并发控制方式
type LockMode int

const (
	// LockAuto 有版本属性且已加载时使用乐观锁
	LockAuto LockMode = iota
	// LockOptimistic 要求实体带版本，否则 NO_VERSION
	LockOptimistic
	// LockPessimistic 存在性探测使用 SELECT ... FOR UPDATE
	LockPessimistic
)

func (m LockMode) String() string {
	switch m {
	case LockAuto:
		return "AUTO"
	case LockOptimistic:
		return "OPTIMISTIC"
	case LockPessimistic:
		return "PESSIMISTIC"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// 默认限制
const (
	DefaultMaxCommandJoinCount = 2
	DefaultMaxMutationDepth    = 32
	DefaultMaxInListSize       = 1000
)

// Options 命令选项；引擎持有一份基础配置，单次命令通过 Option 覆盖
type Options struct {
	SaveMode       SaveMode
	AssociatedMode AssociatedSaveMode
	DeleteMode     DeleteMode
	LockMode       LockMode

	// MaxCommandJoinCount 脱钩谓词允许嵌套的子查询层数
	MaxCommandJoinCount int
	// MaxMutationDepth 级联/保存允许的最大关联深度
	MaxMutationDepth int
	// MaxInListSize IN 列表中字面量的上限
	MaxInListSize int

	// DissociateCheckable NONE 的默认解释：true 为 CHECK，false 为 LAX
	DissociateCheckable bool
	// AllOrNothing 乐观锁失败时整条命令失败；默认关闭，只把失败的实体记入 SaveResult.Failures
	AllOrNothing bool
	// TargetTransferable 是否允许子对象从另一个父对象转移过来
	TargetTransferable bool
	// AutoCheckingAll 对全部只含主键的引用先做存在性探测
	AutoCheckingAll bool

	associatedModes   map[*orm.Prop]AssociatedSaveMode
	dissociateActions map[*orm.Prop]DissociateAction
	transferable      map[*orm.Prop]bool
	autoChecking      map[*orm.Prop]bool
	keyOnlyAsRef      map[*orm.Prop]bool
	keyProps          map[*orm.EntityType][]*orm.Prop
	translators       []ExceptionTranslator
}

// Option 修改 Options
type Option func(*Options)

// DefaultOptions 默认选项
func DefaultOptions() Options {
	return Options{
		SaveMode:            SaveUpsert,
		AssociatedMode:      AssociatedReplace,
		DeleteMode:          DeleteAuto,
		LockMode:            LockAuto,
		MaxCommandJoinCount: DefaultMaxCommandJoinCount,
		MaxMutationDepth:    DefaultMaxMutationDepth,
		MaxInListSize:       DefaultMaxInListSize,
		DissociateCheckable: true,
	}
}

// Apply 在副本上应用选项，不修改接收者
func (o Options) Apply(opts ...Option) Options {
	out := o
	out.associatedModes = cloneMap(o.associatedModes)
	out.dissociateActions = cloneMap(o.dissociateActions)
	out.transferable = cloneMap(o.transferable)
	out.autoChecking = cloneMap(o.autoChecking)
	out.keyOnlyAsRef = cloneMap(o.keyOnlyAsRef)
	out.keyProps = cloneMap(o.keyProps)
	out.translators = append([]ExceptionTranslator(nil), o.translators...)
	for _, opt := range opts {
		opt(&out)
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// WithSaveMode 设置根对象保存模式
func WithSaveMode(mode SaveMode) Option {
	return func(o *Options) {
		o.SaveMode = mode
	}
}

// WithAssociatedMode 设置默认关联保存模式
func WithAssociatedMode(mode AssociatedSaveMode) Option {
	return func(o *Options) {
		o.AssociatedMode = mode
	}
}

// WithAssociatedModeFor 单个关联属性的保存模式
func WithAssociatedModeFor(prop *orm.Prop, mode AssociatedSaveMode) Option {
	return func(o *Options) {
		o.associatedModes[prop] = mode
	}
}

// WithDeleteMode 设置删除模式
func WithDeleteMode(mode DeleteMode) Option {
	return func(o *Options) {
		o.DeleteMode = mode
	}
}

// WithLockMode 设置并发控制方式
func WithLockMode(mode LockMode) Option {
	return func(o *Options) {
		o.LockMode = mode
	}
}

// WithDissociateAction 覆盖某个外键属性的脱钩动作
func WithDissociateAction(backProp *orm.Prop, action DissociateAction) Option {
	return func(o *Options) {
		o.dissociateActions[backProp] = action
	}
}

// WithDissociateCheckable 设置 NONE 的默认解释
func WithDissociateCheckable(checkable bool) Option {
	return func(o *Options) {
		o.DissociateCheckable = checkable
	}
}

// WithMaxCommandJoinCount 设置子查询嵌套上限
func WithMaxCommandJoinCount(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxCommandJoinCount = n
		}
	}
}

// WithMaxMutationDepth 设置关联深度上限。
// 保存与级联删除的递归层数只受它约束，超过即 MUTATION_TOO_DEEP；
// MaxCommandJoinCount 不限制递归，只让超过它的层改用先查主键再分批执行
func WithMaxMutationDepth(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxMutationDepth = n
		}
	}
}

// WithMaxInListSize 设置 IN 列表字面量上限
func WithMaxInListSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxInListSize = n
		}
	}
}

// WithAllOrNothing 乐观锁失败时是否整体失败
func WithAllOrNothing(v bool) Option {
	return func(o *Options) {
		o.AllOrNothing = v
	}
}

// WithTargetTransferable 允许子对象转移；不传属性时对全部一对多关联生效
func WithTargetTransferable(props ...*orm.Prop) Option {
	return func(o *Options) {
		if len(props) == 0 {
			o.TargetTransferable = true
			return
		}
		for _, p := range props {
			o.transferable[p] = true
		}
	}
}

// WithAutoChecking 对只含主键的引用先探测目标是否存在；不传属性时对全部引用生效
func WithAutoChecking(props ...*orm.Prop) Option {
	return func(o *Options) {
		if len(props) == 0 {
			o.AutoCheckingAll = true
			return
		}
		for _, p := range props {
			o.autoChecking[p] = true
		}
	}
}

// WithKeyOnlyAsReference 这些多对一属性的目标只含业务键时按键查找已有行作为引用，不保存目标
func WithKeyOnlyAsReference(props ...*orm.Prop) Option {
	return func(o *Options) {
		for _, p := range props {
			o.keyOnlyAsRef[p] = true
		}
	}
}

// WithKeyProps 指定某类型匹配已有行时使用的业务键
func WithKeyProps(t *orm.EntityType, props ...*orm.Prop) Option {
	return func(o *Options) {
		o.keyProps[t] = props
	}
}

// WithExceptionTranslator 追加异常翻译器（先于默认翻译器执行）
func WithExceptionTranslator(t ExceptionTranslator) Option {
	return func(o *Options) {
		if t != nil {
			o.translators = append(o.translators, t)
		}
	}
}

func (o *Options) associatedModeOf(p *orm.Prop) AssociatedSaveMode {
	if m, ok := o.associatedModes[p]; ok {
		return m
	}
	return o.AssociatedMode
}

func (o *Options) isTransferable(p *orm.Prop) bool {
	return o.TargetTransferable || o.transferable[p]
}

func (o *Options) isKeyOnlyAsReference(p *orm.Prop) bool {
	return o.keyOnlyAsRef[p]
}

func (o *Options) isAutoChecking(p *orm.Prop) bool {
	return o.AutoCheckingAll || o.autoChecking[p]
}

// keyPropsOf 返回类型的匹配键：命令级覆盖优先，其次默认分组，再其次第一个分组
func (o *Options) keyPropsOf(t *orm.EntityType) []*orm.Prop {
	if props, ok := o.keyProps[t]; ok {
		return props
	}
	if props := t.KeyProps(""); len(props) > 0 {
		return props
	}
	for _, g := range t.KeyGroups() {
		if props := t.KeyProps(g); len(props) > 0 {
			return props
		}
	}
	return nil
}
