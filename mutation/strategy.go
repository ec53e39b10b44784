package mutation

import "fmt"

// Strategy 脱钩谓词的渲染方式
type Strategy int

const (
	// StrategySimpleIn 单列：FK = ? AND ID NOT IN (?, ?)
	StrategySimpleIn Strategy = iota
	// StrategyTupleIn 多列：(A, B) NOT IN ((?, ?), (?, ?))
	StrategyTupleIn
	// StrategySelectThenBatch 先查出要处理的行，再逐行批量执行
	StrategySelectThenBatch
)

func (s Strategy) String() string {
	switch s {
	case StrategySimpleIn:
		return "SIMPLE_IN"
	case StrategyTupleIn:
		return "TUPLE_IN"
	case StrategySelectThenBatch:
		return "SELECT_THEN_BATCH"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// StrategyInput 选择策略所需的全部输入
type StrategyInput struct {
	// TupleIn 方言是否支持元组比较
	TupleIn bool
	// ParentCount 父主键个数（子查询算作 1）
	ParentCount int
	// ParentArity 父主键（即子表外键）的列数
	ParentArity int
	// RetainedCount 保留的子对象个数
	RetainedCount int
	// KeyArity 谓词中参与比较的最大列数
	KeyArity int
	// Depth 当前谓词的子查询嵌套层数
	Depth int

	MaxCommandJoinCount int
	MaxInListSize       int
}

// ChooseStrategy 纯函数，按固定顺序判断：
//  1. 嵌套层数超过 MaxCommandJoinCount；
//  2. 字面量个数超过 MaxInListSize；
//  3. 多列比较但方言不支持元组；
//
// 以上任一成立即 SelectThenBatch，否则单列 SimpleIn、多列 TupleIn。
func ChooseStrategy(in StrategyInput) Strategy {
	if in.Depth > in.MaxCommandJoinCount {
		return StrategySelectThenBatch
	}
	parentArity := in.ParentArity
	if parentArity < 1 {
		parentArity = 1
	}
	literals := in.ParentCount*parentArity + in.RetainedCount*in.KeyArity
	if in.MaxInListSize > 0 && literals > in.MaxInListSize {
		return StrategySelectThenBatch
	}
	arity := in.KeyArity
	if parentArity > arity {
		arity = parentArity
	}
	if arity > 1 && !in.TupleIn {
		return StrategySelectThenBatch
	}
	if arity <= 1 {
		return StrategySimpleIn
	}
	return StrategyTupleIn
}
