package mutation

import (
	"fmt"
	"sort"
)

// AffectedKind 受影响表的种类
type AffectedKind int

const (
	KindEntity AffectedKind = iota
	KindMiddleTable
)

func (k AffectedKind) String() string {
	if k == KindMiddleTable {
		return "middle"
	}
	return "entity"
}

// AffectedTable 计数维度：表名 + 种类
type AffectedTable struct {
	Table string
	Kind  AffectedKind
}

func (a AffectedTable) String() string {
	return fmt.Sprintf("%s(%s)", a.Table, a.Kind)
}

// Counter 单次命令内累加各表的影响行数
type Counter struct {
	counts map[AffectedTable]int64
}

func newCounter() *Counter {
	return &Counter{counts: make(map[AffectedTable]int64)}
}

// Add 累加；n <= 0 时仍登记该表，便于结果中体现“执行过但无影响”
func (c *Counter) Add(table AffectedTable, n int64) {
	if n < 0 {
		n = 0
	}
	c.counts[table] += n
}

func (c *Counter) snapshot() map[AffectedTable]int64 {
	out := make(map[AffectedTable]int64, len(c.counts))
	for k, v := range c.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (c *Counter) total() int64 {
	var sum int64
	for _, v := range c.counts {
		sum += v
	}
	return sum
}

// AffectedRows 命令结果中公共的计数部分
type AffectedRows struct {
	AffectedRowCountMap   map[AffectedTable]int64
	TotalAffectedRowCount int64
}

func affectedRowsOf(c *Counter) AffectedRows {
	return AffectedRows{
		AffectedRowCountMap:   c.snapshot(),
		TotalAffectedRowCount: c.total(),
	}
}

// RowCount 按表名汇总（实体表与中间表同名时合并）
func (a AffectedRows) RowCount(table string) int64 {
	var n int64
	for k, v := range a.AffectedRowCountMap {
		if k.Table == table {
			n += v
		}
	}
	return n
}

// CountsByTable 以表名为键的计数，便于断言与日志
func (a AffectedRows) CountsByTable() map[string]int64 {
	out := make(map[string]int64, len(a.AffectedRowCountMap))
	for k, v := range a.AffectedRowCountMap {
		out[k.Table] += v
	}
	return out
}

// Tables 按表名排序的受影响表
func (a AffectedRows) Tables() []AffectedTable {
	out := make([]AffectedTable, 0, len(a.AffectedRowCountMap))
	for k := range a.AffectedRowCountMap {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}
