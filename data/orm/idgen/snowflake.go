package idgen

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorel/data/orm"
)

const (
	// 起始时间戳 (2023-01-01 00:00:00 UTC)
	epoch int64 = 1672531200000

	// 各部分位数
	workerIDBits     = 5
	datacenterIDBits = 5
	sequenceBits     = 12

	// 最大值
	maxWorkerID     = -1 ^ (-1 << workerIDBits)     // 31
	maxDatacenterID = -1 ^ (-1 << datacenterIDBits) // 31
	maxSequence     = -1 ^ (-1 << sequenceBits)     // 4095

	// 位移
	workerIDShift      = sequenceBits
	datacenterIDShift  = sequenceBits + workerIDBits
	timestampLeftShift = sequenceBits + workerIDBits + datacenterIDBits

	// 默认配置
	DefaultDatacenterID int64 = 1
	DefaultWorkerID     int64 = 1
)

// Snowflake 雪花算法主键生成器，生成 int64 主键
type Snowflake struct {
	mux           sync.Mutex
	datacenterID  int64
	workerID      int64
	sequence      int64
	lastTimestamp int64
}

// NewSnowflake 创建雪花算法生成器
func NewSnowflake(datacenterID, workerID int64) (*Snowflake, error) {
	if datacenterID < 0 || datacenterID > maxDatacenterID {
		return nil, errors.New("datacenter ID out of range")
	}

	if workerID < 0 || workerID > maxWorkerID {
		return nil, errors.New("worker ID out of range")
	}

	return &Snowflake{
		datacenterID:  datacenterID,
		workerID:      workerID,
		sequence:      0,
		lastTimestamp: -1,
	}, nil
}

// NextID 生成下一个ID
func (g *Snowflake) NextID() (int64, error) {
	g.mux.Lock()
	defer g.mux.Unlock()

	now := time.Now().UnixNano() / 1e6

	if now < g.lastTimestamp {
		return 0, errors.New("clock moved backwards, refusing to generate id")
	}

	if now == g.lastTimestamp {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// 序列号用完，等待下一毫秒
			for now <= g.lastTimestamp {
				now = time.Now().UnixNano() / 1e6
			}
		}
	} else {
		g.sequence = 0
	}

	g.lastTimestamp = now

	id := ((now - epoch) << timestampLeftShift) |
		(g.datacenterID << datacenterIDShift) |
		(g.workerID << workerIDShift) |
		g.sequence

	return id, nil
}

// Generate 实现 Generator
func (g *Snowflake) Generate(context.Context, *orm.EntityType) (any, error) {
	id, err := g.NextID()
	if err != nil {
		return nil, err
	}
	return id, nil
}

// Parse 解析ID
func Parse(id int64) map[string]int64 {
	return map[string]int64{
		"timestamp":    (id >> timestampLeftShift) + epoch,
		"datacenterID": (id >> datacenterIDShift) & maxDatacenterID,
		"workerID":     (id >> workerIDShift) & maxWorkerID,
		"sequence":     id & maxSequence,
	}
}
