// Package idgen 生成流水号、收据号、抵扣单号
//
// 号码 = 前缀 + 雪花ID（十进制），雪花ID布局：
//
//	1 位符号 | 41 位毫秒时间戳 | 10 位机器ID | 12 位毫秒内序号
//
// 机器ID来自 server.worker_id，多实例部署时必须互不相同
package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	epochMillis  = int64(1735689600000) // 2025-01-01 00:00:00 UTC
	workerBits   = 10
	sequenceBits = 12
	maxWorker    = int64(1)<<workerBits - 1
	sequenceMask = int64(1)<<sequenceBits - 1
)

// Generator 单个机器ID上的雪花生成器，并发安全
type Generator struct {
	mu       sync.Mutex
	worker   int64
	lastMs   int64
	sequence int64
	clock    func() int64
}

func NewGenerator(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorker {
		return nil, fmt.Errorf("worker_id 必须在 0-%d 之间，当前 %d", maxWorker, workerID)
	}
	return &Generator{
		worker: workerID,
		clock:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next 返回下一个ID；时钟回拨时沿用上一毫秒继续递增序号
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now < g.lastMs {
		now = g.lastMs
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			// 本毫秒序号耗尽
			for now <= g.lastMs {
				now = g.clock()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now-epochMillis)<<(workerBits+sequenceBits) | g.worker<<sequenceBits | g.sequence
}

var (
	defaultGen *Generator
	initOnce   sync.Once
)

// Init 设置进程级生成器，只有第一次调用生效；workerID 非法时 panic
func Init(workerID int64) {
	initOnce.Do(func() {
		g, err := NewGenerator(workerID)
		if err != nil {
			panic(err)
		}
		defaultGen = g
	})
}

// NextID 使用进程级生成器；未调用 Init 时按 worker 1 初始化
func NextID() int64 {
	Init(1)
	return defaultGen.Next()
}

func withPrefix(prefix string) string {
	return prefix + strconv.FormatInt(NextID(), 10)
}

// GenerateTransactionNo 支付流水号，例如 TXN1234567890123456789
func GenerateTransactionNo() string {
	return withPrefix("TXN")
}

// GenerateReceiptNo 网关收据号，网关要求不超过 40 个字符
func GenerateReceiptNo() string {
	return withPrefix("RCPT")
}

// GenerateRedemptionNo 积分抵扣单号
func GenerateRedemptionNo() string {
	return withPrefix("RDM")
}
