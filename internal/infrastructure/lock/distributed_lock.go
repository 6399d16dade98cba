package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：客户端网络抖动，用同一个幂等键连续提交两次创建支付意图
//
// 如果没有分布式锁：
//   goroutine1: 查幂等键=无 -> 调网关创建意图A -> 落库成功
//   goroutine2: 查幂等键=无 -> 调网关创建意图B -> 唯一约束冲突 -> 回查返回A
//   结果正确，但网关侧多出一个孤儿意图B
//
// 加了分布式锁：
//   goroutine1: 获取锁 -> 查幂等键=无 -> 调网关 -> 落库 -> 释放锁
//   goroutine2: 获取锁（等待） -> 查幂等键=有 -> 直接返回A，不调网关
//
// 锁只是第一道防线，正确性最终由数据库唯一约束保证
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证原子性
//   - 先检查 value 是否是自己的
//   - 再删除 key
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁，SET key value NX EX
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Key 锁的 key，便于日志追踪
func (l *DistributedLock) Key() string {
	return l.key
}

// Lock 阻塞式获取锁，最多重试 maxRetries 次
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxRetries; attempt++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，只删除自己持有的锁
//
// A 超时后锁过期被 B 获取，A 再调用 Unlock 时 value 不匹配，不会误删 B 的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：支付意图创建锁
// ============================================================================

// NewIntentLock 按 用户 + 幂等键 维度加锁
//
// 不同用户、不同幂等键之间互不阻塞；锁过期时间覆盖网关调用超时
func NewIntentLock(client *redis.Client, userID, idempotencyKey, holder string, expiration time.Duration) *DistributedLock {
	key := fmt.Sprintf("paysettle:lock:intent:%s:%s", userID, idempotencyKey)
	return NewDistributedLock(client, key, holder, expiration)
}
