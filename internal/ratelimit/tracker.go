// Package ratelimit 按身份（IP 或账号）统计尝试次数并在超过阈值后封禁一段时间
//
// 计数保存在数据库带版本号的行里，多实例部署下同样有效。
// 这是尽力而为的节流：并发下允许差一次，资金安全的硬边界在验签环节。
package ratelimit

import (
	"context"
	"errors"
	"time"

	"paysettle/internal/config"
	"paysettle/internal/metrics"
	"paysettle/internal/model"
	"paysettle/internal/repository"

	"gorm.io/gorm"
)

// State 身份当前所处的限流状态
type State string

const (
	StateClear   State = "clear"
	StateWarned  State = "warned"
	StateBlocked State = "blocked"
)

// ErrContention 乐观锁重试耗尽
var ErrContention = errors.New("限流计数写入冲突")

const maxSaveRetries = 5

// Policy 一个调用点的阈值配置；登录、表单、支付意图共用同一套原语
type Policy struct {
	Scope      string
	Threshold  int
	WarnMargin int
	Window     time.Duration // 计数窗口，0 表示不按窗口重置
	Cooldown   time.Duration
}

func NewPolicy(scope string, cfg config.RateLimitPolicy) Policy {
	return Policy{
		Scope:      scope,
		Threshold:  cfg.Threshold,
		WarnMargin: cfg.WarnMargin,
		Window:     cfg.Window,
		Cooldown:   cfg.Cooldown,
	}
}

// Decision 一次检查的结果
type Decision struct {
	Allowed           bool       `json:"allowed"`
	State             State      `json:"state"`
	Attempts          int        `json:"attempts"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
}

type Tracker struct {
	repo *repository.RateLimitRepository
	now  func() time.Time
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{
		repo: repository.NewRateLimitRepository(db),
		now:  time.Now,
	}
}

// CheckAllowed 只读检查（首次访问惰性建行）
func (t *Tracker) CheckAllowed(ctx context.Context, p Policy, identity string) (*Decision, error) {
	now := t.now()
	rec, err := t.repo.GetOrCreate(ctx, p.Scope, identity, now)
	if err != nil {
		return nil, err
	}
	return decide(p, rec, now), nil
}

// RecordFailure 记录一次失败，达到阈值时封禁 cooldown
func (t *Tracker) RecordFailure(ctx context.Context, p Policy, identity string) (*Decision, error) {
	return t.increment(ctx, p, identity, p.Threshold)
}

// Hit 记录一次提交（固定窗口 + 最大次数），超过 threshold 的那次被拒绝并封禁
func (t *Tracker) Hit(ctx context.Context, p Policy, identity string) (*Decision, error) {
	return t.increment(ctx, p, identity, p.Threshold+1)
}

// RecordSuccess 计数清零并解除封禁
func (t *Tracker) RecordSuccess(ctx context.Context, p Policy, identity string) error {
	for i := 0; i < maxSaveRetries; i++ {
		rec, err := t.repo.Get(ctx, p.Scope, identity)
		if errors.Is(err, repository.ErrRateLimitRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		now := t.now()
		rec.Attempts = 0
		rec.BlockedUntil = nil
		rec.WindowStart = now
		rec.LastAttemptAt = &now

		err = t.repo.Save(ctx, rec)
		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		return err
	}
	return ErrContention
}

// increment 计数 +1，计数达到 blockAt 时设置 blocked_until
func (t *Tracker) increment(ctx context.Context, p Policy, identity string, blockAt int) (*Decision, error) {
	for i := 0; i < maxSaveRetries; i++ {
		now := t.now()
		rec, err := t.repo.GetOrCreate(ctx, p.Scope, identity, now)
		if err != nil {
			return nil, err
		}

		// 封禁期内不再累加，也不延长封禁
		if rec.IsBlocked(now) {
			return decide(p, rec, now), nil
		}

		if expired(p, rec, now) {
			rec.Attempts = 0
			rec.BlockedUntil = nil
			rec.WindowStart = now
		}

		rec.Attempts++
		rec.LastAttemptAt = &now
		if rec.Attempts >= blockAt {
			until := now.Add(p.Cooldown)
			rec.BlockedUntil = &until
		}

		err = t.repo.Save(ctx, rec)
		if errors.Is(err, repository.ErrOptimisticLock) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if rec.IsBlocked(now) {
			metrics.RateLimitBlocksTotal.WithLabelValues(p.Scope).Inc()
		}
		return decide(p, rec, now), nil
	}
	return nil, ErrContention
}

// expired 窗口已过或上一次封禁已结束，计数应从零开始
func expired(p Policy, rec *model.RateLimitRecord, now time.Time) bool {
	if rec.BlockedUntil != nil && !rec.BlockedUntil.After(now) {
		return true
	}
	return p.Window > 0 && now.Sub(rec.WindowStart) >= p.Window
}

func decide(p Policy, rec *model.RateLimitRecord, now time.Time) *Decision {
	if rec.IsBlocked(now) {
		until := *rec.BlockedUntil
		return &Decision{
			Allowed:      false,
			State:        StateBlocked,
			Attempts:     rec.Attempts,
			BlockedUntil: &until,
		}
	}

	attempts := rec.Attempts
	if expired(p, rec, now) {
		attempts = 0
	}

	remaining := p.Threshold - attempts
	if remaining < 0 {
		remaining = 0
	}

	state := StateClear
	if attempts >= p.Threshold-p.WarnMargin {
		state = StateWarned
	}

	return &Decision{
		Allowed:           true,
		State:             state,
		Attempts:          attempts,
		AttemptsRemaining: remaining,
	}
}

// Prune 删除 before 之前最后访问且未处于封禁中的记录
func (t *Tracker) Prune(ctx context.Context, before time.Time) (int64, error) {
	return t.repo.DeleteStale(ctx, before, t.now())
}
