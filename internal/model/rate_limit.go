package model

import (
	"time"
)

const (
	RateLimitScopeLogin         = "login"
	RateLimitScopePaymentIntent = "payment_intent"
	RateLimitScopeForm          = "form"
)

// RateLimitRecord 按身份（IP 或账号）统计的尝试计数
//
// blocked_until 在未来即视为封禁中；带 version 做乐观锁，保证多实例下计数不丢
type RateLimitRecord struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Scope         string     `gorm:"type:varchar(32);not null;uniqueIndex:idx_scope_identity" json:"scope"`
	Identity      string     `gorm:"type:varchar(128);not null;uniqueIndex:idx_scope_identity" json:"identity"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	WindowStart   time.Time  `gorm:"not null" json:"window_start"`
	BlockedUntil  *time.Time `json:"blocked_until,omitempty"`
	LastAttemptAt *time.Time `gorm:"index" json:"last_attempt_at,omitempty"`
	Version       int        `gorm:"not null;default:0" json:"version"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RateLimitRecord) TableName() string {
	return "rate_limit_record"
}

// IsBlocked blocked_until 在 now 之后才算封禁
func (r *RateLimitRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && r.BlockedUntil.After(now)
}
