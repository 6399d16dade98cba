package model

import (
	"time"
)

// ============================================================================
// 支付流水状态
// ============================================================================
//
// created -> completed / created -> failed，终态不可再变更
// 状态迁移只能通过条件更新（WHERE status = 'created'）完成

const (
	TransactionStatusCreated   = "created"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// PaymentTransaction 一次通过网关支付订单的尝试
//
// 唯一约束：
//  1. (user_id, idempotency_key)：幂等键不为空时同一用户只能有一条
//  2. gateway_order_id：网关意图ID全局唯一
type PaymentTransaction struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	OrderID           string     `gorm:"type:varchar(36);index;not null" json:"order_id"`
	UserID            string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_user_idempotency" json:"user_id"`
	IdempotencyKey    *string    `gorm:"type:varchar(128);uniqueIndex:idx_user_idempotency" json:"idempotency_key,omitempty"`
	Amount            int64      `gorm:"not null" json:"amount"` // 最小货币单位
	Currency          string     `gorm:"type:varchar(8);not null" json:"currency"`
	GatewayOrderID    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"gateway_order_id"`
	GatewayPaymentID  *string    `gorm:"type:varchar(64)" json:"gateway_payment_id,omitempty"`
	Status            string     `gorm:"type:varchar(20);index;not null" json:"status"`
	FailureReason     string     `gorm:"type:varchar(128)" json:"failure_reason,omitempty"`
	CreatedIP         string     `gorm:"type:varchar(64)" json:"created_ip"`
	CreatedUserAgent  string     `gorm:"type:varchar(256)" json:"created_user_agent"`
	VerifiedIP        string     `gorm:"type:varchar(64)" json:"verified_ip,omitempty"`
	VerifiedUserAgent string     `gorm:"type:varchar(256)" json:"verified_user_agent,omitempty"`
	VerifiedAt        *time.Time `json:"verified_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}
