package model

import (
	"math"
	"time"
)

// 支付状态：只允许 pending -> completed 或 pending -> failed，且不可逆
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

var validPaymentTransitions = map[string][]string{
	PaymentStatusPending: {PaymentStatusCompleted, PaymentStatusFailed},
}

func CanPaymentTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := validPaymentTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Order 权威订单记录
//
// 本服务只读取 final_amount/status，只写 payment_status；
// status 是履约状态，由上游维护，与支付状态相互独立
type Order struct {
	ID            string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID        string    `gorm:"type:varchar(36);index;not null" json:"user_id"`
	FinalAmount   float64   `gorm:"type:decimal(12,2);not null" json:"final_amount"`
	Status        string    `gorm:"type:varchar(20);not null;default:'placed'" json:"status"`
	PaymentStatus string    `gorm:"type:varchar(20);index;not null;default:'pending'" json:"payment_status"`
	RedeemPoints  int64     `gorm:"not null;default:0" json:"redeem_points"` // 下单时申请抵扣的积分
	GiftID        *string   `gorm:"type:varchar(64)" json:"gift_id,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// AmountInMinorUnits 按 round(final_amount * 100) 计算最小货币单位金额
func (o *Order) AmountInMinorUnits() int64 {
	return int64(math.Round(o.FinalAmount * 100))
}
