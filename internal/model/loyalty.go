package model

import (
	"time"
)

// LoyaltyAccount 用户积分账户
type LoyaltyAccount struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"user_id"`
	Points    int64     `gorm:"not null;default:0" json:"points"`
	Version   int       `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (LoyaltyAccount) TableName() string {
	return "loyalty_account"
}

// LoyaltyRedemption 积分抵扣流水，每个订单最多一条
type LoyaltyRedemption struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RedemptionNo  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"redemption_no"`
	UserID        string    `gorm:"type:varchar(36);index;not null" json:"user_id"`
	OrderID       string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"order_id"`
	Points        int64     `gorm:"not null" json:"points"`
	GiftID        *string   `gorm:"type:varchar(64)" json:"gift_id,omitempty"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LoyaltyRedemption) TableName() string {
	return "loyalty_redemption"
}
