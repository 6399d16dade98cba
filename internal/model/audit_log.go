package model

import (
	"time"

	"gorm.io/datatypes"
)

// SecurityAuditLog 安全审计日志，只追加，不修改，不删除
type SecurityAuditLog struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string         `gorm:"type:varchar(64);index;not null" json:"event_type"`
	Identity  *string        `gorm:"type:varchar(128);index" json:"identity,omitempty"`
	Detail    datatypes.JSON `json:"detail"`
	IPAddress string         `gorm:"type:varchar(64)" json:"ip_address"`
	UserAgent string         `gorm:"type:varchar(256)" json:"user_agent"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (SecurityAuditLog) TableName() string {
	return "security_audit_log"
}
