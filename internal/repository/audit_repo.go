package repository

import (
	"context"

	"paysettle/internal/model"

	"gorm.io/gorm"
)

// AuditRepository 审计日志只提供追加和只读查询
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, entry *model.SecurityAuditLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) ListByEventType(ctx context.Context, eventType string, limit int) ([]*model.SecurityAuditLog, error) {
	var list []*model.SecurityAuditLog
	err := r.db.WithContext(ctx).
		Where("event_type = ?", eventType).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *AuditRepository) CountByEventType(ctx context.Context, eventType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.SecurityAuditLog{}).
		Where("event_type = ?", eventType).
		Count(&count).Error
	return count, err
}
