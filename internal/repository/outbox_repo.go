package repository

import (
	"context"

	"paysettle/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 增加重试次数，达到上限后标记为 FAILED 等待人工处理
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, maxRetry int) (bool, error) {
	var exhausted bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg model.OutboxMessage
		if err := tx.Where("id = ?", id).First(&msg).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
		}
		if msg.RetryCount+1 >= maxRetry {
			updates["status"] = model.OutboxStatusFailed
			exhausted = true
		}

		return tx.Model(&model.OutboxMessage{}).Where("id = ?", id).Updates(updates).Error
	})
	return exhausted, err
}

func (r *OutboxRepository) ListByKey(ctx context.Context, key string) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("message_key = ?", key).
		Order("id ASC").
		Find(&messages).Error
	return messages, err
}
