package repository

import (
	"context"
	"errors"
	"time"

	"paysettle/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrRateLimitRecordNotFound = errors.New("限流记录不存在")
	ErrOptimisticLock          = errors.New("乐观锁冲突，请重试")
)

type RateLimitRepository struct {
	db *gorm.DB
}

func NewRateLimitRepository(db *gorm.DB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

func (r *RateLimitRepository) Get(ctx context.Context, scope, identity string) (*model.RateLimitRecord, error) {
	var rec model.RateLimitRecord
	err := r.db.WithContext(ctx).
		Where("scope = ? AND identity = ?", scope, identity).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRateLimitRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// GetOrCreate 首次访问时惰性创建，并发创建依赖唯一索引 + DO NOTHING
func (r *RateLimitRepository) GetOrCreate(ctx context.Context, scope, identity string, now time.Time) (*model.RateLimitRecord, error) {
	rec, err := r.Get(ctx, scope, identity)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrRateLimitRecordNotFound) {
		return nil, err
	}

	newRec := &model.RateLimitRecord{
		Scope:       scope,
		Identity:    identity,
		WindowStart: now,
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "identity"}},
			DoNothing: true,
		}).
		Create(newRec).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, scope, identity)
}

// Save 按 version 条件写回计数，version 不匹配说明被并发修改过
func (r *RateLimitRepository) Save(ctx context.Context, rec *model.RateLimitRecord) error {
	result := r.db.WithContext(ctx).
		Model(&model.RateLimitRecord{}).
		Where("id = ? AND version = ?", rec.ID, rec.Version).
		Updates(map[string]interface{}{
			"attempts":        rec.Attempts,
			"window_start":    rec.WindowStart,
			"blocked_until":   rec.BlockedUntil,
			"last_attempt_at": rec.LastAttemptAt,
			"version":         gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	rec.Version++
	return nil
}

// DeleteStale 清理长时间无访问且未处于封禁中的记录
func (r *RateLimitRepository) DeleteStale(ctx context.Context, before, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("last_attempt_at < ? AND (blocked_until IS NULL OR blocked_until < ?)", before, now).
		Delete(&model.RateLimitRecord{})
	return result.RowsAffected, result.Error
}
