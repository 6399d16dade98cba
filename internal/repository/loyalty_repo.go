package repository

import (
	"context"
	"errors"

	"paysettle/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrLoyaltyAccountNotFound = errors.New("积分账户不存在")
	ErrPointsNotEnough        = errors.New("积分不足")
)

type LoyaltyRepository struct {
	db *gorm.DB
}

func NewLoyaltyRepository(db *gorm.DB) *LoyaltyRepository {
	return &LoyaltyRepository{db: db}
}

func (r *LoyaltyRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.LoyaltyAccount, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.LoyaltyAccount
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoyaltyAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *LoyaltyRepository) GetOrCreate(ctx context.Context, userID string) (*model.LoyaltyAccount, error) {
	account, err := r.GetByUserID(ctx, nil, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrLoyaltyAccountNotFound) {
		return nil, err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.LoyaltyAccount{UserID: userID}).Error
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, nil, userID)
}

// Deduct 扣减积分，余额和版本号同时作为更新条件
func (r *LoyaltyRepository) Deduct(ctx context.Context, tx *gorm.DB, userID string, points int64, version int) error {
	result := tx.WithContext(ctx).
		Model(&model.LoyaltyAccount{}).
		Where("user_id = ? AND points >= ? AND version = ?", userID, points, version).
		Updates(map[string]interface{}{
			"points":  gorm.Expr("points - ?", points),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account.Points < points {
			return ErrPointsNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

func (r *LoyaltyRepository) Increase(ctx context.Context, userID string, points int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.LoyaltyAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"points":  gorm.Expr("points + ?", points),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrLoyaltyAccountNotFound
	}

	return nil
}

// GetRedemptionByOrderID 未找到时返回 nil, nil
func (r *LoyaltyRepository) GetRedemptionByOrderID(ctx context.Context, orderID string) (*model.LoyaltyRedemption, error) {
	var redemption model.LoyaltyRedemption
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&redemption).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &redemption, nil
}

func (r *LoyaltyRepository) CreateRedemption(ctx context.Context, tx *gorm.DB, redemption *model.LoyaltyRedemption) error {
	err := tx.WithContext(ctx).Create(redemption).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateRequest
	}
	return err
}
