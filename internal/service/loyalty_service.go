package service

import (
	"context"
	"errors"
	"fmt"

	"paysettle/internal/model"
	"paysettle/internal/repository"
	"paysettle/pkg/idgen"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// LoyaltyLedger 积分账本协作方，按订单ID幂等
type LoyaltyLedger interface {
	Redeem(ctx context.Context, userID string, points int64, orderID string, giftID *string) (*RedeemResult, error)
}

// RedeemResult 抵扣结果；Success=false 属于业务拒绝，error 仅表示基础设施故障
type RedeemResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	RedemptionNo string `json:"redemption_no,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

const maxRedeemRetries = 3

// LoyaltyService 基于本地积分账户的账本实现
type LoyaltyService struct {
	db   *gorm.DB
	repo *repository.LoyaltyRepository
}

func NewLoyaltyService(db *gorm.DB) *LoyaltyService {
	return &LoyaltyService{
		db:   db,
		repo: repository.NewLoyaltyRepository(db),
	}
}

// Credit 发放积分（账户不存在时创建）
func (s *LoyaltyService) Credit(ctx context.Context, userID string, points int64) error {
	if points <= 0 {
		return errors.New("积分数量必须大于0")
	}
	if _, err := s.repo.GetOrCreate(ctx, userID); err != nil {
		return err
	}
	return s.repo.Increase(ctx, userID, points)
}

func (s *LoyaltyService) Balance(ctx context.Context, userID string) (int64, error) {
	account, err := s.repo.GetByUserID(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repository.ErrLoyaltyAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Points, nil
}

// Redeem 按订单抵扣积分
//
// 【关键点】同一订单只会扣一次：
// 1. 先查 order_id 是否已有抵扣流水，有则直接返回成功
// 2. 扣减与写流水在同一个事务里，流水表 order_id 唯一，并发重复请求会在插入时冲突并回滚
func (s *LoyaltyService) Redeem(ctx context.Context, userID string, points int64, orderID string, giftID *string) (*RedeemResult, error) {
	if points <= 0 {
		return &RedeemResult{Success: false, Error: "积分数量必须大于0"}, nil
	}

	existing, err := s.repo.GetRedemptionByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("查询抵扣流水失败: %w", err)
	}
	if existing != nil {
		return &RedeemResult{Success: true, RedemptionNo: existing.RedemptionNo, Replayed: true}, nil
	}

	for attempt := 0; attempt < maxRedeemRetries; attempt++ {
		redemption := &model.LoyaltyRedemption{
			RedemptionNo: idgen.GenerateRedemptionNo(),
			UserID:       userID,
			OrderID:      orderID,
			Points:       points,
			GiftID:       giftID,
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			account, err := s.repo.GetByUserID(ctx, tx, userID)
			if err != nil {
				return err
			}
			if err := s.repo.Deduct(ctx, tx, userID, points, account.Version); err != nil {
				return err
			}
			redemption.BalanceBefore = account.Points
			redemption.BalanceAfter = account.Points - points
			return s.repo.CreateRedemption(ctx, tx, redemption)
		})

		switch {
		case err == nil:
			zerolog.Ctx(ctx).Info().
				Str("order_id", orderID).
				Int64("points", points).
				Str("redemption_no", redemption.RedemptionNo).
				Msg("积分抵扣成功")
			return &RedeemResult{Success: true, RedemptionNo: redemption.RedemptionNo}, nil
		case errors.Is(err, repository.ErrDuplicateRequest):
			existing, err := s.repo.GetRedemptionByOrderID(ctx, orderID)
			if err != nil || existing == nil {
				return nil, fmt.Errorf("回查抵扣流水失败: %v", err)
			}
			return &RedeemResult{Success: true, RedemptionNo: existing.RedemptionNo, Replayed: true}, nil
		case errors.Is(err, repository.ErrOptimisticLock):
			continue
		case errors.Is(err, repository.ErrPointsNotEnough), errors.Is(err, repository.ErrLoyaltyAccountNotFound):
			return &RedeemResult{Success: false, Error: err.Error()}, nil
		default:
			return nil, fmt.Errorf("积分抵扣失败: %w", err)
		}
	}

	return nil, ErrStoreConflict
}
