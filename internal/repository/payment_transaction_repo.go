package repository

import (
	"context"
	"errors"
	"time"

	"paysettle/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("支付流水不存在")
	ErrDuplicateRequest    = errors.New("重复请求")
)

type PaymentTransactionRepository struct {
	db *gorm.DB
}

func NewPaymentTransactionRepository(db *gorm.DB) *PaymentTransactionRepository {
	return &PaymentTransactionRepository{db: db}
}

// Create 插入流水；唯一键冲突返回 ErrDuplicateRequest，由调用方回查已有记录
func (r *PaymentTransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.PaymentTransaction) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(trans).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateRequest
	}
	return err
}

// GetByIdempotencyKey 未找到时返回 nil, nil
func (r *PaymentTransactionRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*model.PaymentTransaction, error) {
	var trans model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// GetForVerification 三个条件同时匹配才返回，防止校验他人的流水
func (r *PaymentTransactionRepository) GetForVerification(ctx context.Context, gatewayOrderID, userID, orderID string) (*model.PaymentTransaction, error) {
	var trans model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("gateway_order_id = ? AND user_id = ? AND order_id = ?", gatewayOrderID, userID, orderID).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *PaymentTransactionRepository) GetByID(ctx context.Context, id int64) (*model.PaymentTransaction, error) {
	var trans model.PaymentTransaction
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// ListByOrder 按创建时间倒序返回订单下属于该用户的全部支付尝试
func (r *PaymentTransactionRepository) ListByOrder(ctx context.Context, orderID, userID string) ([]*model.PaymentTransaction, error) {
	var list []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND user_id = ?", orderID, userID).
		Order("created_at DESC").
		Find(&list).Error
	return list, err
}

// MarkCompleted created -> completed 的 CAS 更新
//
// 【关键点】这是整个结算链路唯一的并发闸门：
// 单条 UPDATE ... WHERE status = 'created'，影响行数为 1 才算赢得竞争，
// 所有下游副作用（订单、积分、通知）只能在赢家分支里执行
func (r *PaymentTransactionRepository) MarkCompleted(ctx context.Context, id int64, paymentID string, network model.NetworkContext, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusCreated).
		Updates(map[string]interface{}{
			"status":              model.TransactionStatusCompleted,
			"gateway_payment_id":  paymentID,
			"verified_ip":         network.IP,
			"verified_user_agent": network.UserAgent,
			"verified_at":         at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkFailed created -> failed 的 CAS 更新
func (r *PaymentTransactionRepository) MarkFailed(ctx context.Context, id int64, reason string, network model.NetworkContext) (bool, error) {
	updates := map[string]interface{}{
		"status":         model.TransactionStatusFailed,
		"failure_reason": reason,
	}
	if network.IP != "" {
		updates["verified_ip"] = network.IP
		updates["verified_user_agent"] = network.UserAgent
	}

	result := r.db.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusCreated).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListUnreconciled 流水已完成但订单仍是 pending 的记录（结算第二步写失败留下的）
func (r *PaymentTransactionRepository) ListUnreconciled(ctx context.Context, limit int) ([]*model.PaymentTransaction, error) {
	var list []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Joins("JOIN orders ON orders.id = payment_transaction.order_id").
		Where("payment_transaction.status = ? AND orders.payment_status = ?",
			model.TransactionStatusCompleted, model.PaymentStatusPending).
		Order("payment_transaction.id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// ListStaleCreated 创建时间早于 before 仍未验签的流水
func (r *PaymentTransactionRepository) ListStaleCreated(ctx context.Context, before time.Time, limit int) ([]*model.PaymentTransaction, error) {
	var list []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.TransactionStatusCreated, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}
