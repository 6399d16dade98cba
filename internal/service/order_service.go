package service

import (
	"context"
	"errors"

	"paysettle/internal/model"
	"paysettle/internal/repository"

	"gorm.io/gorm"
)

// PaymentStatusView 订单支付状态查询结果
type PaymentStatusView struct {
	OrderID       string                      `json:"order_id"`
	PaymentStatus string                      `json:"payment_status"`
	FinalAmount   int64                       `json:"final_amount"`
	Transactions  []*model.PaymentTransaction `json:"transactions"`
}

type OrderService struct {
	orderRepo *repository.OrderRepository
	txRepo    *repository.PaymentTransactionRepository
}

func NewOrderService(db *gorm.DB) *OrderService {
	return &OrderService{
		orderRepo: repository.NewOrderRepository(db),
		txRepo:    repository.NewPaymentTransactionRepository(db),
	}
}

// GetPaymentStatus 只返回调用者自己的订单
func (s *OrderService) GetPaymentStatus(ctx context.Context, userID, orderID string) (*PaymentStatusView, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	order, err := s.orderRepo.GetByIDForUser(ctx, orderID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	list, err := s.txRepo.ListByOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	return &PaymentStatusView{
		OrderID:       order.ID,
		PaymentStatus: order.PaymentStatus,
		FinalAmount:   order.AmountInMinorUnits(),
		Transactions:  list,
	}, nil
}
