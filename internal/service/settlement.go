package service

import (
	"context"
	"time"

	"paysettle/internal/audit"
	"paysettle/internal/metrics"
	"paysettle/internal/model"
	"paysettle/internal/repository"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// SettlementResult 一次结算调用的结果
//
// Won=false 表示另一路请求已经完成结算，本次不产生任何副作用
type SettlementResult struct {
	Won             bool
	TransactionNo   string
	OrderID         string
	OrderUpdated    bool
	LoyaltyRedeemed bool
	Notified        bool
}

// Settlement 结算状态机
//
// 流水：created -> completed | failed，终态不再变化
// 订单：pending -> completed | failed，只由赢得流水 CAS 的一方推进
type Settlement struct {
	txRepo    *repository.PaymentTransactionRepository
	orderRepo *repository.OrderRepository
	loyalty   LoyaltyLedger
	notifier  Notifier
	sink      audit.Sink
	tracer    trace.Tracer
	now       func() time.Time
}

func NewSettlement(db *gorm.DB, loyalty LoyaltyLedger, notifier Notifier, sink audit.Sink) *Settlement {
	return &Settlement{
		txRepo:    repository.NewPaymentTransactionRepository(db),
		orderRepo: repository.NewOrderRepository(db),
		loyalty:   loyalty,
		notifier:  notifier,
		sink:      sink,
		tracer:    otel.Tracer("paysettle/settlement"),
		now:       time.Now,
	}
}

// Settle 验签通过后的结算
//
// 【关键点】
// 1. 流水 CAS 是唯一闸门，输掉竞争的调用直接返回成功，不重复副作用
// 2. 订单状态单独更新：失败不回滚已完成的流水（钱已经收了），记审计留给对账任务
// 3. 积分、通知都是尽力而为，失败只记审计
func (s *Settlement) Settle(ctx context.Context, trans *model.PaymentTransaction, orderID, userID, paymentID string, network model.NetworkContext) (*SettlementResult, error) {
	ctx, span := s.tracer.Start(ctx, "Settlement.Settle", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("transaction_no", trans.TransactionNo),
	))
	defer span.End()

	if trans.OrderID != orderID || trans.UserID != userID {
		return nil, ErrNotFound
	}

	result := &SettlementResult{TransactionNo: trans.TransactionNo, OrderID: orderID}
	logger := zerolog.Ctx(ctx).With().
		Str("order_id", orderID).
		Str("transaction_no", trans.TransactionNo).
		Logger()

	won, err := s.txRepo.MarkCompleted(ctx, trans.ID, paymentID, network, s.now())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !won {
		current, err := s.txRepo.GetByID(ctx, trans.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == model.TransactionStatusFailed {
			return nil, ErrTransactionFailed
		}
		metrics.SettlementsTotal.WithLabelValues("lost_race").Inc()
		s.sink.Record(ctx, audit.Event{
			Type:     audit.EventSettlementLostRace,
			Identity: userID,
			Detail:   map[string]interface{}{"order_id": orderID, "transaction_no": trans.TransactionNo},
			Network:  network,
		})
		return result, nil
	}
	result.Won = true

	// 订单更新在 CAS 之后单独执行
	order, orderErr := s.orderRepo.GetByID(ctx, orderID)
	if orderErr == nil {
		orderErr = s.orderRepo.UpdatePaymentStatus(ctx, nil, orderID, model.PaymentStatusPending, model.PaymentStatusCompleted)
	}
	if orderErr != nil {
		logger.Error().Err(orderErr).Msg("[Settlement] 流水已完成但订单状态更新失败，等待对账")
		s.sink.Record(ctx, audit.Event{
			Type:     audit.EventSettlementOrderPending,
			Identity: userID,
			Detail: map[string]interface{}{
				"order_id":       orderID,
				"transaction_no": trans.TransactionNo,
				"error":          orderErr.Error(),
			},
			Network: network,
		})
	} else {
		result.OrderUpdated = true
	}

	if order != nil && order.RedeemPoints > 0 && s.loyalty != nil {
		result.LoyaltyRedeemed = s.redeem(ctx, order, network)
	}

	if s.notifier != nil {
		err := s.notifier.PaymentSettled(ctx, Notification{
			OrderID:       orderID,
			UserID:        userID,
			TransactionNo: trans.TransactionNo,
			Amount:        trans.Amount,
			Currency:      trans.Currency,
			OccurredAt:    s.now(),
		})
		if err != nil {
			logger.Warn().Err(err).Msg("[Settlement] 支付成功通知写入失败")
			s.sink.Record(ctx, audit.Event{
				Type:     audit.EventSettlementNotifyFailed,
				Identity: userID,
				Detail:   map[string]interface{}{"order_id": orderID, "error": err.Error()},
				Network:  network,
			})
		} else {
			result.Notified = true
		}
	}

	metrics.SettlementsTotal.WithLabelValues("completed").Inc()
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventSettlementCompleted,
		Identity: userID,
		Detail: map[string]interface{}{
			"order_id":         orderID,
			"transaction_no":   trans.TransactionNo,
			"payment_id":       paymentID,
			"amount":           trans.Amount,
			"currency":         trans.Currency,
			"elapsed_ms":       s.now().Sub(trans.CreatedAt).Milliseconds(),
			"order_updated":    result.OrderUpdated,
			"loyalty_redeemed": result.LoyaltyRedeemed,
			"notified":         result.Notified,
		},
		Network: network,
	})
	logger.Info().Bool("order_updated", result.OrderUpdated).Msg("[Settlement] 结算完成")

	return result, nil
}

func (s *Settlement) redeem(ctx context.Context, order *model.Order, network model.NetworkContext) bool {
	res, err := s.loyalty.Redeem(ctx, order.UserID, order.RedeemPoints, order.ID, order.GiftID)
	if err == nil && res != nil && res.Success {
		return true
	}

	detail := map[string]interface{}{
		"order_id": order.ID,
		"points":   order.RedeemPoints,
	}
	switch {
	case err != nil:
		detail["error"] = err.Error()
	case res != nil:
		detail["error"] = res.Error
	}
	zerolog.Ctx(ctx).Warn().Interface("detail", detail).Msg("[Settlement] 积分抵扣失败")
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventSettlementLoyaltyFailed,
		Identity: order.UserID,
		Detail:   detail,
		Network:  network,
	})
	return false
}

// Fail 把流水标记为失败，赢得 CAS 时发出失败通知
//
// 【关键点】只动流水不动订单：同一订单的其他流水仍可能验签成功，订单必须保持 pending
func (s *Settlement) Fail(ctx context.Context, trans *model.PaymentTransaction, reason string, network model.NetworkContext) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "Settlement.Fail", trace.WithAttributes(
		attribute.String("order_id", trans.OrderID),
		attribute.String("reason", reason),
	))
	defer span.End()

	won, err := s.txRepo.MarkFailed(ctx, trans.ID, reason, network)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !won {
		return false, nil
	}

	if s.notifier != nil {
		err := s.notifier.PaymentFailed(ctx, Notification{
			OrderID:       trans.OrderID,
			UserID:        trans.UserID,
			TransactionNo: trans.TransactionNo,
			Amount:        trans.Amount,
			Currency:      trans.Currency,
			Reason:        reason,
			OccurredAt:    s.now(),
		})
		if err != nil {
			s.sink.Record(ctx, audit.Event{
				Type:     audit.EventSettlementNotifyFailed,
				Identity: trans.UserID,
				Detail:   map[string]interface{}{"order_id": trans.OrderID, "error": err.Error()},
				Network:  network,
			})
		}
	}

	metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventSettlementFailed,
		Identity: trans.UserID,
		Detail: map[string]interface{}{
			"order_id":       trans.OrderID,
			"transaction_no": trans.TransactionNo,
			"reason":         reason,
		},
		Network: network,
	})
	return true, nil
}

// Expire 超时未验签的流水直接失败，不动订单，用户可以重新发起支付
func (s *Settlement) Expire(ctx context.Context, trans *model.PaymentTransaction) (bool, error) {
	won, err := s.txRepo.MarkFailed(ctx, trans.ID, "expired", model.NetworkContext{})
	if err != nil || !won {
		return won, err
	}
	metrics.SettlementsTotal.WithLabelValues("expired").Inc()
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventIntentExpired,
		Identity: trans.UserID,
		Detail:   map[string]interface{}{"order_id": trans.OrderID, "transaction_no": trans.TransactionNo},
	})
	return true, nil
}

// Reconcile 补偿结算第二步：流水已完成但订单仍为 pending
//
// 积分账本按订单幂等，这里可以安全地再调一次
func (s *Settlement) Reconcile(ctx context.Context, trans *model.PaymentTransaction) error {
	if trans.Status != model.TransactionStatusCompleted {
		return nil
	}
	order, err := s.orderRepo.GetByID(ctx, trans.OrderID)
	if err != nil {
		return err
	}
	if order.PaymentStatus == model.PaymentStatusPending {
		if err := s.orderRepo.UpdatePaymentStatus(ctx, nil, order.ID, model.PaymentStatusPending, model.PaymentStatusCompleted); err != nil {
			return err
		}
	}

	redeemed := false
	if order.RedeemPoints > 0 && s.loyalty != nil {
		redeemed = s.redeem(ctx, order, model.NetworkContext{})
	}

	metrics.SettlementsTotal.WithLabelValues("reconciled").Inc()
	s.sink.Record(ctx, audit.Event{
		Type:     audit.EventSettlementReconciled,
		Identity: trans.UserID,
		Detail: map[string]interface{}{
			"order_id":         order.ID,
			"transaction_no":   trans.TransactionNo,
			"loyalty_redeemed": redeemed,
		},
	})
	return nil
}
