package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paysettle/internal/config"
	"paysettle/internal/model"
	"paysettle/internal/repository"

	"gorm.io/gorm"
)

// Notification 支付结果通知内容
type Notification struct {
	OrderID       string    `json:"order_id"`
	UserID        string    `json:"user_id"`
	TransactionNo string    `json:"transaction_no"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier 通知协作方，失败只影响通知本身
type Notifier interface {
	PaymentSettled(ctx context.Context, n Notification) error
	PaymentFailed(ctx context.Context, n Notification) error
}

type notificationPayload struct {
	Event      string   `json:"event"`
	Recipients []string `json:"recipients"`
	Notification
}

// OutboxNotifier 把通知写入本地消息表，由 OutboxSender 异步投递
//
// 收件人：订单所属用户 + 配置的管理员列表
type OutboxNotifier struct {
	outboxRepo *repository.OutboxRepository
	topics     config.KafkaTopicConfig
	admins     []string
}

func NewOutboxNotifier(db *gorm.DB, cfg *config.Config) *OutboxNotifier {
	return &OutboxNotifier{
		outboxRepo: repository.NewOutboxRepository(db),
		topics:     cfg.Kafka.Topic,
		admins:     cfg.Notification.AdminRecipients,
	}
}

func (n *OutboxNotifier) PaymentSettled(ctx context.Context, notification Notification) error {
	return n.enqueue(ctx, model.EventPaymentSettled, n.topics.PaymentSettled, notification)
}

func (n *OutboxNotifier) PaymentFailed(ctx context.Context, notification Notification) error {
	return n.enqueue(ctx, model.EventPaymentFailed, n.topics.PaymentFailed, notification)
}

func (n *OutboxNotifier) recipients(userID string) []string {
	list := make([]string, 0, len(n.admins)+1)
	list = append(list, "user:"+userID)
	for _, admin := range n.admins {
		if admin != "" {
			list = append(list, admin)
		}
	}
	return list
}

func (n *OutboxNotifier) enqueue(ctx context.Context, eventType, topic string, notification Notification) error {
	payload, err := json.Marshal(notificationPayload{
		Event:        eventType,
		Recipients:   n.recipients(notification.UserID),
		Notification: notification,
	})
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	msg := &model.OutboxMessage{
		EventType:  eventType,
		MessageKey: notification.OrderID,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := n.outboxRepo.Create(ctx, nil, msg); err != nil {
		return fmt.Errorf("写入本地消息表失败: %w", err)
	}
	return nil
}
