package job

import (
	"context"
	"sync"
	"time"

	"paysettle/internal/config"
	"paysettle/internal/model"
	"paysettle/internal/repository"

	"gorm.io/gorm"
)

// Publisher 消息投递方，mq.Publisher 实现该接口
type Publisher interface {
	Send(topic, key, value string) error
}

// OutboxSender 轮询本地消息表并投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int
	stopCh     chan struct{}
	stopOnce   sync.Once
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config, publisher Publisher) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   cfg.Business.MaxRetryCount,
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	loop(ctx, "OutboxSender", s.interval, s.stopCh, s.processPendingMessages)
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		jobLogger(ctx).Error().Err(err).Msg("查询待发送消息失败")
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	logger := jobLogger(ctx).With().
		Int64("message_id", msg.ID).
		Str("topic", msg.Topic).
		Str("key", msg.MessageKey).
		Logger()

	err := s.publisher.Send(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkAsSent(ctx, msg.ID); err != nil {
			logger.Error().Err(err).Msg("更新消息状态失败")
			return
		}
		logger.Debug().Msg("消息发送成功")
		return
	}

	logger.Warn().Err(err).Int("retry_count", msg.RetryCount).Msg("消息发送失败")

	exhausted, err := s.outboxRepo.RecordFailure(ctx, msg.ID, s.maxRetry)
	if err != nil {
		logger.Error().Err(err).Msg("记录重试次数失败")
		return
	}
	if exhausted {
		logger.Error().Msg("消息超过最大重试次数，标记为失败")
	}
}
