package job

import (
	"context"
	"testing"

	"paysettle/internal/config"
	"paysettle/internal/infrastructure/mq"
	"paysettle/internal/model"
	"paysettle/internal/repository"
	"paysettle/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedOutbox(t *testing.T, db *gorm.DB, key string) *model.OutboxMessage {
	t.Helper()
	msg := &model.OutboxMessage{
		EventType:  model.EventPaymentSettled,
		MessageKey: key,
		Topic:      "payment.settled",
		Payload:    `{"event":"payment.settled"}`,
		Status:     model.OutboxStatusPending,
	}
	require.NoError(t, repository.NewOutboxRepository(db).Create(context.Background(), nil, msg))
	return msg
}

func reloadOutbox(t *testing.T, db *gorm.DB, id int64) *model.OutboxMessage {
	t.Helper()
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg, id).Error)
	return &msg
}

func TestOutboxSender_PublishesAndRecordsFailures(t *testing.T) {
	db := testutil.NewTestDB(t)
	first := seedOutbox(t, db, "order-1")
	second := seedOutbox(t, db, "order-2")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	t.Cleanup(func() { _ = producer.Close() })

	cfg := &config.Config{Business: config.BusinessConfig{MaxRetryCount: 3}}
	sender := NewOutboxSender(db, cfg, mq.NewPublisher(producer))
	sender.processPendingMessages(context.Background())

	assert.Equal(t, model.OutboxStatusSent, reloadOutbox(t, db, first.ID).Status)

	failed := reloadOutbox(t, db, second.ID)
	assert.Equal(t, model.OutboxStatusPending, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
}

func TestOutboxSender_MarksFailedAfterMaxRetries(t *testing.T) {
	db := testutil.NewTestDB(t)
	msg := seedOutbox(t, db, "order-1")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	t.Cleanup(func() { _ = producer.Close() })

	cfg := &config.Config{Business: config.BusinessConfig{MaxRetryCount: 2}}
	sender := NewOutboxSender(db, cfg, mq.NewPublisher(producer))
	sender.processPendingMessages(context.Background())
	sender.processPendingMessages(context.Background())
	// 已经是 FAILED，不会再被拉取
	sender.processPendingMessages(context.Background())

	got := reloadOutbox(t, db, msg.ID)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestOutboxSender_StopEndsLoop(t *testing.T) {
	db := testutil.NewTestDB(t)
	producer := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() { _ = producer.Close() })

	sender := NewOutboxSender(db, &config.Config{}, mq.NewPublisher(producer))
	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()

	sender.Stop()
	sender.Stop()
	<-done
}
