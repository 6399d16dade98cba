package mq

import (
	"paysettle/internal/config"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"
)

// Publisher 对 sarama 同步生产者的薄封装
type Publisher struct {
	producer sarama.SyncProducer
}

// NewPublisher 包装一个已有的生产者，测试时可传入 sarama/mocks
func NewPublisher(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// InitKafka 初始化 Kafka 生产者
func InitKafka(cfg *config.KafkaConfig) (*Publisher, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Version = sarama.V2_1_0_0
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, err
	}

	log.Info().Strs("brokers", cfg.Brokers).Msg("Kafka 生产者创建成功")
	return NewPublisher(producer), nil
}

// Send 发送消息到 Kafka，key 相同的消息进入同一分区
func (p *Publisher) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *Publisher) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
