package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// SaramaConsumerGroup sarama.ConsumerGroup中消费者依赖的子集
type SaramaConsumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Errors() <-chan error
	Close() error
}

// KafkaConsumer 消费控制指令主题并分发到handler
type KafkaConsumer struct {
	consumerGroup SaramaConsumerGroup
	topic         string
	logger        zerolog.Logger
	cancel        context.CancelFunc
	handler       CommandHandler
}

// NewKafkaConsumer 创建指令消费者
func NewKafkaConsumer(brokers []string, groupID, topic string, offsetsInitial string, logger zerolog.Logger) (*KafkaConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if offsetsInitial == "oldest" {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRange()
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sarama consumer group: %w", err)
	}

	c := NewKafkaConsumerWithGroup(consumerGroup, topic, logger)
	go func() {
		for err := range consumerGroup.Errors() {
			c.logger.Error().Err(err).Msg("Sarama consumer group error")
		}
	}()
	return c, nil
}

// NewKafkaConsumerWithGroup 测试注入入口
func NewKafkaConsumerWithGroup(group SaramaConsumerGroup, topic string, logger zerolog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		consumerGroup: group,
		topic:         topic,
		logger:        logger.With().Str("component", "kafka-consumer").Logger(),
	}
}

// Start 启动消费循环
func (c *KafkaConsumer) Start(handler CommandHandler) error {
	c.handler = handler

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		defer cancel()
		for {
			// Consume在rebalance后返回，需要循环重入
			if err := c.consumerGroup.Consume(ctx, []string{c.topic}, c); err != nil {
				c.logger.Error().Err(err).Msg("Error from Kafka consumer group")
				if ctx.Err() != nil {
					c.logger.Info().Msg("Kafka consumer context cancelled, stopping consumption")
					return
				}
				time.Sleep(time.Second)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

// Close 关闭消费者
func (c *KafkaConsumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.consumerGroup != nil {
		return c.consumerGroup.Close()
	}
	return nil
}

// -- sarama.ConsumerGroupHandler 接口实现 --

func (c *KafkaConsumer) Setup(sarama.ConsumerGroupSession) error {
	c.logger.Info().Msg("Kafka consumer group setup completed")
	return nil
}

func (c *KafkaConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	c.logger.Info().Msg("Kafka consumer group cleanup completed")
	return nil
}

// ConsumeClaim 核心消费逻辑：反序列化指令并分发
func (c *KafkaConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var cmd Command
		if err := json.Unmarshal(message.Value, &cmd); err != nil {
			c.logger.Error().
				Err(err).
				Str("message", string(message.Value)).
				Msg("Failed to unmarshal Kafka command")
			session.MarkMessage(message, "")
			continue
		}

		c.handler(&cmd)

		// 处理失败也标记，指令不重放
		session.MarkMessage(message, "")
		c.logger.Debug().
			Str("type", cmd.Type).
			Str("session_id", cmd.SessionID).
			Int64("offset", message.Offset).
			Msg("Command consumed")
	}
	return nil
}
