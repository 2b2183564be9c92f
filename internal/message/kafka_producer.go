package message

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/bus"
	"github.com/charging-platform/evse-simulator/internal/domain/events"
	"github.com/charging-platform/evse-simulator/internal/metrics"
)

// envelope 导出到Kafka的事件信封
type envelope struct {
	Topic string       `json:"topic"`
	Event events.Event `json:"event"`
}

type KafkaProducer struct {
	producer sarama.AsyncProducer
	topic    string
	logger   zerolog.Logger
}

// ProducerOptions 生产者可调参数
type ProducerOptions struct {
	RetryMax       int
	FlushFrequency time.Duration
	ReturnSuccess  bool
}

// NewKafkaProducer 创建异步Kafka事件生产者
func NewKafkaProducer(brokers []string, topic string, opts ProducerOptions, logger zerolog.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal     // 只等待本地确认
	config.Producer.Compression = sarama.CompressionSnappy // 压缩
	config.Producer.Return.Errors = true
	config.Producer.Return.Successes = opts.ReturnSuccess
	if opts.RetryMax > 0 {
		config.Producer.Retry.Max = opts.RetryMax
	}
	config.Producer.Flush.Frequency = 500 * time.Millisecond
	if opts.FlushFrequency > 0 {
		config.Producer.Flush.Frequency = opts.FlushFrequency
	}

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka async producer: %w", err)
	}
	return newProducerWithAsync(producer, topic, opts.ReturnSuccess, logger), nil
}

// newProducerWithAsync 测试注入入口
func newProducerWithAsync(producer sarama.AsyncProducer, topic string, returnSuccess bool, logger zerolog.Logger) *KafkaProducer {
	kp := &KafkaProducer{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "kafka-producer").Logger(),
	}
	if returnSuccess {
		go kp.handleSuccesses()
	}
	go kp.handleErrors()
	return kp
}

// PublishEvent 发布一个事件，同一会话的事件用sessionId作Key保序
func (p *KafkaProducer) PublishEvent(event events.Event) error {
	data, err := json.Marshal(envelope{Topic: string(event.EventTopic()), Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event to JSON: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(eventKey(event)),
		Value: sarama.ByteEncoder(data),
	}
	p.producer.Input() <- msg
	metrics.EventsExported.WithLabelValues(string(event.EventTopic())).Inc()
	return nil
}

func (p *KafkaProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}

func (p *KafkaProducer) handleSuccesses() {
	for msg := range p.producer.Successes() {
		p.logger.Debug().
			Str("topic", msg.Topic).
			Msg("Kafka message sent successfully")
	}
}

func (p *KafkaProducer) handleErrors() {
	for err := range p.producer.Errors() {
		p.logger.Error().
			Err(err).
			Str("topic", err.Msg.Topic).
			Msg("Failed to send Kafka message")
	}
}

// eventKey 分区键：同一会话的事件落入同一分区
func eventKey(event events.Event) string {
	switch e := event.(type) {
	case *events.SessionEvent:
		return e.SessionID
	case *events.FrameEvent:
		return e.SessionID
	case *events.LimitEvent:
		return e.SessionID
	default:
		return string(event.EventTopic())
	}
}

// Exporter 把总线事件桥接到事件生产者
type Exporter struct {
	producer EventProducer
	eventBus *bus.Bus
	logger   zerolog.Logger
}

// NewExporter 创建事件导出器
func NewExporter(producer EventProducer, eventBus *bus.Bus, logger zerolog.Logger) *Exporter {
	return &Exporter{
		producer: producer,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "kafka-exporter").Logger(),
	}
}

// Run 订阅总线并导出事件直到ctx取消
func (e *Exporter) Run(ctx context.Context, topics ...events.Topic) {
	if len(topics) == 0 {
		topics = []events.Topic{
			events.TopicSessionEvent,
			events.TopicLimitChange,
			events.TopicMetricsTick,
		}
	}
	sub := e.eventBus.Subscribe(8192, topics...)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				e.logger.Warn().Msg("Exporter subscription dropped")
				return
			}
			if err := e.producer.PublishEvent(event); err != nil {
				e.logger.Error().Err(err).Msg("Failed to export event")
			}
		}
	}
}
