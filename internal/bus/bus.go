package bus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/charging-platform/evse-simulator/internal/domain/events"
)

// DefaultBufferSize 订阅者默认缓冲大小
const DefaultBufferSize = 256

// Subscription 订阅句柄
type Subscription struct {
	id     string
	topics map[events.Topic]bool
	ch     chan events.Event
	bus    *Bus
	once   sync.Once
}

// Events 返回事件通道，订阅被丢弃或取消后通道关闭
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Cancel 取消订阅
func (s *Subscription) Cancel() {
	s.bus.remove(s)
}

// Bus 进程内事件总线
// 发布从不阻塞：订阅者缓冲满时该订阅被整体丢弃并记录告警
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger zerolog.Logger
}

// New 创建事件总线
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// Subscribe 订阅一组主题，bufferSize<=0时使用默认值
func (b *Bus) Subscribe(bufferSize int, topics ...events.Topic) *Subscription {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	sub := &Subscription{
		id:     uuid.New().String(),
		topics: make(map[events.Topic]bool, len(topics)),
		ch:     make(chan events.Event, bufferSize),
		bus:    b,
	}
	for _, topic := range topics {
		sub.topics[topic] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish 发布事件到匹配主题的所有订阅者
func (b *Bus) Publish(event events.Event) {
	topic := event.EventTopic()

	b.mu.RLock()
	var slow []*Subscription
	for _, sub := range b.subs {
		if !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		b.logger.Warn().
			Str("subscription_id", sub.id).
			Str("topic", string(topic)).
			Msg("Dropping slow subscriber, buffer full")
		b.remove(sub)
	}
}

// remove 移除订阅并关闭其通道
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	if ok {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// SubscriberCount 当前订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭总线并断开所有订阅者
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}
