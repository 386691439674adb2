package mq

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrAlreadySettled is returned when a delivery is acked or nacked twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("message queue is closed")

// MessageQueue is the broker binding used by the submission pipeline.
// Consumers settle every delivery explicitly; nothing is auto-acked.
type MessageQueue interface {
	Producer
	Consumer

	Ping(ctx context.Context) error
	Close() error
}

// Producer publishes messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer registers handlers and runs the consume loops.
type Consumer interface {
	// Subscribe registers handler for topic. Registration after Start begins consuming immediately.
	Subscribe(ctx context.Context, topic string, handler DeliveryHandler, opts *SubscribeOptions) error
	Start() error
	// Stop cancels the consume loops and waits for in-flight handlers.
	Stop() error
}

// Message is the broker-agnostic envelope.
type Message struct {
	ID        string            `json:"id"`
	Key       string            `json:"key,omitempty"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// Acknowledger settles deliveries on the broker side, addressed by delivery tag.
type Acknowledger interface {
	Ack(ctx context.Context, tag uint64) error
	// Nack rejects the delivery. With requeue=false the message is never redelivered
	// to this consumer group; bindings may forward it to a dead-letter topic.
	Nack(ctx context.Context, tag uint64, requeue bool, reason string) error
}

// Delivery is one received message awaiting settlement.
type Delivery struct {
	Message     *Message
	Topic       string
	Tag         uint64
	Redelivered bool

	acker   Acknowledger
	settled atomic.Bool
}

// NewDelivery binds a message to the acknowledger that settles it.
func NewDelivery(topic string, tag uint64, msg *Message, acker Acknowledger) *Delivery {
	return &Delivery{Message: msg, Topic: topic, Tag: tag, acker: acker}
}

// Ack marks the message as processed.
func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Ack(ctx, d.Tag)
}

// Nack rejects the message.
func (d *Delivery) Nack(ctx context.Context, requeue bool, reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.acker.Nack(ctx, d.Tag, requeue, reason)
}

// Settled reports whether Ack or Nack has been called.
func (d *Delivery) Settled() bool {
	return d.settled.Load()
}

// DeliveryHandler processes one delivery and must settle it.
// Deliveries left unsettled when the handler returns are nacked without requeue.
type DeliveryHandler func(ctx context.Context, delivery *Delivery)

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the consumer group name (for Kafka)
	ConsumerGroup string

	// PrefetchCount bounds fetched-but-unhandled messages per worker.
	// Default: 1
	PrefetchCount int

	// Concurrency sets the number of concurrent workers
	// Default: 1
	Concurrency int

	// HandlerTimeout bounds a single handler invocation; it should stay below the broker redelivery timeout.
	// Default: 30 seconds
	HandlerTimeout time.Duration

	// DeadLetterTopic receives messages nacked without requeue. Empty disables forwarding.
	DeadLetterTopic string
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.PrefetchCount <= 0 {
		o.PrefetchCount = 1
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 30 * time.Second
	}
}
