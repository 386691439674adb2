package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryQueue is an in-process MessageQueue with the same settlement contract as the
// Kafka binding. It backs local runs and pipeline tests.
type MemoryQueue struct {
	bufferSize int

	mu            sync.Mutex
	topics        map[string]chan *memoryEnvelope
	subscriptions []*memorySubscription
	started       bool
	closed        bool

	nextTag  atomic.Uint64
	inflight sync.Map // tag -> *memoryEnvelope

	statsMu     sync.Mutex
	acked       int
	deadLetters []DeadLetter
}

// DeadLetter records a message nacked without requeue.
type DeadLetter struct {
	Topic   string
	Message *Message
	Reason  string
}

type memoryEnvelope struct {
	topic       string
	msg         *Message
	redelivered bool
	sub         *memorySubscription
}

type memorySubscription struct {
	topic   string
	handler DeliveryHandler
	opts    SubscribeOptions
	baseCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a queue whose topics buffer up to bufferSize messages.
func NewMemoryQueue(bufferSize int) *MemoryQueue {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &MemoryQueue{
		bufferSize: bufferSize,
		topics:     make(map[string]chan *memoryEnvelope),
	}
}

func (q *MemoryQueue) topicChan(topic string) chan *memoryEnvelope {
	ch, ok := q.topics[topic]
	if !ok {
		ch = make(chan *memoryEnvelope, q.bufferSize)
		q.topics[topic] = ch
	}
	return ch
}

// Publish enqueues a copy of message on topic, blocking while the topic buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return q.enqueue(ctx, &memoryEnvelope{topic: topic, msg: cloneMessage(message)})
}

func (q *MemoryQueue) enqueue(ctx context.Context, env *memoryEnvelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := q.topicChan(env.topic)
	q.mu.Unlock()

	select {
	case ch <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers handler for topic. Subscriptions on one topic compete for messages.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler DeliveryHandler, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()

	sub := &memorySubscription{topic: topic, handler: handler, opts: options, baseCtx: ctx}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.subscriptions = append(q.subscriptions, sub)
	if q.started {
		q.startSubscription(sub)
	}
	return nil
}

// Start launches the workers of every subscription.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.started {
		return nil
	}
	for _, sub := range q.subscriptions {
		q.startSubscription(sub)
	}
	q.started = true
	return nil
}

func (q *MemoryQueue) startSubscription(sub *memorySubscription) {
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)
	ch := q.topicChan(sub.topic)

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			for {
				select {
				case <-sub.ctx.Done():
					return
				case env := <-ch:
					q.deliver(sub, env)
				}
			}
		}()
	}
}

func (q *MemoryQueue) deliver(sub *memorySubscription, env *memoryEnvelope) {
	tag := q.nextTag.Add(1)
	env.sub = sub
	q.inflight.Store(tag, env)
	d := NewDelivery(env.topic, tag, cloneMessage(env.msg), q)
	d.Redelivered = env.redelivered
	invokeHandler(sub.ctx, sub.opts, sub.handler, d)
}

// Ack drops the in-flight message.
func (q *MemoryQueue) Ack(ctx context.Context, tag uint64) error {
	if _, ok := q.inflight.LoadAndDelete(tag); !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	q.statsMu.Lock()
	q.acked++
	q.statsMu.Unlock()
	return nil
}

// Nack either puts the message back on its topic or records it as a dead letter.
func (q *MemoryQueue) Nack(ctx context.Context, tag uint64, requeue bool, reason string) error {
	v, ok := q.inflight.LoadAndDelete(tag)
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	env := v.(*memoryEnvelope)
	if requeue {
		return q.enqueue(context.WithoutCancel(ctx), &memoryEnvelope{topic: env.topic, msg: env.msg, redelivered: true})
	}

	msg := cloneMessage(env.msg)
	msg.SetHeader(HeaderOriginTopic, env.topic)
	if reason != "" {
		msg.SetHeader(HeaderNackReason, reason)
	}
	q.statsMu.Lock()
	q.deadLetters = append(q.deadLetters, DeadLetter{Topic: env.topic, Message: msg, Reason: reason})
	q.statsMu.Unlock()

	if dlq := env.sub.opts.DeadLetterTopic; dlq != "" {
		q.offer(&memoryEnvelope{topic: dlq, msg: msg})
	}
	return nil
}

// offer enqueues without waiting. A full topic drops the envelope; dead letters
// stay visible through DeadLetters either way.
func (q *MemoryQueue) offer(env *memoryEnvelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	ch := q.topicChan(env.topic)
	q.mu.Unlock()

	select {
	case ch <- env:
	default:
	}
}

// Pending returns the number of queued, undelivered messages on topic.
func (q *MemoryQueue) Pending(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[topic]
	if !ok {
		return 0
	}
	return len(ch)
}

// Receive pops one queued message from topic without going through a subscription.
func (q *MemoryQueue) Receive(topic string) (*Message, bool) {
	q.mu.Lock()
	ch := q.topicChan(topic)
	q.mu.Unlock()
	select {
	case env := <-ch:
		return cloneMessage(env.msg), true
	default:
		return nil, false
	}
}

// Acked returns how many deliveries were acknowledged.
func (q *MemoryQueue) Acked() int {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	return q.acked
}

// DeadLetters returns the messages nacked without requeue, oldest first.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	out := make([]DeadLetter, len(q.deadLetters))
	copy(out, q.deadLetters)
	return out
}

// Stop cancels the workers and waits for in-flight handlers.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	subs := append([]*memorySubscription(nil), q.subscriptions...)
	q.started = false
	q.mu.Unlock()

	for _, sub := range subs {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range subs {
		sub.wg.Wait()
	}
	return nil
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	_ = q.Stop()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func cloneMessage(m *Message) *Message {
	out := *m
	out.Body = append([]byte(nil), m.Body...)
	out.Headers = make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		out.Headers[k] = v
	}
	return &out
}
