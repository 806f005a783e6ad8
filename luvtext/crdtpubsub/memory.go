package crdtpubsub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"collabtext/luvtext/core"
	"collabtext/luvtext/crdtpatch"
)

// MemoryPubSub implements the PubSub interface using in-memory channels.
// Each subscription receives messages in publish order on its own
// goroutine.
type MemoryPubSub struct {
	// options contains the configuration options.
	options *Options
	// subscriptions is a map of topic to subscriptions.
	subscriptions map[string][]*memorySubscription
	// mutex protects the subscriptions map.
	mutex sync.RWMutex
	// closed indicates whether the PubSub has been closed.
	closed bool
	logger *zap.Logger
}

// memorySubscription represents a subscription to an in-memory topic.
type memorySubscription struct {
	topic        string
	subscriberID string
	handler      SubscriberFunc
	queue        chan PatchMessage
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewMemoryPubSub creates a new MemoryPubSub with the specified options.
func NewMemoryPubSub(options *Options) (*MemoryPubSub, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.BufferSize <= 0 {
		options.BufferSize = 256
	}

	return &MemoryPubSub{
		options:       options,
		subscriptions: make(map[string][]*memorySubscription),
		logger:        core.LoggerOr(options.Logger).Named("memory-pubsub"),
	}, nil
}

// Publish publishes a patch to the specified topic.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, patch *crdtpatch.Patch, format EncodingFormat) error {
	format = ps.options.format(format)
	data, err := encodePatch(patch, format)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	return ps.PublishRaw(ctx, topic, data, format)
}

// PublishRaw publishes raw data to the specified topic.
func (ps *MemoryPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	msg := PatchMessage{
		Topic:   topic,
		Payload: append([]byte(nil), data...),
		Format:  ps.options.format(format),
	}
	return ps.deliverMessage(ctx, msg)
}

// deliverMessage queues msg for every subscriber of its topic. It blocks
// while a subscriber's buffer is full.
func (ps *MemoryPubSub) deliverMessage(ctx context.Context, msg PatchMessage) error {
	ps.mutex.RLock()
	if ps.closed {
		ps.mutex.RUnlock()
		return fmt.Errorf("pubsub is closed")
	}
	subscribers := append([]*memorySubscription(nil), ps.subscriptions[msg.Topic]...)
	ps.mutex.RUnlock()

	for _, sub := range subscribers {
		select {
		case sub.queue <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}
	for _, sub := range ps.subscriptions[topic] {
		if sub.subscriberID == subscriberID {
			return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		queue:        make(chan PatchMessage, ps.options.BufferSize),
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	ps.subscriptions[topic] = append(ps.subscriptions[topic], sub)

	go ps.run(sub)
	return nil
}

func (ps *MemoryPubSub) run(sub *memorySubscription) {
	defer close(sub.done)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg := <-sub.queue:
			if err := sub.handler(sub.ctx, msg.Topic, msg.Payload, msg.Format); err != nil {
				ps.logger.Warn("failed to handle message",
					zap.String("topic", msg.Topic),
					zap.String("subscriber", sub.subscriberID),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *MemoryPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	subs := ps.subscriptions[topic]
	var removed *memorySubscription
	for i, sub := range subs {
		if sub.subscriberID == subscriberID {
			removed = sub
			ps.subscriptions[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(ps.subscriptions[topic]) == 0 {
		delete(ps.subscriptions, topic)
	}
	ps.mutex.Unlock()

	if removed == nil {
		return fmt.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	removed.cancel()
	<-removed.done
	return nil
}

// SubscriberCount returns the number of subscriptions on topic.
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return len(ps.subscriptions[topic])
}

// Close closes the PubSub and cancels all subscriptions.
func (ps *MemoryPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true
	all := ps.subscriptions
	ps.subscriptions = make(map[string][]*memorySubscription)
	ps.mutex.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.cancel()
			<-sub.done
		}
	}
	return nil
}
