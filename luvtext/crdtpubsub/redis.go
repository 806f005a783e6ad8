package crdtpubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"collabtext/luvtext/core"
	"collabtext/luvtext/crdtpatch"
)

// RedisPubSub implements the PubSub interface using Redis Pub/Sub.
// Every subscription owns its own Redis subscription connection.
type RedisPubSub struct {
	client  *redis.Client
	options *Options
	// subscriptions is keyed by topic, then subscriber id.
	subscriptions map[string]map[string]*redisSubscription
	mutex         sync.Mutex
	closed        bool
	logger        *zap.Logger
}

type redisSubscription struct {
	topic        string
	subscriberID string
	handler      SubscriberFunc
	pubsub       *redis.PubSub
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewRedisPubSub creates a new RedisPubSub with the specified Redis client and options.
func NewRedisPubSub(client *redis.Client, options *Options) (*RedisPubSub, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if options == nil {
		options = NewOptions()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPubSub{
		client:        client,
		options:       options,
		subscriptions: make(map[string]map[string]*redisSubscription),
		logger:        core.LoggerOr(options.Logger).Named("redis-pubsub"),
	}, nil
}

// Publish publishes a patch to the specified topic.
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, patch *crdtpatch.Patch, format EncodingFormat) error {
	format = ps.options.format(format)
	data, err := encodePatch(patch, format)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	return ps.PublishRaw(ctx, topic, data, format)
}

// PublishRaw publishes raw data to the specified topic.
func (ps *RedisPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	ps.mutex.Lock()
	closed := ps.closed
	ps.mutex.Unlock()
	if closed {
		return fmt.Errorf("pubsub is closed")
	}

	msg := PatchMessage{
		Topic:    topic,
		Payload:  data,
		Format:   ps.options.format(format),
		Metadata: map[string]string{"format": string(ps.options.format(format))},
	}
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := ps.client.Publish(ctx, topic, msgData).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.closed {
		return fmt.Errorf("pubsub is closed")
	}
	if _, ok := ps.subscriptions[topic][subscriberID]; ok {
		return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	pubsub := ps.client.Subscribe(ctx, topic)
	// Receive blocks until Redis confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{
		topic:        topic,
		subscriberID: subscriberID,
		handler:      handler,
		pubsub:       pubsub,
		ctx:          subCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if ps.subscriptions[topic] == nil {
		ps.subscriptions[topic] = make(map[string]*redisSubscription)
	}
	ps.subscriptions[topic][subscriberID] = sub

	go ps.handleMessages(sub)
	return nil
}

func (ps *RedisPubSub) handleMessages(sub *redisSubscription) {
	defer close(sub.done)

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var patchMsg PatchMessage
			if err := json.Unmarshal([]byte(msg.Payload), &patchMsg); err != nil {
				ps.logger.Warn("failed to decode message", zap.String("topic", msg.Channel), zap.Error(err))
				continue
			}
			if err := sub.handler(sub.ctx, msg.Channel, patchMsg.Payload, patchMsg.Format); err != nil {
				ps.logger.Warn("failed to handle message",
					zap.String("topic", msg.Channel),
					zap.String("subscriber", sub.subscriberID),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (ps *RedisPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	ps.mutex.Lock()
	sub, ok := ps.subscriptions[topic][subscriberID]
	if ok {
		delete(ps.subscriptions[topic], subscriberID)
		if len(ps.subscriptions[topic]) == 0 {
			delete(ps.subscriptions, topic)
		}
	}
	ps.mutex.Unlock()

	if !ok {
		return fmt.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	return ps.stop(sub)
}

func (ps *RedisPubSub) stop(sub *redisSubscription) error {
	sub.cancel()
	err := sub.pubsub.Close()
	<-sub.done
	if err != nil {
		return fmt.Errorf("failed to close subscription: %w", err)
	}
	return nil
}

// Close closes all subscriptions. The Redis client is owned by the caller.
func (ps *RedisPubSub) Close() error {
	ps.mutex.Lock()
	if ps.closed {
		ps.mutex.Unlock()
		return nil
	}
	ps.closed = true
	all := ps.subscriptions
	ps.subscriptions = make(map[string]map[string]*redisSubscription)
	ps.mutex.Unlock()

	var firstErr error
	for _, subs := range all {
		for _, sub := range subs {
			if err := ps.stop(sub); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
