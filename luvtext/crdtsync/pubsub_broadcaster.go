package crdtsync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdtpubsub"
)

// PubSubBroadcaster는 crdtpubsub.PubSub 위에서 동작하는 브로드캐스터입니다.
// 생성 시 한 번만 구독하고, 수신한 메시지를 버퍼 채널에 쌓아 Next로 전달합니다.
type PubSubBroadcaster struct {
	pubsub       crdtpubsub.PubSub
	topic        string
	format       crdtpubsub.EncodingFormat
	site         common.SessionID
	subscriberID string
	logger       *zap.Logger

	inbox  chan *Message
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewPubSubBroadcaster는 topic을 구독하는 새 브로드캐스터를 생성합니다.
func NewPubSubBroadcaster(ctx context.Context, ps crdtpubsub.PubSub, topic string, format crdtpubsub.EncodingFormat, site common.SessionID) (*PubSubBroadcaster, error) {
	if ps == nil {
		return nil, fmt.Errorf("pubsub cannot be nil")
	}
	if format == "" {
		format = crdtpubsub.EncodingFormatJSON
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &PubSubBroadcaster{
		pubsub:       ps,
		topic:        topic,
		format:       format,
		site:         site,
		subscriberID: fmt.Sprintf("broadcaster-%s", site.String()),
		logger:       core.GetLogger().Named("pubsub-broadcaster"),
		inbox:        make(chan *Message, 1024),
		ctx:          bctx,
		cancel:       cancel,
	}

	if err := ps.Subscribe(bctx, topic, b.subscriberID, b.receive); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return b, nil
}

func (b *PubSubBroadcaster) receive(ctx context.Context, _ string, data []byte, format crdtpubsub.EncodingFormat) error {
	payload, err := crdtpubsub.DecodePayload(data, format)
	if err != nil {
		return err
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		return err
	}

	// 자신이 보낸 메시지는 무시
	if msg.Sender == b.site {
		return nil
	}

	select {
	case b.inbox <- msg:
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast는 메시지를 다른 노드들에게 브로드캐스트합니다.
func (b *PubSubBroadcaster) Broadcast(ctx context.Context, msg *Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	payload, err := crdtpubsub.EncodePayload(data, b.format)
	if err != nil {
		return err
	}
	return b.pubsub.PublishRaw(ctx, b.topic, payload, b.format)
}

// Next는 다음 메시지를 수신합니다.
func (b *PubSubBroadcaster) Next(ctx context.Context) (*Message, error) {
	select {
	case msg := <-b.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, fmt.Errorf("broadcaster is closed")
	}
}

// Close는 구독을 해제합니다. 하부 PubSub은 닫지 않습니다.
func (b *PubSubBroadcaster) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		if err := b.pubsub.Unsubscribe(context.Background(), b.topic, b.subscriberID); err != nil {
			b.logger.Debug("unsubscribe failed", zap.String("topic", b.topic), zap.Error(err))
		}
	})
	return nil
}
