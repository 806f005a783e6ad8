package crdtsync

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtpubsub"
)

// SyncType은 동기화 유형을 나타냅니다.
type SyncType string

const (
	// SyncTypePubSub은 PubSub 구현(메모리, Redis, GossipSub) 위의 동기화를 나타냅니다.
	SyncTypePubSub SyncType = "pubsub"

	// SyncTypeRedisStreams은 Redis Streams 기반 동기화를 나타냅니다.
	SyncTypeRedisStreams SyncType = "redis_streams"
)

// SyncOptions는 동기화 옵션을 나타냅니다.
type SyncOptions struct {
	// SyncType은 동기화 유형입니다.
	SyncType SyncType

	// PubSub은 SyncTypePubSub에서 공유되는 PubSub입니다.
	PubSub crdtpubsub.PubSub

	// RedisClient는 SyncTypeRedisStreams에서 사용하는 클라이언트입니다.
	RedisClient *redis.Client

	// EncodingFormat은 메시지 인코딩 형식입니다.
	EncodingFormat crdtpubsub.EncodingFormat

	// TopicPrefix는 문서별 토픽과 스트림 키 앞에 붙습니다.
	TopicPrefix string
}

// DefaultSyncOptions는 기본 동기화 옵션을 반환합니다.
func DefaultSyncOptions() *SyncOptions {
	return &SyncOptions{
		SyncType:       SyncTypePubSub,
		EncodingFormat: crdtpubsub.EncodingFormatJSON,
		TopicPrefix:    "luvtext",
	}
}

// Topic returns the channel name used for documentID.
func (o *SyncOptions) Topic(documentID string) string {
	prefix := o.TopicPrefix
	if prefix == "" {
		prefix = "luvtext"
	}
	return fmt.Sprintf("%s-%s-messages", prefix, documentID)
}

// BroadcasterFactory creates the broadcaster of one site on one document.
type BroadcasterFactory func(ctx context.Context, documentID string, site common.SessionID) (Broadcaster, error)

// NewBroadcasterFactory는 옵션에 따라 브로드캐스터 팩토리를 생성합니다.
func NewBroadcasterFactory(options *SyncOptions) (BroadcasterFactory, error) {
	if options == nil {
		options = DefaultSyncOptions()
	}

	switch options.SyncType {
	case SyncTypePubSub, "":
		if options.PubSub == nil {
			return nil, fmt.Errorf("pubsub sync requires a PubSub")
		}
		return func(ctx context.Context, documentID string, site common.SessionID) (Broadcaster, error) {
			return NewPubSubBroadcaster(ctx, options.PubSub, options.Topic(documentID), options.EncodingFormat, site)
		}, nil

	case SyncTypeRedisStreams:
		if options.RedisClient == nil {
			return nil, fmt.Errorf("redis streams sync requires a redis client")
		}
		return func(ctx context.Context, documentID string, site common.SessionID) (Broadcaster, error) {
			return NewRedisStreamsBroadcaster(ctx, options.RedisClient, options.Topic(documentID), site)
		}, nil

	default:
		return nil, fmt.Errorf("unsupported sync type: %s", options.SyncType)
	}
}
