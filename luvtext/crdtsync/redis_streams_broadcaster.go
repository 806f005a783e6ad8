package crdtsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
)

// RedisStreamsBroadcaster는 Redis Streams를 사용하는 브로드캐스터 구현입니다.
// 사이트마다 별도의 소비자 그룹을 사용하므로 모든 레플리카가 모든 메시지를 받습니다.
// 항목에는 메시지 발신자가 기록되며, 자신이 발신한 항목만 건너뜁니다.
// 그룹은 스트림의 처음부터 읽기 시작하므로 늦게 합류한 레플리카도 보관된 기록을 받습니다.
type RedisStreamsBroadcaster struct {
	client        *redis.Client
	streamKey     string
	consumerGroup string
	consumerName  string
	site          common.SessionID
	// maxLen은 스트림의 대략적인 최대 길이입니다.
	maxLen int64
	block  time.Duration
	logger *zap.Logger
}

// NewRedisStreamsBroadcaster는 새 Redis Streams 브로드캐스터를 생성합니다.
func NewRedisStreamsBroadcaster(ctx context.Context, client *redis.Client, streamKey string, site common.SessionID) (*RedisStreamsBroadcaster, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}

	b := &RedisStreamsBroadcaster{
		client:        client,
		streamKey:     streamKey,
		consumerGroup: fmt.Sprintf("%s-group-%s", streamKey, site.String()),
		consumerName:  fmt.Sprintf("consumer-%s", site.String()),
		site:          site,
		maxLen:        10000,
		block:         time.Second,
		logger:        core.GetLogger().Named("redis-streams"),
	}

	// 소비자 그룹 생성 (이미 존재하면 무시)
	err := client.XGroupCreateMkStream(ctx, streamKey, b.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return b, nil
}

// Broadcast는 메시지를 스트림에 추가합니다.
func (b *RedisStreamsBroadcaster) Broadcast(ctx context.Context, msg *Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	_, err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data":      data,
			"sessionID": msg.Sender.String(),
			"timestamp": time.Now().UnixNano(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// Next는 다른 레플리카가 보낸 다음 메시지를 수신합니다.
func (b *RedisStreamsBroadcaster) Next(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.consumerGroup,
			Consumer: b.consumerName,
			Streams:  []string{b.streamKey, ">"},
			Count:    1,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}
		if len(streams) == 0 || len(streams[0].Messages) == 0 {
			continue
		}

		entry := streams[0].Messages[0]
		// 처리 여부와 관계없이 확인 처리
		if err := b.client.XAck(ctx, b.streamKey, b.consumerGroup, entry.ID).Err(); err != nil {
			b.logger.Debug("failed to ack stream entry", zap.String("id", entry.ID), zap.Error(err))
		}

		if sender, _ := entry.Values["sessionID"].(string); sender == b.site.String() {
			continue
		}
		data, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		msg, err := DecodeMessage([]byte(data))
		if err != nil {
			b.logger.Warn("failed to decode stream entry", zap.String("id", entry.ID), zap.Error(err))
			continue
		}
		return msg, nil
	}
}

// Close는 이 사이트의 소비자 그룹을 삭제합니다.
func (b *RedisStreamsBroadcaster) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.XGroupDestroy(ctx, b.streamKey, b.consumerGroup).Err(); err != nil {
		return fmt.Errorf("failed to destroy consumer group: %w", err)
	}
	return nil
}
