package crdtsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"collabtext/luvtext/core"
)

// RedisPeerDiscovery는 TTL이 있는 Redis 키로 문서의 활성 레플리카를 추적합니다.
// 키 형식: <prefix>:peers:<peerID>
type RedisPeerDiscovery struct {
	client    *redis.Client
	keyPrefix string
	peerID    string

	// ttl은 피어 등록의 TTL입니다.
	ttl time.Duration
	// heartbeatInterval은 하트비트 간격입니다.
	heartbeatInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	logger  *zap.Logger
}

// NewRedisPeerDiscovery는 새 Redis 피어 발견을 생성합니다.
func NewRedisPeerDiscovery(client *redis.Client, keyPrefix string, peerID string) *RedisPeerDiscovery {
	return &RedisPeerDiscovery{
		client:            client,
		keyPrefix:         keyPrefix,
		peerID:            peerID,
		ttl:               30 * time.Second,
		heartbeatInterval: 10 * time.Second,
		logger:            core.GetLogger().Named("peer-discovery"),
	}
}

// WithTTL은 등록 TTL과 하트비트 간격을 설정합니다.
func (pd *RedisPeerDiscovery) WithTTL(ttl, heartbeat time.Duration) *RedisPeerDiscovery {
	pd.ttl = ttl
	pd.heartbeatInterval = heartbeat
	return pd
}

func (pd *RedisPeerDiscovery) key(peerID string) string {
	return fmt.Sprintf("%s:peers:%s", pd.keyPrefix, peerID)
}

// Start는 자신을 등록하고 하트비트를 시작합니다.
func (pd *RedisPeerDiscovery) Start(ctx context.Context) error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if pd.running {
		return fmt.Errorf("peer discovery is already running")
	}
	if err := pd.RegisterPeer(ctx, pd.peerID); err != nil {
		return fmt.Errorf("failed to register self: %w", err)
	}

	hctx, cancel := context.WithCancel(ctx)
	pd.cancel = cancel
	pd.done = make(chan struct{})
	pd.running = true
	go pd.heartbeat(hctx, pd.done)
	return nil
}

// DiscoverPeers는 자신을 제외한 활성 피어를 반환합니다.
func (pd *RedisPeerDiscovery) DiscoverPeers(ctx context.Context) ([]string, error) {
	prefix := pd.key("")
	var (
		cursor uint64
		peers  []string
	)
	for {
		keys, next, err := pd.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer keys: %w", err)
		}
		for _, key := range keys {
			peerID := strings.TrimPrefix(key, prefix)
			if peerID != pd.peerID {
				peers = append(peers, peerID)
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return peers, nil
}

// RegisterPeer는 피어를 등록합니다.
func (pd *RedisPeerDiscovery) RegisterPeer(ctx context.Context, peerID string) error {
	if err := pd.client.Set(ctx, pd.key(peerID), time.Now().Unix(), pd.ttl).Err(); err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

// UnregisterPeer는 피어 등록을 해제합니다.
func (pd *RedisPeerDiscovery) UnregisterPeer(ctx context.Context, peerID string) error {
	if err := pd.client.Del(ctx, pd.key(peerID)).Err(); err != nil {
		return fmt.Errorf("failed to unregister peer: %w", err)
	}
	return nil
}

// Close는 하트비트를 멈추고 자신의 등록을 해제합니다.
func (pd *RedisPeerDiscovery) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	if !pd.running {
		return nil
	}
	pd.cancel()
	<-pd.done
	pd.running = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pd.UnregisterPeer(ctx, pd.peerID); err != nil {
		return fmt.Errorf("failed to unregister self: %w", err)
	}
	return nil
}

// heartbeat는 주기적으로 자신의 등록을 갱신합니다.
func (pd *RedisPeerDiscovery) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(pd.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pd.RegisterPeer(ctx, pd.peerID); err != nil && ctx.Err() == nil {
				pd.logger.Warn("heartbeat failed", zap.String("peer", pd.peerID), zap.Error(err))
			}
		}
	}
}
