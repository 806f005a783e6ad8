package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
)

// RedisAdapter stores records as Redis strings and tracks their ids in a set.
type RedisAdapter struct {
	client     *redis.Client
	keyPrefix  string
	serializer DocumentSerializer
}

// NewRedisAdapter creates a Redis adapter. The client stays owned by the caller.
func NewRedisAdapter(client *redis.Client, keyPrefix string) *RedisAdapter {
	if keyPrefix == "" {
		keyPrefix = "luvtext"
	}
	return &RedisAdapter{
		client:     client,
		keyPrefix:  keyPrefix,
		serializer: NewJSONSerializer(),
	}
}

func (a *RedisAdapter) documentKey(documentID string) string {
	return fmt.Sprintf("%s:doc:%s", a.keyPrefix, documentID)
}

func (a *RedisAdapter) documentListKey() string {
	return fmt.Sprintf("%s:docs", a.keyPrefix)
}

// SaveDocument stores rec and adds its id to the document set.
func (a *RedisAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.documentKey(rec.ID), data, 0)
		pipe.SAdd(ctx, a.documentListKey(), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *RedisAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	data, err := a.client.Get(ctx, a.documentKey(documentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(documentID)
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments returns the members of the document set.
func (a *RedisAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	members, err := a.client.SMembers(ctx, a.documentListKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get document list: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// DeleteDocument removes the record and its set membership.
func (a *RedisAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, a.documentKey(documentID))
		pipe.SRem(ctx, a.documentListKey(), documentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close leaves the client open.
func (a *RedisAdapter) Close() error {
	return nil
}
