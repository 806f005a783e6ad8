package crdtstorage

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

var _ ds.Batching = (*RedisDatastore)(nil)

// RedisDatastore exposes a Redis keyspace as an IPFS datastore.
type RedisDatastore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDatastore wraps client. A zero ttl keeps keys forever.
func NewRedisDatastore(client *redis.Client, ttl time.Duration) (*RedisDatastore, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisDatastore{client: client, ttl: ttl}, nil
}

// Put stores value under key.
func (rd *RedisDatastore) Put(ctx context.Context, key ds.Key, value []byte) error {
	return rd.client.Set(ctx, key.String(), value, rd.ttl).Err()
}

// Get returns ds.ErrNotFound for missing keys.
func (rd *RedisDatastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	data, err := rd.client.Get(ctx, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ds.ErrNotFound
	}
	return data, err
}

// Has reports whether key exists.
func (rd *RedisDatastore) Has(ctx context.Context, key ds.Key) (bool, error) {
	n, err := rd.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSize returns the stored value length.
func (rd *RedisDatastore) GetSize(ctx context.Context, key ds.Key) (int, error) {
	ok, err := rd.Has(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ds.ErrNotFound
	}
	size, err := rd.client.StrLen(ctx, key.String()).Result()
	if err != nil {
		return 0, err
	}
	return int(size), nil
}

// Delete removes key.
func (rd *RedisDatastore) Delete(ctx context.Context, key ds.Key) error {
	return rd.client.Del(ctx, key.String()).Err()
}

// Query scans keys matching the query prefix. Filters and orders are
// applied by the datastore query package.
func (rd *RedisDatastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	pattern := "*"
	if q.Prefix != "" {
		pattern = ds.NewKey(q.Prefix).String() + "/*"
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rd.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}

	entries := make([]dsq.Entry, 0, len(keys))
	for _, key := range keys {
		entry := dsq.Entry{Key: key}
		if !q.KeysOnly {
			value, err := rd.client.Get(ctx, key).Bytes()
			if err != nil {
				// Expired or deleted between SCAN and GET.
				continue
			}
			entry.Value = value
			entry.Size = len(value)
		}
		entries = append(entries, entry)
	}

	naive := q
	naive.Prefix = ""
	return dsq.NaiveQueryApply(naive, dsq.ResultsWithEntries(q, entries)), nil
}

// Batch buffers writes in a pipeline.
func (rd *RedisDatastore) Batch(ctx context.Context) (ds.Batch, error) {
	return &redisBatch{ds: rd, pipeline: rd.client.Pipeline()}, nil
}

// Sync is a no-op.
func (rd *RedisDatastore) Sync(ctx context.Context, prefix ds.Key) error {
	return nil
}

// Close leaves the client open.
func (rd *RedisDatastore) Close() error {
	return nil
}

type redisBatch struct {
	ds       *RedisDatastore
	pipeline redis.Pipeliner
	size     int
}

func (rb *redisBatch) Put(ctx context.Context, key ds.Key, value []byte) error {
	rb.pipeline.Set(ctx, key.String(), value, rb.ds.ttl)
	rb.size++
	return nil
}

func (rb *redisBatch) Delete(ctx context.Context, key ds.Key) error {
	rb.pipeline.Del(ctx, key.String())
	rb.size++
	return nil
}

func (rb *redisBatch) Commit(ctx context.Context) error {
	if rb.size == 0 {
		return nil
	}
	_, err := rb.pipeline.Exec(ctx)
	return err
}
