package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ds "github.com/ipfs/go-datastore"
	crdt "github.com/ipfs/go-ds-crdt"
	format "github.com/ipfs/go-ipld-format"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdtpubsub"
)

// ReplicatedOptions configures a ReplicatedDatastore.
type ReplicatedOptions struct {
	// Namespace prefixes the merge state kept in the base store.
	Namespace string

	// Topic carries head announcements between replicas.
	Topic string

	// DAG resolves Merkle-DAG nodes. Nil uses NewOfflineDAG over the base store.
	DAG format.DAGService

	// RebroadcastInterval is the period between head re-announcements.
	RebroadcastInterval time.Duration

	Logger *zap.Logger
}

// DefaultReplicatedOptions returns the default options.
func DefaultReplicatedOptions() ReplicatedOptions {
	return ReplicatedOptions{
		Namespace:           "/luvtext/crdt",
		Topic:               "luvtext-snapshots",
		RebroadcastInterval: time.Minute,
	}
}

// ReplicatedDatastore is a key-value datastore whose writes are merged
// across servers through a Merkle-CRDT. Record keys are last-writer-wins.
type ReplicatedDatastore struct {
	*crdt.Datastore
	base  ds.Batching
	heads *headBroadcaster
}

// NewReplicatedDatastore layers a Merkle-CRDT over base, announcing heads
// on opts.Topic of ps. The base store is closed with the datastore.
func NewReplicatedDatastore(ctx context.Context, base ds.Batching, ps crdtpubsub.PubSub, opts ReplicatedOptions) (*ReplicatedDatastore, error) {
	if base == nil || ps == nil {
		return nil, fmt.Errorf("replicated datastore requires a base store and a pubsub")
	}
	def := DefaultReplicatedOptions()
	if opts.Namespace == "" {
		opts.Namespace = def.Namespace
	}
	if opts.Topic == "" {
		opts.Topic = def.Topic
	}
	if opts.RebroadcastInterval <= 0 {
		opts.RebroadcastInterval = def.RebroadcastInterval
	}
	logger := core.LoggerOr(opts.Logger).Named("replicated-datastore")

	dagService := opts.DAG
	if dagService == nil {
		dagService = NewOfflineDAG(base)
	}

	heads, err := newHeadBroadcaster(ctx, ps, opts.Topic)
	if err != nil {
		return nil, err
	}

	crdtOpts := crdt.DefaultOptions()
	crdtOpts.Logger = logger.Sugar()
	crdtOpts.RebroadcastInterval = opts.RebroadcastInterval
	crdtOpts.DAGSyncerTimeout = 5 * time.Second
	crdtOpts.PutHook = func(k ds.Key, _ []byte) {
		logger.Debug("replicated put", zap.String("key", k.String()))
	}
	crdtOpts.DeleteHook = func(k ds.Key) {
		logger.Debug("replicated delete", zap.String("key", k.String()))
	}

	store, err := crdt.New(base, ds.NewKey(opts.Namespace), dagService, heads, crdtOpts)
	if err != nil {
		heads.Close()
		return nil, fmt.Errorf("failed to create CRDT datastore: %w", err)
	}
	return &ReplicatedDatastore{Datastore: store, base: base, heads: heads}, nil
}

// Close stops replication and closes the base store.
func (r *ReplicatedDatastore) Close() error {
	return errors.Join(r.Datastore.Close(), r.heads.Close(), r.base.Close())
}

// headBroadcaster adapts a crdtpubsub topic to the byte-oriented
// broadcaster the Merkle-CRDT expects. Own announcements are delivered back
// and merged as no-ops.
type headBroadcaster struct {
	ps           crdtpubsub.PubSub
	topic        string
	subscriberID string

	inbox  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newHeadBroadcaster(ctx context.Context, ps crdtpubsub.PubSub, topic string) (*headBroadcaster, error) {
	bctx, cancel := context.WithCancel(ctx)
	b := &headBroadcaster{
		ps:           ps,
		topic:        topic,
		subscriberID: "heads-" + common.NewSessionID().String(),
		inbox:        make(chan []byte, 256),
		ctx:          bctx,
		cancel:       cancel,
	}
	if err := ps.Subscribe(bctx, topic, b.subscriberID, b.receive); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return b, nil
}

func (b *headBroadcaster) receive(ctx context.Context, _ string, data []byte, enc crdtpubsub.EncodingFormat) error {
	payload, err := crdtpubsub.DecodePayload(data, enc)
	if err != nil {
		return err
	}
	select {
	case b.inbox <- payload:
		return nil
	case <-b.ctx.Done():
		return b.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *headBroadcaster) Broadcast(ctx context.Context, data []byte) error {
	payload, err := crdtpubsub.EncodePayload(data, crdtpubsub.EncodingFormatBase64)
	if err != nil {
		return err
	}
	return b.ps.PublishRaw(ctx, b.topic, payload, crdtpubsub.EncodingFormatBase64)
}

func (b *headBroadcaster) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-b.inbox:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, crdt.ErrNoMoreBroadcast
	}
}

func (b *headBroadcaster) Close() error {
	b.once.Do(func() {
		b.cancel()
		_ = b.ps.Unsubscribe(context.Background(), b.topic, b.subscriberID)
	})
	return nil
}
