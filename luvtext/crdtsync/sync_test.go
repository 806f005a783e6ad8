package crdtsync

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtpatch"
	"collabtext/luvtext/crdtpubsub"
)

func buildPatch(clock *common.SiteClock, text string) *crdtpatch.Patch {
	b := crdtpatch.NewPatchBuilder(clock)
	b.InsertText(text, common.RootID)
	return b.Flush()
}

func TestStateVector(t *testing.T) {
	sv := NewStateVector()
	a := common.NewSessionID()
	b := common.NewSessionID()

	sv.Update(common.NodeID{Site: a, Clock: 3})
	sv.Update(common.NodeID{Site: a, Clock: 2})
	sv.Update(common.NodeID{Site: b, Clock: 1})
	assert.Equal(t, uint64(3), sv.GetCounter(a))
	assert.Equal(t, uint64(1), sv.GetCounter(b))

	sv.Merge(map[string]uint64{b.String(): 7, a.String(): 1})
	assert.Equal(t, uint64(3), sv.GetCounter(a))
	assert.Equal(t, uint64(7), sv.GetCounter(b))

	assert.True(t, sv.HasUpdates(map[string]uint64{a.String(): 3}))
	assert.False(t, sv.HasUpdates(sv.Get()))

	snapshot := sv.Get()
	snapshot[a.String()] = 100
	assert.Equal(t, uint64(3), sv.GetCounter(a))
}

func TestMemoryPatchStore(t *testing.T) {
	store := NewMemoryPatchStore()
	defer store.Close()

	clockA := common.NewSiteClock(common.NewSessionID())
	clockB := common.NewSiteClock(common.NewSessionID())
	p1 := buildPatch(clockA, "ab") // id clock 1
	p2 := buildPatch(clockA, "c")  // id clock 3
	p3 := buildPatch(clockB, "x")  // id clock 1

	require.NoError(t, store.StorePatch(p1))
	require.NoError(t, store.StorePatch(p2))
	require.NoError(t, store.StorePatch(p3))
	require.NoError(t, store.StorePatch(p1))
	assert.Equal(t, 3, store.Len())

	all, err := store.GetPatches(nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	missing, err := store.GetPatches(map[string]uint64{clockA.Site().String(): 1})
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, p2.ID(), missing[0].ID())
	assert.Equal(t, p3.ID(), missing[1].ID())

	got, err := store.GetPatch(p3.ID())
	require.NoError(t, err)
	assert.Equal(t, p3.Operations(), got.Operations())

	_, err = store.GetPatch(common.NodeID{Site: common.NewSessionID(), Clock: 9})
	var notFound common.ErrNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestMessageEncoding(t *testing.T) {
	sender := common.NewSessionID()
	target := common.NewSessionID()
	p := buildPatch(common.NewSiteClock(sender), "hi")

	resp := NewSyncResponse(sender, target, []*crdtpatch.Patch{p})
	data, err := EncodeMessage(resp)
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "sync_response", raw["type"])

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.True(t, decoded.IsFor(target))
	assert.False(t, decoded.IsFor(sender))
	require.Len(t, decoded.Patches, 1)
	assert.Equal(t, p.Operations(), decoded.Patches[0].Operations())

	req := NewSyncRequest(sender, nil)
	assert.True(t, req.IsFor(target))
	assert.NoError(t, req.Validate())

	_, err = DecodeMessage([]byte(`{"type":"patch","sender":"` + sender.String() + `"}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`{"type":"gossip","sender":"` + sender.String() + `"}`))
	assert.Error(t, err)
	_, err = DecodeMessage([]byte(`{"type":"sync_request"}`))
	assert.Error(t, err)
	assert.Error(t, NewPresenceMessage(sender, nil).Validate())
}

func TestPubSubBroadcaster(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps, err := crdtpubsub.NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	siteA := common.NewSessionID()
	siteB := common.NewSessionID()

	a, err := NewPubSubBroadcaster(ctx, ps, "doc", crdtpubsub.EncodingFormatBase64, siteA)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewPubSubBroadcaster(ctx, ps, "doc", crdtpubsub.EncodingFormatBase64, siteB)
	require.NoError(t, err)
	defer b.Close()

	p := buildPatch(common.NewSiteClock(siteA), "yo")
	require.NoError(t, a.Broadcast(ctx, NewPatchMessage(siteA, p)))

	msg, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessagePatch, msg.Type)
	assert.Equal(t, siteA, msg.Sender)
	assert.Equal(t, p.ID(), msg.Patch.ID())

	// The sender does not see its own message
	short, cancelShort := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelShort()
	_, err = a.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, b.Close())
	_, err = b.Next(ctx)
	assert.Error(t, err)
}

func skipIfNoRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Skipping Redis test: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStreamsBroadcaster(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream := "luvtext-test-stream-" + common.NewSessionID().String()
	defer client.Del(context.Background(), stream)

	siteA := common.NewSessionID()
	siteB := common.NewSessionID()
	a, err := NewRedisStreamsBroadcaster(ctx, client, stream, siteA)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisStreamsBroadcaster(ctx, client, stream, siteB)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Broadcast(ctx, NewSyncRequest(siteA, map[string]uint64{"x": 1})))
	require.NoError(t, b.Broadcast(ctx, NewSyncRequest(siteB, nil)))

	msg, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, siteA, msg.Sender)

	msg, err = a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, siteB, msg.Sender)
}

func TestRedisPeerDiscovery(t *testing.T) {
	client := skipIfNoRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "luvtext-test-" + common.NewSessionID().String()
	self := NewRedisPeerDiscovery(client, prefix, "self").WithTTL(5*time.Second, time.Second)
	require.NoError(t, self.Start(ctx))
	assert.Error(t, self.Start(ctx))

	other := NewRedisPeerDiscovery(client, prefix, "other")
	require.NoError(t, other.Start(ctx))

	peers, err := self.DiscoverPeers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, peers)

	require.NoError(t, other.Close())
	peers, err = self.DiscoverPeers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)

	require.NoError(t, self.Close())
	require.NoError(t, self.Close())
}

func TestBroadcasterFactory(t *testing.T) {
	_, err := NewBroadcasterFactory(&SyncOptions{SyncType: SyncTypePubSub})
	assert.Error(t, err)
	_, err = NewBroadcasterFactory(&SyncOptions{SyncType: SyncTypeRedisStreams})
	assert.Error(t, err)
	_, err = NewBroadcasterFactory(&SyncOptions{SyncType: "kafka"})
	assert.Error(t, err)

	ps, err := crdtpubsub.NewMemoryPubSub(nil)
	require.NoError(t, err)
	defer ps.Close()

	opts := DefaultSyncOptions()
	opts.PubSub = ps
	assert.Equal(t, "luvtext-notes-messages", opts.Topic("notes"))

	factory, err := NewBroadcasterFactory(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	siteA, siteB := common.NewSessionID(), common.NewSessionID()
	a, err := factory(ctx, "notes", siteA)
	require.NoError(t, err)
	defer a.Close()
	b, err := factory(ctx, "notes", siteB)
	require.NoError(t, err)
	defer b.Close()
	other, err := factory(ctx, "other", common.NewSessionID())
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, a.Broadcast(ctx, NewSyncRequest(siteA, nil)))
	msg, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, siteA, msg.Sender)

	short, stop := context.WithTimeout(ctx, 50*time.Millisecond)
	defer stop()
	_, err = other.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
