package crdtpubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"collabtext/luvtext/core"
	"collabtext/luvtext/crdtpatch"
)

// GossipPubSub implements the PubSub interface over libp2p GossipSub, for
// replicas that talk to each other without a central relay.
type GossipPubSub struct {
	host     host.Host
	ownsHost bool
	ps       *pubsub.PubSub
	options  *Options
	logger   *zap.Logger

	mutex         sync.Mutex
	topics        map[string]*pubsub.Topic
	subscriptions map[string]map[string]*gossipSubscription
	closed        bool
	cancel        context.CancelFunc
}

type gossipSubscription struct {
	subscriberID string
	sub          *pubsub.Subscription
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewGossipPubSub creates a GossipSub router on an existing host.
func NewGossipPubSub(ctx context.Context, h host.Host, options *Options) (*GossipPubSub, error) {
	if h == nil {
		return nil, fmt.Errorf("libp2p host cannot be nil")
	}
	if options == nil {
		options = NewOptions()
	}

	routerCtx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(routerCtx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	return &GossipPubSub{
		host:          h,
		ps:            ps,
		options:       options,
		logger:        core.LoggerOr(options.Logger).Named("gossip-pubsub"),
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]map[string]*gossipSubscription),
		cancel:        cancel,
	}, nil
}

// NewGossipPubSubListen creates its own libp2p host listening on
// listenAddrs (e.g. "/ip4/127.0.0.1/tcp/0") and a GossipSub router on it.
// The host is closed with the PubSub.
func NewGossipPubSubListen(ctx context.Context, options *Options, listenAddrs ...string) (*GossipPubSub, error) {
	if len(listenAddrs) == 0 {
		listenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listenAddrs...),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	g, err := NewGossipPubSub(ctx, h, options)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	g.ownsHost = true

	g.logger.Info("libp2p host created", zap.String("peer", h.ID().String()), zap.Strings("addrs", g.Addrs()))
	return g, nil
}

// Host returns the libp2p host.
func (g *GossipPubSub) Host() host.Host {
	return g.host
}

// Addrs returns the full dialable addresses of the host, /p2p/<id> included.
func (g *GossipPubSub) Addrs() []string {
	out := make([]string, 0, len(g.host.Addrs()))
	for _, addr := range g.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr, g.host.ID()))
	}
	return out
}

// Connect dials a peer by its full multiaddress.
func (g *GossipPubSub) Connect(ctx context.Context, addr string) error {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	if err := g.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	return nil
}

// Peers returns the peers currently subscribed to topic.
func (g *GossipPubSub) Peers(topic string) []peer.ID {
	return g.ps.ListPeers(topic)
}

func (g *GossipPubSub) join(topic string) (*pubsub.Topic, error) {
	if t, ok := g.topics[topic]; ok {
		return t, nil
	}
	t, err := g.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", topic, err)
	}
	g.topics[topic] = t
	return t, nil
}

// Publish publishes a patch to the specified topic.
func (g *GossipPubSub) Publish(ctx context.Context, topic string, patch *crdtpatch.Patch, format EncodingFormat) error {
	format = g.options.format(format)
	data, err := encodePatch(patch, format)
	if err != nil {
		return fmt.Errorf("failed to encode patch: %w", err)
	}
	return g.PublishRaw(ctx, topic, data, format)
}

// PublishRaw publishes raw data to the specified topic.
func (g *GossipPubSub) PublishRaw(ctx context.Context, topic string, data []byte, format EncodingFormat) error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return fmt.Errorf("pubsub is closed")
	}
	t, err := g.join(topic)
	g.mutex.Unlock()
	if err != nil {
		return err
	}

	msgData, err := json.Marshal(PatchMessage{Topic: topic, Payload: data, Format: g.options.format(format)})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return t.Publish(ctx, msgData)
}

// Subscribe subscribes to the specified topic and calls the handler for each received message.
func (g *GossipPubSub) Subscribe(ctx context.Context, topic string, subscriberID string, handler SubscriberFunc) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return fmt.Errorf("pubsub is closed")
	}
	if _, ok := g.subscriptions[topic][subscriberID]; ok {
		return fmt.Errorf("already subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}

	t, err := g.join(topic)
	if err != nil {
		return err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	gs := &gossipSubscription{
		subscriberID: subscriberID,
		sub:          sub,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if g.subscriptions[topic] == nil {
		g.subscriptions[topic] = make(map[string]*gossipSubscription)
	}
	g.subscriptions[topic][subscriberID] = gs

	go g.handleMessages(subCtx, topic, gs, handler)
	return nil
}

func (g *GossipPubSub) handleMessages(ctx context.Context, topic string, gs *gossipSubscription, handler SubscriberFunc) {
	defer close(gs.done)
	for {
		msg, err := gs.sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				g.logger.Warn("subscription ended", zap.String("topic", topic), zap.Error(err))
			}
			return
		}

		var patchMsg PatchMessage
		if err := json.Unmarshal(msg.Data, &patchMsg); err != nil {
			g.logger.Warn("failed to decode message",
				zap.String("topic", topic),
				zap.String("from", msg.ReceivedFrom.String()),
				zap.Error(err))
			continue
		}
		if err := handler(ctx, topic, patchMsg.Payload, patchMsg.Format); err != nil {
			g.logger.Warn("failed to handle message",
				zap.String("topic", topic),
				zap.String("subscriber", gs.subscriberID),
				zap.Error(err))
		}
	}
}

// Unsubscribe unsubscribes from the specified topic.
func (g *GossipPubSub) Unsubscribe(ctx context.Context, topic string, subscriberID string) error {
	g.mutex.Lock()
	gs, ok := g.subscriptions[topic][subscriberID]
	if ok {
		delete(g.subscriptions[topic], subscriberID)
		if len(g.subscriptions[topic]) == 0 {
			delete(g.subscriptions, topic)
		}
	}
	g.mutex.Unlock()

	if !ok {
		return fmt.Errorf("not subscribed to topic: %s with subscriberID: %s", topic, subscriberID)
	}
	gs.sub.Cancel()
	gs.cancel()
	<-gs.done
	return nil
}

// Close cancels all subscriptions, leaves every topic and closes the host
// when it was created by NewGossipPubSubListen.
func (g *GossipPubSub) Close() error {
	g.mutex.Lock()
	if g.closed {
		g.mutex.Unlock()
		return nil
	}
	g.closed = true
	subs := g.subscriptions
	topics := g.topics
	g.subscriptions = make(map[string]map[string]*gossipSubscription)
	g.topics = make(map[string]*pubsub.Topic)
	g.mutex.Unlock()

	for _, byID := range subs {
		for _, gs := range byID {
			gs.sub.Cancel()
			gs.cancel()
			<-gs.done
		}
	}
	for name, t := range topics {
		if err := t.Close(); err != nil {
			g.logger.Debug("failed to close topic", zap.String("topic", name), zap.Error(err))
		}
	}
	g.cancel()

	if g.ownsHost {
		return g.host.Close()
	}
	return nil
}
