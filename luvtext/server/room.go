package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/session"
)

// room is one document: a relay that fans bus traffic out to the
// connected clients and the server replica.
type room struct {
	id      string
	hub     *Hub
	logger  *zap.Logger
	relay   crdtsync.Broadcaster
	replica *session.Session
	replBC  crdtsync.Broadcaster

	mu      sync.RWMutex
	clients map[*client]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRoom(ctx context.Context, h *Hub, id string, doc *crdt.Document) (*room, error) {
	rctx, cancel := context.WithCancel(context.Background())

	// The relay has a site of its own so it sees every message on the bus.
	relay, err := h.opts.Broadcasters(rctx, id, common.NewSessionID())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open relay: %w", err)
	}
	replBC, err := h.opts.Broadcasters(rctx, id, doc.Site())
	if err != nil {
		relay.Close()
		cancel()
		return nil, fmt.Errorf("failed to open replica channel: %w", err)
	}

	opts := h.opts.Session
	opts.DocumentID = id
	opts.Discovery = h.opts.Discovery
	if opts.Logger == nil {
		opts.Logger = h.opts.Logger
	}
	replica := session.New(doc, replBC, opts)
	if err := replica.Start(ctx); err != nil {
		replBC.Close()
		relay.Close()
		cancel()
		return nil, fmt.Errorf("failed to start replica: %w", err)
	}

	r := &room{
		id:      id,
		hub:     h,
		logger:  h.logger.With(zap.String("document", id)),
		relay:   relay,
		replica: replica,
		replBC:  replBC,
		clients: make(map[*client]struct{}),
		ctx:     rctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go r.fanOut()
	return r, nil
}

// fanOut forwards every bus message to the clients it is meant for.
func (r *room) fanOut() {
	defer close(r.done)
	for {
		msg, err := r.relay.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("relay receive failed", zap.Error(err))
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		data, err := crdtsync.EncodeMessage(msg)
		if err != nil {
			r.logger.Warn("failed to encode message", zap.Error(err))
			continue
		}

		r.mu.RLock()
		for c := range r.clients {
			if c.site == msg.Sender || !msg.IsFor(c.site) {
				continue
			}
			c.enqueue(data)
		}
		r.mu.RUnlock()
	}
}

// publish puts a client message on the bus.
func (r *room) publish(ctx context.Context, msg *crdtsync.Message) error {
	return r.relay.Broadcast(ctx, msg)
}

func (r *room) add(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	n := len(r.clients)
	r.mu.Unlock()
	r.logger.Info("client joined", zap.Stringer("site", c.site), zap.Int("clients", n))
}

func (r *room) remove(c *client) {
	r.mu.Lock()
	_, ok := r.clients[c]
	delete(r.clients, c)
	n := len(r.clients)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.replica.Presence().MarkDisconnected(c.site)
	r.logger.Info("client left", zap.Stringer("site", c.site), zap.Int("clients", n))
}

func (r *room) clientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *room) close(ctx context.Context) error {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}

	var errs []error
	if err := r.replica.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	<-r.done
	if err := r.replBC.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := r.relay.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
