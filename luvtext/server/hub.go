// Package server relays document messages between WebSocket clients and
// keeps one server replica per document for reads and persistence.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdt"
)

// ErrHubClosed is returned once the hub has been closed.
var ErrHubClosed = errors.New("hub closed")

// Hub owns the open document rooms.
type Hub struct {
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

// NewHub creates a hub. opts.Broadcasters is required.
func NewHub(opts Options) (*Hub, error) {
	if opts.Broadcasters == nil {
		return nil, fmt.Errorf("broadcaster factory cannot be nil")
	}
	opts = opts.withDefaults()

	h := &Hub{
		opts:   opts,
		logger: core.LoggerOr(opts.Logger).Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
	h.router = h.routes()
	return h, nil
}

// Handler returns the HTTP handler serving every route.
func (h *Hub) Handler() http.Handler {
	return h.router
}

// Documents lists the ids of the open rooms.
func (h *Hub) Documents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// open returns the room of doc, loading or creating the document.
func (h *Hub) open(ctx context.Context, doc string) (*room, error) {
	return h.room(ctx, doc, true)
}

// lookup returns the room of doc when it is open or stored.
func (h *Hub) lookup(ctx context.Context, doc string) (*room, error) {
	return h.room(ctx, doc, false)
}

func (h *Hub) room(ctx context.Context, doc string, create bool) (*room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[doc]; ok {
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	// Storage and replica startup run unlocked; a concurrent open of the
	// same document may win the insert below.
	site := common.NewSessionID()
	var (
		replica *crdt.Document
		err     error
	)
	switch {
	case h.opts.Storage != nil && create:
		replica, _, err = h.opts.Storage.LoadOrCreate(ctx, doc, site)
	case h.opts.Storage != nil:
		replica, err = h.opts.Storage.Load(ctx, doc, site)
	case create:
		replica = crdt.NewDocument(site)
	default:
		err = common.ErrNotFound{Kind: "document", Key: doc}
	}
	if err != nil {
		return nil, err
	}

	r, err := newRoom(ctx, h, doc, replica)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	existing, ok := h.rooms[doc]
	if h.closed || ok {
		closed := h.closed
		h.mu.Unlock()
		if err := r.close(ctx); err != nil {
			h.logger.Warn("failed to close duplicate room", zap.String("document", doc), zap.Error(err))
		}
		if closed {
			return nil, ErrHubClosed
		}
		return existing, nil
	}
	if h.opts.Storage != nil {
		h.opts.Storage.Track(doc, replica)
	}
	h.rooms[doc] = r
	h.mu.Unlock()

	h.logger.Info("room opened", zap.String("document", doc), zap.Int("length", replica.Len()))
	return r, nil
}

// Close disconnects every client, stops the replicas and saves them.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	var errs []error
	for _, r := range rooms {
		if err := r.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", r.id, err))
		}
		if h.opts.Storage != nil {
			if err := h.opts.Storage.Save(ctx, r.id, r.replica.Document()); err != nil {
				errs = append(errs, fmt.Errorf("save %s: %w", r.id, err))
			}
			h.opts.Storage.Untrack(r.id)
		}
	}
	return errors.Join(errs...)
}
