// Package session runs one replica of a shared document. Local edits and
// inbound messages go through a single queue so the replica is only ever
// changed by one goroutine; outbound messages leave through a retrying
// outbox so editing never waits on the transport.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtedit"
	"collabtext/luvtext/crdtpatch"
	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/presence"
)

// ErrClosed is returned by operations on a stopped session.
var ErrClosed = errors.New("session closed")

// ErrOutboxFull is the cause of a transport failure when the outbox has no room.
var ErrOutboxFull = errors.New("outbox full")

// Stats reports session counters.
type Stats struct {
	Reconciler crdtsync.ReconcilerStats
	Sent       int
	Failed     int
	Received   int
	LogSize    int
}

type request struct {
	fn   func()
	done chan struct{}
}

// Session is one participant's replica of a document.
type Session struct {
	site   common.SessionID
	opts   Options
	logger *zap.Logger

	doc        *crdt.Document
	editor     *crdtedit.Editor
	reconciler *crdtsync.Reconciler
	oplog      *crdtsync.MemoryPatchStore
	vector     *crdtsync.StateVector
	tracker    *presence.Tracker
	bc         crdtsync.Broadcaster

	requests chan request
	inbound  chan *crdtsync.Message
	out      *outbox

	statsMu  sync.Mutex
	received int

	stateMu sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a session for doc over bc. The replica site is the site of
// doc. Nodes already in doc are offered to peers that ask for them.
func New(doc *crdt.Document, bc crdtsync.Broadcaster, opts Options) *Session {
	opts = opts.withDefaults()
	logger := core.LoggerOr(opts.Logger).Named("session").With(
		zap.String("document", opts.DocumentID),
		zap.String("site", doc.Site().String()))

	if opts.Reconciler.Logger == nil {
		opts.Reconciler.Logger = opts.Logger
	}
	if opts.Presence.Logger == nil {
		opts.Presence.Logger = opts.Logger
	}

	s := &Session{
		site:       doc.Site(),
		opts:       opts,
		logger:     logger,
		doc:        doc,
		reconciler: crdtsync.NewReconciler(doc, opts.Reconciler),
		oplog:      crdtsync.NewMemoryPatchStore(),
		vector:     crdtsync.NewStateVector(),
		bc:         bc,
		requests:   make(chan request),
		inbound:    make(chan *crdtsync.Message, opts.InboxSize),
	}
	s.out = newOutbox(bc, opts.OutboxSize, opts.Retry, logger, s.deliveryFailed)
	s.editor = crdtedit.NewEditor(doc,
		crdtedit.WithEmitter(crdtedit.EmitterFunc(s.emitPatch)),
		crdtedit.WithHistoryLimit(opts.HistoryLimit))

	presenceOpts := opts.Presence
	presenceOpts.Publish = s.publishPresence
	s.tracker = presence.NewTracker(s.site, presenceOpts)

	s.seedLog()
	return s
}

// seedLog records the nodes already in the replica as one patch per
// creating site so sync requests can be answered after a restore.
func (s *Session) seedLog() {
	patches := make(map[common.SessionID]*crdtpatch.Patch)
	var order []common.SessionID
	for site, max := range s.doc.Store().MaxClocks() {
		p := crdtpatch.NewPatch(common.NodeID{Site: site, Clock: max})
		p.SetMetadata(map[string]interface{}{"restored": true})
		patches[site] = p
		order = append(order, site)
	}
	for _, n := range s.doc.Nodes() {
		p := patches[n.ID.Site]
		p.AddOperation(crdtpatch.InsertOf(n))
		if n.Tombstone {
			p.AddOperation(crdtpatch.NewDelete(n.ID))
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Compare(order[j]) < 0 })
	for _, site := range order {
		s.record(patches[site])
	}
}

// Site returns the replica site.
func (s *Session) Site() common.SessionID {
	return s.site
}

// Document returns the replica. Reads are safe at any time; changes must
// go through the session.
func (s *Session) Document() *crdt.Document {
	return s.doc
}

// Presence returns the roster tracker.
func (s *Session) Presence() *presence.Tracker {
	return s.tracker
}

// Start launches the session goroutines, announces the local participant
// and asks peers for missing operations. The participant turns active
// once the sync request has been delivered.
func (s *Session) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.started {
		s.stateMu.Unlock()
		return errors.New("session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.stateMu.Unlock()

	if s.opts.Discovery != nil {
		if err := s.opts.Discovery.RegisterPeer(ctx, s.site.String()); err != nil {
			s.logger.Warn("failed to register with peer discovery", zap.Error(err))
		}
	}

	s.wg.Add(3)
	go s.run()
	go s.receive()
	go func() {
		defer s.wg.Done()
		s.tracker.Run(s.ctx)
	}()
	s.out.start()

	s.tracker.Join(s.opts.DisplayName, s.opts.Role)
	req := crdtsync.NewSyncRequest(s.site, s.vector.Get())
	if err := s.out.enqueue(req, func() { s.tracker.Activate() }); err != nil {
		return err
	}

	s.logger.Info("session started", zap.Int("nodes", s.doc.Store().Len()))
	return nil
}

// Stop publishes the left event, waits for the outbox to drain until ctx
// is done and then stops every goroutine. The broadcaster is not closed.
func (s *Session) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	if !s.started || s.stopped {
		s.stateMu.Unlock()
		return nil
	}
	s.stopped = true
	s.stateMu.Unlock()

	s.tracker.Leave()
	drainErr := s.out.close(ctx)

	s.cancel()
	s.wg.Wait()

	if s.opts.Discovery != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.opts.Discovery.UnregisterPeer(ctx, s.site.String()); err != nil {
			s.logger.Debug("failed to unregister from peer discovery", zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("session stopped", zap.Int("text_length", s.doc.Len()))
	return drainErr
}

// Peers lists the other registered replicas when discovery is configured.
func (s *Session) Peers(ctx context.Context) ([]string, error) {
	if s.opts.Discovery == nil {
		return nil, nil
	}
	return s.opts.Discovery.DiscoverPeers(ctx)
}

func (s *Session) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			req.fn()
			close(req.done)
		case msg := <-s.inbound:
			s.handle(msg)
		case <-ticker.C:
			s.reconciler.Expire()
		}
	}
}

func (s *Session) receive() {
	defer s.wg.Done()

	for {
		msg, err := s.bc.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("failed to receive message", zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.opts.Retry.InitialInterval):
			}
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

// do runs fn on the session goroutine.
func (s *Session) do(ctx context.Context, fn func()) error {
	s.stateMu.Lock()
	if !s.started || s.stopped {
		s.stateMu.Unlock()
		return ErrClosed
	}
	sctx := s.ctx
	s.stateMu.Unlock()

	req := request{fn: fn, done: make(chan struct{})}
	select {
	case s.requests <- req:
	case <-sctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// fn always completes once accepted.
	<-req.done
	return nil
}

// record adds a patch to the operation log and the state vector.
func (s *Session) record(p *crdtpatch.Patch) {
	if err := s.oplog.StorePatch(p); err != nil {
		s.logger.Warn("failed to store patch", zap.Stringer("patch", p.ID()), zap.Error(err))
		return
	}
	s.vector.Update(p.ID())
}

func (s *Session) emitPatch(ctx context.Context, p *crdtpatch.Patch) error {
	s.record(p)
	if err := s.out.enqueue(crdtsync.NewPatchMessage(s.site, p), nil); err != nil {
		s.logger.Warn("failed to queue local patch", zap.Stringer("patch", p.ID()), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) publishPresence(ev presence.Event) {
	data, err := ev.Encode()
	if err != nil {
		s.logger.Warn("failed to encode presence", zap.Error(err))
		return
	}
	if err := s.out.enqueue(crdtsync.NewPresenceMessage(s.site, data), nil); err != nil {
		s.logger.Debug("presence not queued", zap.String("status", string(ev.Status)), zap.Error(err))
	}
}

func (s *Session) deliveryFailed(msg *crdtsync.Message, err error) {
	if s.opts.OnDeliveryFailure != nil {
		s.opts.OnDeliveryFailure(msg, err)
	}
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	sent, failed := s.out.counts()
	s.statsMu.Lock()
	received := s.received
	s.statsMu.Unlock()
	return Stats{
		Reconciler: s.reconciler.Stats(),
		Sent:       sent,
		Failed:     failed,
		Received:   received,
		LogSize:    s.oplog.Len(),
	}
}
