// Package presence keeps the roster of collaborators on a document.
//
// Each site publishes events about itself only, so the roster needs no
// merge rule beyond last writer per site. The local participant moves
// through joining, active and idle and finally left; remote participants
// take whatever status their latest event carries. A participant that
// stops publishing is marked disconnected but stays on the roster until
// it leaves.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
)

// Collaborator is one roster entry.
type Collaborator struct {
	Site        common.SessionID `json:"site"`
	DisplayName string           `json:"displayName,omitempty"`
	Color       string           `json:"color"`
	Role        string           `json:"role,omitempty"`
	Status      common.Status    `json:"status"`
	Cursor      *common.NodeID   `json:"cursor,omitempty"`
	LastSeen    time.Time        `json:"lastSeen"`
	seq         uint64
}

// ChangeKind names a roster change.
type ChangeKind int

const (
	// Joined is reported when a site first appears on the roster.
	Joined ChangeKind = iota
	// Updated is reported when status, cursor or profile changes.
	Updated
	// Left is reported when a site is removed from the roster.
	Left
)

func (k ChangeKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Updated:
		return "updated"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

// Change is delivered to roster subscribers.
type Change struct {
	Kind         ChangeKind
	Collaborator Collaborator
}

// Options configures a Tracker.
type Options struct {
	// IdleTimeout is the inactivity after which the local site turns idle.
	IdleTimeout time.Duration
	// DisconnectTimeout is the silence after which a remote site is
	// marked disconnected.
	DisconnectTimeout time.Duration
	// HeartbeatInterval is the period at which the local state is
	// republished while nothing changes.
	HeartbeatInterval time.Duration
	// SweepInterval is the period of the timeout checks run by Run.
	SweepInterval time.Duration
	// Palette overrides DefaultPalette.
	Palette []string
	// Publish receives every event about the local site.
	Publish func(Event)
	Logger  *zap.Logger
	// Now overrides time.Now.
	Now func() time.Time
}

// DefaultOptions returns the default presence timing.
func DefaultOptions() Options {
	return Options{
		IdleTimeout:       60 * time.Second,
		DisconnectTimeout: 90 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SweepInterval:     5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if len(o.Palette) == 0 {
		o.Palette = DefaultPalette
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Tracker owns the roster of one document replica.
type Tracker struct {
	opts   Options
	logger *zap.Logger
	self   common.SessionID

	mu            sync.Mutex
	roster        map[common.SessionID]*Collaborator
	departed      map[common.SessionID]struct{}
	local         Collaborator
	joined        bool
	lastActivity  time.Time
	lastPublished time.Time

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// NewTracker creates a tracker for the local site self.
func NewTracker(self common.SessionID, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		opts:     opts,
		logger:   core.LoggerOr(opts.Logger).Named("presence"),
		self:     self,
		roster:   make(map[common.SessionID]*Collaborator),
		departed: make(map[common.SessionID]struct{}),
		local: Collaborator{
			Site:   self,
			Color:  ColorFor(self, opts.Palette),
			Status: common.StatusJoining,
		},
		subs: make(map[int]func(Change)),
	}
}

// Subscribe registers fn for roster changes and returns a function that
// removes it. fn runs on the goroutine that caused the change and must
// not call back into the tracker synchronously.
func (t *Tracker) Subscribe(fn func(Change)) func() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Tracker) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	t.subMu.Lock()
	fns := make([]func(Change), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

func (t *Tracker) publish(ev Event) {
	if t.opts.Publish != nil {
		t.opts.Publish(ev)
	}
}

// localEvent stamps the next local event. Callers hold t.mu.
func (t *Tracker) localEvent(now time.Time) Event {
	t.local.seq++
	t.local.LastSeen = now
	t.lastPublished = now
	var cursor *common.NodeID
	if t.local.Cursor != nil {
		c := *t.local.Cursor
		cursor = &c
	}
	return Event{
		Site:        t.self,
		Status:      t.local.Status,
		DisplayName: t.local.DisplayName,
		Color:       t.local.Color,
		Role:        t.local.Role,
		Cursor:      cursor,
		Seq:         t.local.seq,
	}
}

// syncLocal copies the local state into the roster. Callers hold t.mu.
func (t *Tracker) syncLocal() Change {
	c := t.local
	_, existed := t.roster[t.self]
	t.roster[t.self] = &c
	if existed {
		return Change{Kind: Updated, Collaborator: c}
	}
	return Change{Kind: Joined, Collaborator: c}
}

// Join puts the local site on the roster in the joining state.
func (t *Tracker) Join(displayName, role string) Event {
	t.mu.Lock()
	now := t.opts.Now()
	t.joined = true
	t.local.DisplayName = displayName
	t.local.Role = role
	t.local.Status = common.StatusJoining
	t.lastActivity = now
	ev := t.localEvent(now)
	change := t.syncLocal()
	t.mu.Unlock()

	t.logger.Debug("presence joining", zap.String("site", t.self.String()))
	t.publish(ev)
	t.notify([]Change{change})
	return ev
}

// Activate completes the handshake: joining becomes active.
func (t *Tracker) Activate() (Event, bool) {
	return t.transition(func(now time.Time) bool {
		if t.local.Status != common.StatusJoining {
			return false
		}
		t.local.Status = common.StatusActive
		t.lastActivity = now
		return true
	})
}

// Touch records local activity. An idle site becomes active again; a
// new cursor anchor is published even without a status change. A nil
// cursor keeps the previous anchor.
func (t *Tracker) Touch(cursor *common.NodeID) (Event, bool) {
	return t.transition(func(now time.Time) bool {
		t.lastActivity = now
		changed := false
		if t.local.Status == common.StatusIdle {
			t.local.Status = common.StatusActive
			changed = true
		}
		if cursor != nil && (t.local.Cursor == nil || *t.local.Cursor != *cursor) {
			c := *cursor
			t.local.Cursor = &c
			changed = true
		}
		return changed
	})
}

func (t *Tracker) transition(apply func(now time.Time) bool) (Event, bool) {
	t.mu.Lock()
	if !t.joined || t.local.Status == common.StatusLeft {
		t.mu.Unlock()
		return Event{}, false
	}
	now := t.opts.Now()
	before := t.local.Status
	if !apply(now) {
		t.mu.Unlock()
		return Event{}, false
	}
	ev := t.localEvent(now)
	change := t.syncLocal()
	t.mu.Unlock()

	if before != ev.Status {
		t.logger.Debug("presence transition",
			zap.String("site", t.self.String()),
			zap.String("from", string(before)),
			zap.String("to", string(ev.Status)))
	}
	t.publish(ev)
	t.notify([]Change{change})
	return ev, true
}

// Announce republishes the local state without changing it.
func (t *Tracker) Announce() (Event, bool) {
	return t.transition(func(time.Time) bool { return true })
}

// Leave publishes the terminal left event and removes the local site.
func (t *Tracker) Leave() (Event, bool) {
	t.mu.Lock()
	if !t.joined || t.local.Status == common.StatusLeft {
		t.mu.Unlock()
		return Event{}, false
	}
	t.local.Status = common.StatusLeft
	ev := t.localEvent(t.opts.Now())
	left := t.local
	delete(t.roster, t.self)
	t.mu.Unlock()

	t.logger.Debug("presence left", zap.String("site", t.self.String()))
	t.publish(ev)
	t.notify([]Change{{Kind: Left, Collaborator: left}})
	return ev, true
}

// Apply merges a remote event. Events about the local site, stale events
// and events about departed sites are ignored.
func (t *Tracker) Apply(ev Event) bool {
	if ev.Validate() != nil || ev.Site == t.self {
		return false
	}

	t.mu.Lock()
	if _, gone := t.departed[ev.Site]; gone {
		t.mu.Unlock()
		return false
	}
	existing, known := t.roster[ev.Site]
	if known && ev.Seq <= existing.seq {
		t.mu.Unlock()
		return false
	}

	now := t.opts.Now()
	c := Collaborator{
		Site:        ev.Site,
		DisplayName: ev.DisplayName,
		Color:       ev.Color,
		Role:        ev.Role,
		Status:      ev.Status,
		Cursor:      ev.Cursor,
		LastSeen:    now,
		seq:         ev.Seq,
	}
	if c.Color == "" {
		c.Color = ColorFor(ev.Site, t.opts.Palette)
	}

	var change Change
	if ev.Status == common.StatusLeft {
		delete(t.roster, ev.Site)
		t.departed[ev.Site] = struct{}{}
		change = Change{Kind: Left, Collaborator: c}
	} else {
		t.roster[ev.Site] = &c
		change = Change{Kind: Updated, Collaborator: c}
		if !known {
			change.Kind = Joined
		}
	}
	t.mu.Unlock()

	if !known || existing.Status != c.Status {
		t.logger.Debug("remote presence",
			zap.String("site", ev.Site.String()),
			zap.String("status", string(ev.Status)))
	}
	t.notify([]Change{change})
	return true
}

// MarkDisconnected flags a remote site whose connection was lost. It
// stays on the roster and returns to its published status with its next
// event.
func (t *Tracker) MarkDisconnected(site common.SessionID) bool {
	t.mu.Lock()
	c, ok := t.roster[site]
	if !ok || site == t.self || c.Status == common.StatusDisconnected {
		t.mu.Unlock()
		return false
	}
	c.Status = common.StatusDisconnected
	change := Change{Kind: Updated, Collaborator: *c}
	t.mu.Unlock()

	t.notify([]Change{change})
	return true
}

// Sweep runs the timeout checks at the current time: the local site turns
// idle after IdleTimeout without activity, the local state is republished
// after HeartbeatInterval of silence and remote sites silent for
// DisconnectTimeout are marked disconnected.
func (t *Tracker) Sweep() {
	t.mu.Lock()
	now := t.opts.Now()
	var (
		changes []Change
		events  []Event
	)

	if t.joined && t.local.Status != common.StatusLeft {
		switch {
		case t.local.Status == common.StatusActive && now.Sub(t.lastActivity) >= t.opts.IdleTimeout:
			t.local.Status = common.StatusIdle
			events = append(events, t.localEvent(now))
			changes = append(changes, t.syncLocal())
			t.logger.Debug("presence transition",
				zap.String("site", t.self.String()),
				zap.String("from", string(common.StatusActive)),
				zap.String("to", string(common.StatusIdle)))
		case now.Sub(t.lastPublished) >= t.opts.HeartbeatInterval:
			events = append(events, t.localEvent(now))
			t.syncLocal()
		}
	}

	for site, c := range t.roster {
		if site == t.self || c.Status == common.StatusDisconnected {
			continue
		}
		if now.Sub(c.LastSeen) >= t.opts.DisconnectTimeout {
			c.Status = common.StatusDisconnected
			changes = append(changes, Change{Kind: Updated, Collaborator: *c})
		}
	}
	t.mu.Unlock()

	for _, ev := range events {
		t.publish(ev)
	}
	t.notify(changes)
}

// Run sweeps every SweepInterval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Self returns the local collaborator.
func (t *Tracker) Self() Collaborator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

// Get returns the roster entry of site.
func (t *Tracker) Get(site common.SessionID) (Collaborator, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.roster[site]
	if !ok {
		return Collaborator{}, false
	}
	return *c, true
}

// Roster returns every collaborator ordered by site.
func (t *Tracker) Roster() []Collaborator {
	t.mu.Lock()
	out := make([]Collaborator, 0, len(t.roster))
	for _, c := range t.roster {
		out = append(out, *c)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Site.Compare(out[j].Site) < 0
	})
	return out
}
