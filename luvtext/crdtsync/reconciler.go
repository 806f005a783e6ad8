package crdtsync

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtpatch"
)

// Outcome is the result of applying one inbound operation.
type Outcome int

const (
	// OutcomeApplied means the replica changed.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the operation was already reflected.
	OutcomeDuplicate
	// OutcomeBuffered means the operation waits for a node that has not arrived.
	OutcomeBuffered
	// OutcomeRejected means the operation was malformed or reused a node id.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// PendingHorizon is how long an operation may wait for a missing node
	// before it is discarded.
	PendingHorizon time.Duration
	// MaxPending caps the number of waiting operations; the oldest is
	// discarded first.
	MaxPending int
	Logger     *zap.Logger
	// Now is the time source; nil means time.Now.
	Now func() time.Time
}

// DefaultReconcilerOptions returns the default options.
func DefaultReconcilerOptions() ReconcilerOptions {
	return ReconcilerOptions{
		PendingHorizon: 2 * time.Minute,
		MaxPending:     10000,
	}
}

// ReconcilerStats counts outcomes since creation.
type ReconcilerStats struct {
	Applied    int
	Duplicates int
	Buffered   int
	Rejected   int
	Expired    int
	Pending    int
}

type opKey struct {
	typ common.OperationType
	id  common.NodeID
}

type pendingOp struct {
	op      crdtpatch.Operation
	missing common.NodeID
	since   time.Time
	dead    bool
}

// Reconciler applies operations received from other replicas. It tolerates
// duplication and any arrival order: an insert whose left neighbor, or a
// delete whose target, has not arrived yet waits until that node does.
type Reconciler struct {
	mu      sync.Mutex
	doc     *crdt.Document
	opts    ReconcilerOptions
	logger  *zap.Logger
	waiting map[common.NodeID][]*pendingOp
	queued  map[opKey]*pendingOp
	fifo    []*pendingOp
	stats   ReconcilerStats
}

// NewReconciler creates a reconciler writing into doc.
func NewReconciler(doc *crdt.Document, opts ReconcilerOptions) *Reconciler {
	defaults := DefaultReconcilerOptions()
	if opts.PendingHorizon <= 0 {
		opts.PendingHorizon = defaults.PendingHorizon
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = defaults.MaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Reconciler{
		doc:     doc,
		opts:    opts,
		logger:  core.LoggerOr(opts.Logger).Named("reconciler"),
		waiting: make(map[common.NodeID][]*pendingOp),
		queued:  make(map[opKey]*pendingOp),
	}
}

// Document returns the replica the reconciler writes into.
func (r *Reconciler) Document() *crdt.Document {
	return r.doc
}

// Apply applies one operation. The error is non-nil only for
// OutcomeRejected.
func (r *Reconciler) Apply(op crdtpatch.Operation) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.apply(op)
}

// ApplyPatch applies every operation of p and returns their outcomes. The
// returned error joins the rejections; other operations are still applied.
func (r *Reconciler) ApplyPatch(p *crdtpatch.Patch) ([]Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := p.Operations()
	outcomes := make([]Outcome, len(ops))
	var errs []error
	for i, op := range ops {
		outcome, err := r.apply(op)
		outcomes[i] = outcome
		if err != nil {
			errs = append(errs, err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func (r *Reconciler) apply(op crdtpatch.Operation) (Outcome, error) {
	if err := op.Validate(); err != nil {
		r.stats.Rejected++
		return OutcomeRejected, err
	}

	switch op.Type {
	case common.OperationTypeInsert:
		return r.applyInsert(op)
	case common.OperationTypeDelete:
		return r.applyDelete(op)
	}
	r.stats.Rejected++
	return OutcomeRejected, common.ErrInvalidOperation{Message: "unknown operation type: " + string(op.Type)}
}

func (r *Reconciler) applyInsert(op crdtpatch.Operation) (Outcome, error) {
	outcome, err := r.integrate(op)
	if outcome == OutcomeApplied {
		r.drain(op.ID)
	}
	return outcome, err
}

// integrate records an insert without releasing the operations waiting on it.
func (r *Reconciler) integrate(op crdtpatch.Operation) (Outcome, error) {
	node := op.Node()
	// A delete that arrived first makes the node invisible from the start.
	if r.hasPendingDelete(node.ID) {
		node.Tombstone = true
	}

	added, err := r.doc.Integrate(node)
	if err != nil {
		var unknown common.ErrUnknownNodeReference
		if errors.As(err, &unknown) {
			return r.buffer(op, unknown.ID), nil
		}

		var regression common.ErrClockRegression
		if errors.As(err, &regression) {
			r.logger.Warn("rejected insert reusing a node id",
				zap.String("site", node.ID.Site.String()),
				zap.Uint64("clock", node.ID.Clock),
				zap.Uint64("observed", regression.Observed))
		}
		r.stats.Rejected++
		return OutcomeRejected, err
	}

	if !added {
		r.dropPendingDeletes(node.ID)
		r.stats.Duplicates++
		return OutcomeDuplicate, nil
	}

	r.stats.Applied++
	return OutcomeApplied, nil
}

func (r *Reconciler) applyDelete(op crdtpatch.Operation) (Outcome, error) {
	changed, err := r.doc.Delete(op.ID)
	if err != nil {
		var unknown common.ErrUnknownNodeReference
		if errors.As(err, &unknown) {
			return r.buffer(op, op.ID), nil
		}
		r.stats.Rejected++
		return OutcomeRejected, err
	}
	if !changed {
		r.stats.Duplicates++
		return OutcomeDuplicate, nil
	}
	r.stats.Applied++
	return OutcomeApplied, nil
}

func (r *Reconciler) buffer(op crdtpatch.Operation, missing common.NodeID) Outcome {
	key := opKey{typ: op.Type, id: op.ID}
	if _, ok := r.queued[key]; ok {
		return OutcomeBuffered
	}

	p := &pendingOp{op: op, missing: missing, since: r.opts.Now()}
	r.waiting[missing] = append(r.waiting[missing], p)
	r.queued[key] = p
	r.fifo = append(r.fifo, p)
	r.stats.Buffered++

	if len(r.fifo) > 2*len(r.queued)+64 {
		r.compact()
	}
	for len(r.queued) > r.opts.MaxPending {
		r.evictOldest()
	}
	return OutcomeBuffered
}

func (r *Reconciler) hasPendingDelete(id common.NodeID) bool {
	_, ok := r.queued[opKey{typ: common.OperationTypeDelete, id: id}]
	return ok
}

func (r *Reconciler) dropPendingDeletes(id common.NodeID) {
	key := opKey{typ: common.OperationTypeDelete, id: id}
	if p, ok := r.queued[key]; ok {
		r.remove(p)
	}
}

// drain applies every operation that was waiting for id, and transitively
// everything those unblock.
func (r *Reconciler) drain(id common.NodeID) {
	ready := []common.NodeID{id}
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]

		waiters := r.waiting[next]
		delete(r.waiting, next)
		for _, p := range waiters {
			if p.dead {
				continue
			}
			r.remove(p)
			if p.op.Type == common.OperationTypeDelete {
				// Consumed by applyInsert through hasPendingDelete.
				continue
			}
			outcome, err := r.integrate(p.op)
			if err != nil {
				r.logger.Warn("buffered operation rejected",
					zap.String("node", p.op.ID.String()),
					zap.Error(err))
				continue
			}
			if outcome == OutcomeApplied {
				ready = append(ready, p.op.ID)
			}
		}
	}
}

func (r *Reconciler) remove(p *pendingOp) {
	if p.dead {
		return
	}
	p.dead = true
	delete(r.queued, opKey{typ: p.op.Type, id: p.op.ID})

	waiters := r.waiting[p.missing]
	for i, w := range waiters {
		if w == p {
			r.waiting[p.missing] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiting[p.missing]) == 0 {
		delete(r.waiting, p.missing)
	}
}

func (r *Reconciler) compact() {
	live := r.fifo[:0]
	for _, p := range r.fifo {
		if !p.dead {
			live = append(live, p)
		}
	}
	for i := len(live); i < len(r.fifo); i++ {
		r.fifo[i] = nil
	}
	r.fifo = live
}

func (r *Reconciler) evictOldest() {
	for len(r.fifo) > 0 {
		p := r.fifo[0]
		r.fifo = r.fifo[1:]
		if p.dead {
			continue
		}
		r.remove(p)
		r.stats.Expired++
		r.logger.Warn("discarded pending operation over capacity",
			zap.String("type", string(p.op.Type)),
			zap.String("node", p.op.ID.String()),
			zap.String("missing", p.missing.String()))
		return
	}
}

// Expire discards operations that waited longer than the pending horizon
// and returns them. They are reported as unresolved and never applied.
func (r *Reconciler) Expire() []crdtpatch.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.opts.Now().Add(-r.opts.PendingHorizon)
	var expired []crdtpatch.Operation
	for len(r.fifo) > 0 {
		p := r.fifo[0]
		if !p.dead && p.since.After(cutoff) {
			break
		}
		r.fifo = r.fifo[1:]
		if p.dead {
			continue
		}
		r.remove(p)
		r.stats.Expired++
		expired = append(expired, p.op)
		r.logger.Warn("discarded unresolved operation",
			zap.String("type", string(p.op.Type)),
			zap.String("node", p.op.ID.String()),
			zap.String("missing", p.missing.String()),
			zap.Duration("waited", r.opts.Now().Sub(p.since)))
	}
	return expired
}

// Pending returns the operations still waiting, oldest first.
func (r *Reconciler) Pending() []crdtpatch.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]crdtpatch.Operation, 0, len(r.queued))
	for _, p := range r.fifo {
		if !p.dead {
			out = append(out, p.op)
		}
	}
	return out
}

// Stats returns outcome counters.
func (r *Reconciler) Stats() ReconcilerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Pending = len(r.queued)
	return s
}
