package crdtsync

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtedit"
	"collabtext/luvtext/crdtpatch"
)

// opRecorder collects every operation an editor emits.
type opRecorder struct {
	ops []crdtpatch.Operation
}

func (r *opRecorder) Emit(_ context.Context, p *crdtpatch.Patch) error {
	r.ops = append(r.ops, p.Operations()...)
	return nil
}

func newReplica(rec *opRecorder) *crdtedit.Editor {
	return crdtedit.NewEditor(crdt.NewDocument(common.NewSessionID()), crdtedit.WithEmitter(rec))
}

func deliver(t *testing.T, dst *crdt.Document, ops []crdtpatch.Operation) {
	t.Helper()
	r := NewReconciler(dst, DefaultReconcilerOptions())
	for _, op := range ops {
		_, err := r.Apply(op)
		require.NoError(t, err)
	}
	require.Empty(t, r.Pending())
}

// concurrentHistory produces the operations of three replicas editing one
// document. Each replica sees the shared base and some of the others' edits.
func concurrentHistory(t *testing.T, rng *rand.Rand) []crdtpatch.Operation {
	t.Helper()
	ctx := context.Background()

	rec := &opRecorder{}
	a := newReplica(rec)
	_, err := a.InsertText(ctx, 0, "hello world")
	require.NoError(t, err)
	base := append([]crdtpatch.Operation(nil), rec.ops...)

	b := newReplica(rec)
	c := newReplica(rec)
	deliver(t, b.Document(), base)
	deliver(t, c.Document(), base)

	editors := []*crdtedit.Editor{a, b, c}
	for step := 0; step < 60; step++ {
		ed := editors[rng.Intn(len(editors))]
		n := ed.Document().Len()
		if n > 0 && rng.Intn(3) == 0 {
			_, err := ed.DeleteAt(ctx, rng.Intn(n))
			require.NoError(t, err)
			continue
		}
		_, err := ed.InsertAt(ctx, rng.Intn(n+1), string(rune('a'+rng.Intn(26))))
		require.NoError(t, err)

		// Occasionally share everything so far with one replica
		if step%15 == 14 {
			target := editors[rng.Intn(len(editors))]
			deliver(t, target.Document(), rec.ops)
		}
	}
	return rec.ops
}

func TestReconcilerConvergenceUnderPermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ops := concurrentHistory(t, rng)

	var texts []string
	for round := 0; round < 20; round++ {
		shuffled := append([]crdtpatch.Operation(nil), ops...)
		// Duplicate a random subset
		for i := 0; i < len(ops)/4; i++ {
			shuffled = append(shuffled, ops[rng.Intn(len(ops))])
		}
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		doc := crdt.NewDocument(common.NewSessionID())
		r := NewReconciler(doc, DefaultReconcilerOptions())
		for _, op := range shuffled {
			_, err := r.Apply(op)
			require.NoError(t, err)
		}
		assert.Empty(t, r.Pending())
		texts = append(texts, doc.Text())
	}

	for _, text := range texts[1:] {
		assert.Equal(t, texts[0], text)
	}

	// The causal order replay agrees too
	doc := crdt.NewDocument(common.NewSessionID())
	deliver(t, doc, ops)
	assert.Equal(t, texts[0], doc.Text())
}

func TestReconcilerIdempotence(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	ops := concurrentHistory(t, rng)

	once := crdt.NewDocument(common.NewSessionID())
	deliver(t, once, ops)

	twice := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(twice, DefaultReconcilerOptions())
	for _, op := range ops {
		_, err := r.Apply(op)
		require.NoError(t, err)
		outcome, err := r.Apply(op)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	assert.Equal(t, once.Text(), twice.Text())
	assert.Equal(t, once.Nodes(), twice.Nodes())
}

func TestTombstoneMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ops := concurrentHistory(t, rng)

	for round := 0; round < 5; round++ {
		shuffled := append([]crdtpatch.Operation(nil), ops...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		doc := crdt.NewDocument(common.NewSessionID())
		r := NewReconciler(doc, DefaultReconcilerOptions())
		dead := make(map[common.NodeID]bool)
		for _, op := range shuffled {
			_, err := r.Apply(op)
			require.NoError(t, err)
			for _, n := range doc.Nodes() {
				if dead[n.ID] {
					require.True(t, n.Tombstone, "node %s came back", n.ID)
				}
				if n.Tombstone {
					dead[n.ID] = true
				}
			}
		}
	}
}

func TestDeleteBeforeInsert(t *testing.T) {
	site := common.NewSessionID()
	id := common.NodeID{Site: site, Clock: 1}

	doc := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(doc, DefaultReconcilerOptions())

	outcome, err := r.Apply(crdtpatch.NewDelete(id))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, outcome)
	assert.Len(t, r.Pending(), 1)

	outcome, err = r.Apply(crdtpatch.NewInsert(id, "x", common.RootID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	n, ok := doc.Get(id)
	require.True(t, ok)
	assert.True(t, n.Tombstone)
	assert.Equal(t, "", doc.Text())
	assert.Empty(t, r.Pending())
}

func TestCatToCotThroughReconciler(t *testing.T) {
	ctx := context.Background()
	recA, recB := &opRecorder{}, &opRecorder{}
	a := newReplica(recA)
	b := newReplica(recB)

	_, err := a.InsertText(ctx, 0, "cat")
	require.NoError(t, err)
	deliver(t, b.Document(), recA.ops)
	recA.ops = nil

	// Concurrent edits
	_, err = a.DeleteAt(ctx, 1)
	require.NoError(t, err)
	_, err = b.InsertAt(ctx, 1, "o")
	require.NoError(t, err)

	ra := NewReconciler(a.Document(), DefaultReconcilerOptions())
	for _, op := range recB.ops {
		_, err := ra.Apply(op)
		require.NoError(t, err)
	}
	rb := NewReconciler(b.Document(), DefaultReconcilerOptions())
	for _, op := range recA.ops {
		_, err := rb.Apply(op)
		require.NoError(t, err)
	}

	assert.Equal(t, "cot", a.Document().Text())
	assert.Equal(t, "cot", b.Document().Text())
}

func TestBufferedChainResolvesInAnyOrder(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{}
	src := newReplica(rec)
	_, err := src.InsertText(ctx, 0, "abcdef")
	require.NoError(t, err)

	doc := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(doc, DefaultReconcilerOptions())
	for i := len(rec.ops) - 1; i > 0; i-- {
		outcome, err := r.Apply(rec.ops[i])
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuffered, outcome)
	}
	assert.Equal(t, "", doc.Text())

	outcome, err := r.Apply(rec.ops[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, "abcdef", doc.Text())
	assert.Equal(t, 0, r.Stats().Pending)
}

func TestClockRegressionIsRejected(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(doc, DefaultReconcilerOptions())
	id := common.NodeID{Site: common.NewSessionID(), Clock: 5}

	_, err := r.Apply(crdtpatch.NewInsert(id, "a", common.RootID))
	require.NoError(t, err)

	outcome, err := r.Apply(crdtpatch.NewInsert(id, "z", common.RootID))
	assert.Equal(t, OutcomeRejected, outcome)
	var regression common.ErrClockRegression
	assert.True(t, errors.As(err, &regression))
	assert.Equal(t, "a", doc.Text())
	assert.Equal(t, 1, r.Stats().Rejected)
}

func TestLowClockInsertAfterHighClockAnchorConverges(t *testing.T) {
	s := common.NewSessionID()
	b := common.NewSessionID()
	c := common.NodeID{Site: s, Clock: 1}
	a := common.NodeID{Site: s, Clock: 2}
	tt := common.NodeID{Site: s, Clock: 3}
	o := common.NodeID{Site: b, Clock: 1}

	ops := []crdtpatch.Operation{
		crdtpatch.NewInsert(c, "c", common.RootID),
		crdtpatch.NewInsert(a, "a", c),
		crdtpatch.NewInsert(tt, "t", a),
		crdtpatch.NewDelete(a),
		crdtpatch.NewInsert(o, "o", c),
	}

	// B never observed S's clocks, so 'o' sorts after the a-t branch.
	forward := crdt.NewDocument(common.NewSessionID())
	deliver(t, forward, ops)
	assert.Equal(t, "cto", forward.Text())

	shuffled := crdt.NewDocument(common.NewSessionID())
	deliver(t, shuffled, []crdtpatch.Operation{ops[4], ops[3], ops[2], ops[0], ops[1]})
	assert.Equal(t, forward.Text(), shuffled.Text())
}

func TestMalformedOperationIsRejected(t *testing.T) {
	r := NewReconciler(crdt.NewDocument(common.NewSessionID()), DefaultReconcilerOptions())
	outcome, err := r.Apply(crdtpatch.Operation{Type: common.OperationTypeInsert, ID: common.NodeID{Site: common.NewSessionID(), Clock: 1}, Value: "toolong"})
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Error(t, err)
}

func TestApplyPatchJoinsRejections(t *testing.T) {
	site := common.NewSessionID()
	doc := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(doc, DefaultReconcilerOptions())

	_, err := r.Apply(crdtpatch.NewInsert(common.NodeID{Site: site, Clock: 1}, "a", common.RootID))
	require.NoError(t, err)

	p := crdtpatch.NewPatch(common.NodeID{Site: site, Clock: 2})
	p.AddOperation(crdtpatch.NewInsert(common.NodeID{Site: site, Clock: 1}, "b", common.RootID))
	p.AddOperation(crdtpatch.NewInsert(common.NodeID{Site: site, Clock: 2}, "c", common.NodeID{Site: site, Clock: 1}))

	outcomes, err := r.ApplyPatch(p)
	require.Error(t, err)
	assert.Equal(t, []Outcome{OutcomeRejected, OutcomeApplied}, outcomes)
	assert.Equal(t, "ac", doc.Text())
}

func TestExpireDiscardsOldPendingOperations(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	doc := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(doc, ReconcilerOptions{PendingHorizon: time.Minute, Now: clock})

	site := common.NewSessionID()
	old := crdtpatch.NewDelete(common.NodeID{Site: site, Clock: 1})
	_, err := r.Apply(old)
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	fresh := crdtpatch.NewDelete(common.NodeID{Site: site, Clock: 2})
	_, err = r.Apply(fresh)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	expired := r.Expire()
	assert.Equal(t, []crdtpatch.Operation{old}, expired)
	assert.Equal(t, []crdtpatch.Operation{fresh}, r.Pending())

	// An expired delete is never applied
	_, err = r.Apply(crdtpatch.NewInsert(common.NodeID{Site: site, Clock: 1}, "k", common.RootID))
	require.NoError(t, err)
	assert.Equal(t, "k", doc.Text())
	assert.Equal(t, 1, r.Stats().Expired)
}

func TestMaxPendingEvictsOldest(t *testing.T) {
	doc := crdt.NewDocument(common.NewSessionID())
	r := NewReconciler(doc, ReconcilerOptions{MaxPending: 3})
	site := common.NewSessionID()

	for i := uint64(1); i <= 5; i++ {
		outcome, err := r.Apply(crdtpatch.NewDelete(common.NodeID{Site: site, Clock: i}))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuffered, outcome)
	}

	pending := r.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, uint64(3), pending[0].ID.Clock)
	assert.Equal(t, 2, r.Stats().Expired)

	// Re-buffering the same operation does not grow the buffer
	_, err := r.Apply(crdtpatch.NewDelete(common.NodeID{Site: site, Clock: 5}))
	require.NoError(t, err)
	assert.Len(t, r.Pending(), 3)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "buffered", OutcomeBuffered.String())
	assert.Equal(t, "rejected", OutcomeRejected.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
