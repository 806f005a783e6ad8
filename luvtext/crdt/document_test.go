package crdt

import (
	"encoding/json"
	"errors"
	"testing"

	"collabtext/luvtext/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderedSites() (common.SessionID, common.SessionID) {
	a := common.NewSessionID()
	b := common.NewSessionID()
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	return a, b
}

// typeText inserts s at the end of doc and returns the new ids.
func typeText(t *testing.T, doc *Document, s string) []common.NodeID {
	t.Helper()
	var ids []common.NodeID
	for _, r := range s {
		anchor, err := doc.View().AnchorAt(doc.Len())
		require.NoError(t, err)
		id, err := doc.Insert(string(r), anchor)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestDocumentInsertAndText(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	typeText(t, doc, "hello")

	assert.Equal(t, "hello", doc.Text())
	assert.Equal(t, 5, doc.Len())
	assert.Equal(t, uint64(5), doc.Clock().Current())
}

func TestDocumentInsertRejectsBadInput(t *testing.T) {
	doc := NewDocument(common.NewSessionID())

	_, err := doc.Insert("ab", common.RootID)
	var invalid common.ErrInvalidOperation
	assert.True(t, errors.As(err, &invalid))

	_, err = doc.Insert("", common.RootID)
	assert.Error(t, err)

	missing := common.NodeID{Site: common.NewSessionID(), Clock: 9}
	_, err = doc.Insert("x", missing)
	var unknown common.ErrUnknownNodeReference
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, missing, unknown.ID)
}

func TestCausalInsertOrdering(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	other := common.NewSessionID()

	a, err := doc.Insert("a", common.RootID)
	require.NoError(t, err)

	// Unrelated concurrent inserts elsewhere
	for i := uint64(1); i <= 5; i++ {
		_, err := doc.Integrate(CharNode{ID: common.NodeID{Site: other, Clock: 100 + i}, Value: "z", Left: common.RootID})
		require.NoError(t, err)
	}

	_, err = doc.Insert("b", a)
	require.NoError(t, err)

	assert.Contains(t, doc.Text(), "ab")
}

func TestConcurrentInsertTieBreak(t *testing.T) {
	siteA, siteB := orderedSites()
	x := CharNode{ID: common.NodeID{Site: siteA, Clock: 5}, Value: "x", Left: common.RootID}
	y := CharNode{ID: common.NodeID{Site: siteB, Clock: 5}, Value: "y", Left: common.RootID}

	r1 := NewDocument(siteA)
	r2 := NewDocument(siteB)

	_, err := r1.Integrate(x)
	require.NoError(t, err)
	_, err = r1.Integrate(y)
	require.NoError(t, err)

	_, err = r2.Integrate(y)
	require.NoError(t, err)
	_, err = r2.Integrate(x)
	require.NoError(t, err)

	// Higher site wins on clock tie
	assert.Equal(t, "yx", r1.Text())
	assert.Equal(t, r1.Text(), r2.Text())
}

func TestHigherClockComesFirst(t *testing.T) {
	siteA, siteB := orderedSites()
	doc := NewDocument(common.NewSessionID())

	_, err := doc.Integrate(CharNode{ID: common.NodeID{Site: siteB, Clock: 3}, Value: "b", Left: common.RootID})
	require.NoError(t, err)
	_, err = doc.Integrate(CharNode{ID: common.NodeID{Site: siteA, Clock: 7}, Value: "a", Left: common.RootID})
	require.NoError(t, err)

	assert.Equal(t, "ab", doc.Text())
}

func TestCatToCotScenario(t *testing.T) {
	siteA := common.NewSessionID()
	siteB := common.NewSessionID()

	a := NewDocument(siteA)
	ids := typeText(t, a, "cat")

	b := NewDocument(siteB)
	for _, n := range a.Nodes() {
		_, err := b.Integrate(n)
		require.NoError(t, err)
	}
	require.Equal(t, "cat", b.Text())

	// Site A deletes 'a' while site B inserts 'o' after 'c'
	_, err := a.Delete(ids[1])
	require.NoError(t, err)
	oID, err := b.Insert("o", ids[0])
	require.NoError(t, err)
	o, ok := b.Get(oID)
	require.True(t, ok)

	_, err = a.Integrate(o)
	require.NoError(t, err)
	_, err = b.Delete(ids[1])
	require.NoError(t, err)

	assert.Equal(t, "cot", a.Text())
	assert.Equal(t, "cot", b.Text())
}

func TestDeleteIsIdempotentAndMonotonic(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	ids := typeText(t, doc, "ab")

	changed, err := doc.Delete(ids[0])
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = doc.Delete(ids[0])
	require.NoError(t, err)
	assert.False(t, changed)

	// Re-delivering the insert never resurrects the node
	n, _ := doc.Get(ids[0])
	n.Tombstone = false
	added, err := doc.Integrate(n)
	require.NoError(t, err)
	assert.False(t, added)

	got, ok := doc.Get(ids[0])
	require.True(t, ok)
	assert.True(t, got.Tombstone)
	assert.Equal(t, "b", doc.Text())
	assert.Equal(t, 2, doc.Store().Len())
}

func TestDeleteUnknownNode(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	_, err := doc.Delete(common.NodeID{Site: common.NewSessionID(), Clock: 1})
	var unknown common.ErrUnknownNodeReference
	assert.True(t, errors.As(err, &unknown))

	_, err = doc.Delete(common.RootID)
	assert.Error(t, err)
}

func TestIntegrateDetectsClockRegression(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	remote := common.NewSessionID()

	first := CharNode{ID: common.NodeID{Site: remote, Clock: 4}, Value: "a", Left: common.RootID}
	_, err := doc.Integrate(first)
	require.NoError(t, err)

	// Same id, different payload
	_, err = doc.Integrate(CharNode{ID: first.ID, Value: "b", Left: common.RootID})
	var regression common.ErrClockRegression
	require.True(t, errors.As(err, &regression))
	assert.Equal(t, uint64(4), regression.Observed)

	// Same id, different anchor
	_, err = doc.Integrate(CharNode{ID: first.ID, Value: "a", Left: common.NodeID{Site: remote, Clock: 1}})
	require.True(t, errors.As(err, &regression))
	assert.Contains(t, err.Error(), "reused")

	assert.Equal(t, "a", doc.Text())
}

func TestIntegrateAcceptsLowClockAfterHighClockAnchor(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	remote := common.NewSessionID()

	anchor := CharNode{ID: common.NodeID{Site: remote, Clock: 7}, Value: "a", Left: common.RootID}
	_, err := doc.Integrate(anchor)
	require.NoError(t, err)

	added, err := doc.Integrate(CharNode{ID: common.NodeID{Site: common.NewSessionID(), Clock: 1}, Value: "b", Left: anchor.ID})
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, "ab", doc.Text())
}

func TestIntegrateAdvancesLocalClock(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	remote := common.NewSessionID()

	_, err := doc.Integrate(CharNode{ID: common.NodeID{Site: remote, Clock: 41}, Value: "r", Left: common.RootID})
	require.NoError(t, err)

	// A local insert at the same anchor now sorts first
	id, err := doc.Insert("l", common.RootID)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id.Clock)
	assert.Equal(t, "lr", doc.Text())
}

func TestDeepChainTraversal(t *testing.T) {
	doc := NewDocument(common.NewSessionID())

	const n = 50000
	left := common.RootID
	for i := 0; i < n; i++ {
		id, err := doc.Insert("x", left)
		require.NoError(t, err)
		left = id
	}

	assert.Equal(t, n, doc.Len())
}

func TestViewOffsets(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	ids := typeText(t, doc, "abcd")
	_, err := doc.Delete(ids[1])
	require.NoError(t, err)

	view := doc.View()
	assert.Equal(t, "acd", view.Text)
	assert.Equal(t, 3, view.Len())

	id, err := view.IDAt(1)
	require.NoError(t, err)
	assert.Equal(t, ids[2], id)

	_, err = view.IDAt(3)
	var pos common.ErrInvalidPosition
	assert.True(t, errors.As(err, &pos))

	v, err := view.ValueAt(2)
	require.NoError(t, err)
	assert.Equal(t, "d", v)

	anchor, err := view.AnchorAt(0)
	require.NoError(t, err)
	assert.True(t, anchor.IsRoot())
	anchor, err = view.AnchorAt(3)
	require.NoError(t, err)
	assert.Equal(t, ids[3], anchor)
	_, err = view.AnchorAt(4)
	assert.Error(t, err)

	off, ok := view.OffsetOf(ids[3])
	assert.True(t, ok)
	assert.Equal(t, 2, off)
	_, ok = view.OffsetOf(ids[1])
	assert.False(t, ok)

	// Caret after a tombstone falls back to the preceding visible character
	caret, ok := view.CaretAfter(ids[1])
	assert.True(t, ok)
	assert.Equal(t, 1, caret)
	caret, ok = view.CaretAfter(common.RootID)
	assert.True(t, ok)
	assert.Equal(t, 0, caret)
	_, ok = view.CaretAfter(common.NodeID{Site: common.NewSessionID(), Clock: 1})
	assert.False(t, ok)
}

func TestViewIsCachedUntilChange(t *testing.T) {
	doc := NewDocument(common.NewSessionID())
	typeText(t, doc, "ab")

	v1 := doc.View()
	v2 := doc.View()
	assert.Same(t, v1, v2)

	typeText(t, doc, "c")
	v3 := doc.View()
	assert.NotSame(t, v1, v3)
	assert.Equal(t, "abc", v3.Text)
}

func TestSnapshotRestore(t *testing.T) {
	site := common.NewSessionID()
	doc := NewDocument(site)
	ids := typeText(t, doc, "hello")
	_, err := doc.Delete(ids[4])
	require.NoError(t, err)

	snap := doc.Snapshot()
	assert.Len(t, snap.Nodes, 5)
	assert.Equal(t, uint64(5), snap.Clock)

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := NewDocumentFromSnapshot(site, decoded)
	require.NoError(t, err)
	assert.Equal(t, "hell", restored.Text())
	assert.Equal(t, doc.Nodes(), restored.Nodes())

	// The restored replica keeps issuing fresh ids
	id, err := restored.Insert("!", ids[3])
	require.NoError(t, err)
	assert.Greater(t, id.Clock, uint64(5))
}

func TestRestoreOutOfOrderNodes(t *testing.T) {
	src := NewDocument(common.NewSessionID())
	typeText(t, src, "abc")

	snap := src.Snapshot()
	reversed := make([]CharNode, len(snap.Nodes))
	for i, n := range snap.Nodes {
		reversed[len(snap.Nodes)-1-i] = n
	}
	snap.Nodes = reversed

	doc := NewDocument(common.NewSessionID())
	require.NoError(t, doc.Restore(snap))
	assert.Equal(t, "abc", doc.Text())
}

func TestRestoreWithMissingAnchorFails(t *testing.T) {
	orphan := CharNode{
		ID:    common.NodeID{Site: common.NewSessionID(), Clock: 2},
		Value: "x",
		Left:  common.NodeID{Site: common.NewSessionID(), Clock: 1},
	}
	doc := NewDocument(common.NewSessionID())
	err := doc.Restore(Snapshot{Nodes: []CharNode{orphan}})
	var unknown common.ErrUnknownNodeReference
	assert.True(t, errors.As(err, &unknown))
}
