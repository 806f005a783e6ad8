package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtpatch"
	"collabtext/luvtext/crdtpubsub"
	"collabtext/luvtext/crdtsync"
)

const waitFor = 3 * time.Second

func testOptions(name string) Options {
	opts := DefaultOptions()
	opts.DocumentID = "doc"
	opts.DisplayName = name
	opts.Retry.InitialInterval = 5 * time.Millisecond
	opts.Retry.MaxInterval = 20 * time.Millisecond
	opts.Retry.MaxRetries = 2
	return opts
}

type harness struct {
	t  *testing.T
	ps *crdtpubsub.MemoryPubSub
}

func newHarness(t *testing.T) *harness {
	ps, err := crdtpubsub.NewMemoryPubSub(nil)
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return &harness{t: t, ps: ps}
}

// join creates and starts a session on a fresh replica.
func (h *harness) join(name string) *Session {
	h.t.Helper()
	return h.joinWith(crdt.NewDocument(common.NewSessionID()), testOptions(name))
}

func (h *harness) joinWith(doc *crdt.Document, opts Options) *Session {
	h.t.Helper()
	ctx := context.Background()
	bc, err := crdtsync.NewPubSubBroadcaster(ctx, h.ps, "doc", crdtpubsub.EncodingFormatJSON, doc.Site())
	require.NoError(h.t, err)
	s := New(doc, bc, opts)
	require.NoError(h.t, s.Start(ctx))
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
		bc.Close()
	})
	return s
}

func textEventually(t *testing.T, s *Session, want string) {
	t.Helper()
	assert.Eventually(t, func() bool { return s.Text() == want }, waitFor, 5*time.Millisecond,
		"text of %s is %q", s.Site(), s.Text())
}

func TestSessionsConverge(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	ctx := context.Background()

	_, err := a.InsertText(ctx, 0, "cat")
	require.NoError(t, err)
	textEventually(t, b, "cat")

	_, err = b.DeleteAt(ctx, 1)
	require.NoError(t, err)
	_, err = b.InsertAt(ctx, 1, "o")
	require.NoError(t, err)
	textEventually(t, a, "cot")
	textEventually(t, b, "cot")
}

func TestConcurrentEditsConverge(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, s := range []*Session{a, b} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, err := s.InsertAt(ctx, 0, "x")
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return a.Text() == b.Text() && len(a.Text()) == 40
	}, waitFor, 5*time.Millisecond)
}

func TestLateJoinerCatchesUp(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	ctx := context.Background()

	_, err := a.InsertText(ctx, 0, "hello")
	require.NoError(t, err)
	_, err = a.DeleteAt(ctx, 0)
	require.NoError(t, err)

	b := h.join("bob")
	textEventually(t, b, "ello")

	assert.Eventually(t, func() bool {
		return b.Presence().Self().Status == common.StatusActive
	}, waitFor, 5*time.Millisecond)
}

func TestRestoredReplicaServesSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	origin := crdt.NewDocument(common.NewSessionID())
	left := common.RootID
	for _, ch := range []string{"a", "b", "c"} {
		id, err := origin.Insert(ch, left)
		require.NoError(t, err)
		left = id
	}
	restored, err := crdt.NewDocumentFromSnapshot(origin.Site(), origin.Snapshot())
	require.NoError(t, err)

	a := h.joinWith(restored, testOptions("alice"))
	assert.Equal(t, 1, a.Stats().LogSize)

	b := h.join("bob")
	textEventually(t, b, "abc")

	_, err = a.InsertAt(ctx, 3, "d")
	require.NoError(t, err)
	textEventually(t, b, "abcd")
}

func TestPartiallyRejectedPatchIsRelayed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.join("alice")

	remote := common.NewSessionID()
	bc, err := crdtsync.NewPubSubBroadcaster(ctx, h.ps, "doc", crdtpubsub.EncodingFormatJSON, remote)
	require.NoError(t, err)
	defer bc.Close()

	x := common.NodeID{Site: remote, Clock: 1}
	first := crdtpatch.NewPatch(x)
	first.AddOperation(crdtpatch.NewInsert(x, "x", common.RootID))
	require.NoError(t, bc.Broadcast(ctx, crdtsync.NewPatchMessage(remote, first)))
	textEventually(t, a, "x")

	z := common.NodeID{Site: remote, Clock: 2}
	second := crdtpatch.NewPatch(z)
	second.AddOperation(crdtpatch.NewInsert(x, "y", common.RootID))
	second.AddOperation(crdtpatch.NewInsert(z, "z", x))
	require.NoError(t, bc.Broadcast(ctx, crdtsync.NewPatchMessage(remote, second)))
	textEventually(t, a, "xz")

	assert.Eventually(t, func() bool { return a.Stats().LogSize == 2 }, waitFor, 5*time.Millisecond)
	p, err := a.oplog.GetPatch(z)
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	assert.Equal(t, "z", p.Operations()[0].Value)

	// A newcomer only learns the second patch through anti-entropy.
	b := h.join("bob")
	textEventually(t, b, "xz")
}

func TestUndoPropagates(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	ctx := context.Background()

	_, err := a.InsertText(ctx, 0, "ab")
	require.NoError(t, err)
	textEventually(t, b, "ab")

	_, err = a.Undo(ctx)
	require.NoError(t, err)
	textEventually(t, b, "")
}

func TestPresenceRoster(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")

	assert.Eventually(t, func() bool {
		c, ok := a.Presence().Get(b.Site())
		return ok && c.DisplayName == "bob"
	}, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		c, ok := b.Presence().Get(a.Site())
		return ok && c.DisplayName == "alice" && c.Status == common.StatusActive
	}, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Stop(ctx))

	assert.Eventually(t, func() bool {
		_, ok := a.Presence().Get(b.Site())
		return !ok
	}, waitFor, 5*time.Millisecond)
}

func TestCursors(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	b := h.join("bob")
	ctx := context.Background()

	_, err := a.InsertText(ctx, 0, "abc")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		sites := b.Cursors()[3]
		return len(sites) == 1 && sites[0] == a.Site()
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, a.MoveCursor(ctx, 1))
	assert.Eventually(t, func() bool {
		sites := b.Cursors()[1]
		return len(sites) == 1 && sites[0] == a.Site()
	}, waitFor, 5*time.Millisecond)

	_, own := a.Cursors()[1]
	assert.False(t, own)
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	ctx := context.Background()

	_, err := a.InsertText(ctx, 0, "hi")
	require.NoError(t, err)

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	doc, err := crdt.NewDocumentFromSnapshot(common.NewSessionID(), snap)
	require.NoError(t, err)
	assert.Equal(t, "hi", doc.Text())
}

type failingBroadcaster struct{}

func (failingBroadcaster) Broadcast(context.Context, *crdtsync.Message) error {
	return errors.New("network down")
}

func (failingBroadcaster) Next(ctx context.Context) (*crdtsync.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (failingBroadcaster) Close() error { return nil }

func TestTransportFailureKeepsEdit(t *testing.T) {
	failures := make(chan error, 16)
	opts := testOptions("alice")
	opts.OnDeliveryFailure = func(_ *crdtsync.Message, err error) {
		select {
		case failures <- err:
		default:
		}
	}

	s := New(crdt.NewDocument(common.NewSessionID()), failingBroadcaster{}, opts)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()

	_, err := s.InsertText(ctx, 0, "ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", s.Text())

	select {
	case err := <-failures:
		var tf common.ErrTransportFailure
		assert.ErrorAs(t, err, &tf)
	case <-time.After(waitFor):
		t.Fatal("no delivery failure reported")
	}
	assert.Eventually(t, func() bool { return s.Stats().Failed > 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, common.StatusJoining, s.Presence().Self().Status)
}

func TestClosedSession(t *testing.T) {
	s := New(crdt.NewDocument(common.NewSessionID()), failingBroadcaster{}, testOptions("alice"))
	ctx := context.Background()

	_, err := s.InsertAt(ctx, 0, "a")
	assert.ErrorIs(t, err, ErrClosed)

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	s.Stop(stopCtx)

	_, err = s.InsertAt(ctx, 0, "a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Stop(ctx))
}

func TestInvalidEdit(t *testing.T) {
	h := newHarness(t)
	a := h.join("alice")
	ctx := context.Background()

	_, err := a.InsertAt(ctx, 5, "a")
	var bad common.ErrInvalidPosition
	assert.ErrorAs(t, err, &bad)
	assert.Equal(t, "", a.Text())
}
