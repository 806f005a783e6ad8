package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtpatch"
	"collabtext/luvtext/crdtpubsub"
	"collabtext/luvtext/crdtstorage"
	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/presence"
)

const waitFor = 3 * time.Second

func newTestHub(t *testing.T, storage *crdtstorage.Storage) (*Hub, *httptest.Server) {
	t.Helper()
	ps, err := crdtpubsub.NewMemoryPubSub(nil)
	require.NoError(t, err)
	factory, err := crdtsync.NewBroadcasterFactory(&crdtsync.SyncOptions{
		SyncType: crdtsync.SyncTypePubSub,
		PubSub:   ps,
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Broadcasters = factory
	opts.Storage = storage
	hub, err := NewHub(opts)
	require.NoError(t, err)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Close(ctx)
		srv.Close()
		ps.Close()
	})
	return hub, srv
}

type wsPeer struct {
	t      *testing.T
	site   common.SessionID
	clock  *common.SiteClock
	conn   *websocket.Conn
	frames chan *crdtsync.Message
}

func dial(t *testing.T, srv *httptest.Server, doc string) *wsPeer {
	t.Helper()
	site := common.NewSessionID()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + doc + "?site=" + site.String()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &wsPeer{
		t:      t,
		site:   site,
		clock:  common.NewSiteClock(site),
		conn:   conn,
		frames: make(chan *crdtsync.Message, 64),
	}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(p.frames)
				return
			}
			if msg, err := crdtsync.DecodeMessage(data); err == nil {
				p.frames <- msg
			}
		}
	}()
	return p
}

func (p *wsPeer) send(msg *crdtsync.Message) {
	p.t.Helper()
	data, err := crdtsync.EncodeMessage(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func (p *wsPeer) insert(text string, left common.NodeID) *crdtpatch.Patch {
	b := crdtpatch.NewPatchBuilder(p.clock)
	b.InsertText(text, left)
	patch := b.Flush()
	p.send(crdtsync.NewPatchMessage(p.site, patch))
	return patch
}

// expect waits for a message of type typ and returns it.
func (p *wsPeer) expect(typ crdtsync.MessageType) *crdtsync.Message {
	p.t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case msg, ok := <-p.frames:
			require.True(p.t, ok, "connection closed")
			if msg.Type == typ {
				return msg
			}
		case <-timeout:
			p.t.Fatalf("no %s message received", typ)
			return nil
		}
	}
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestRelayBetweenClients(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := dial(t, srv, "notes")
	b := dial(t, srv, "notes")

	patch := a.insert("hi", common.RootID)

	got := b.expect(crdtsync.MessagePatch)
	assert.Equal(t, a.site, got.Sender)
	assert.Equal(t, patch.ID(), got.Patch.ID())

	assert.Eventually(t, func() bool {
		var body TextResponse
		return getJSON(t, srv.URL+"/docs/notes/text", &body) == http.StatusOK && body.Text == "hi"
	}, waitFor, 10*time.Millisecond)
}

func TestSenderDoesNotReceiveOwnMessages(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := dial(t, srv, "notes")
	b := dial(t, srv, "notes")

	a.insert("x", common.RootID)
	b.expect(crdtsync.MessagePatch)

	select {
	case msg := <-a.frames:
		assert.NotEqual(t, a.site, msg.Sender)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForeignSenderDropped(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := dial(t, srv, "notes")

	other := common.NewSiteClock(common.NewSessionID())
	b := crdtpatch.NewPatchBuilder(other)
	b.InsertText("spoof", common.RootID)
	a.send(crdtsync.NewPatchMessage(other.Site(), b.Flush()))
	a.insert("ok", common.RootID)

	assert.Eventually(t, func() bool {
		var body TextResponse
		return getJSON(t, srv.URL+"/docs/notes/text", &body) == http.StatusOK && body.Text == "ok"
	}, waitFor, 10*time.Millisecond)
}

func TestServerReplicaAnswersSync(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := dial(t, srv, "notes")
	a.insert("abc", common.RootID)

	assert.Eventually(t, func() bool {
		var body TextResponse
		return getJSON(t, srv.URL+"/docs/notes/text", &body) == http.StatusOK && body.Length == 3
	}, waitFor, 10*time.Millisecond)

	late := dial(t, srv, "notes")
	late.send(crdtsync.NewSyncRequest(late.site, nil))

	resp := late.expect(crdtsync.MessageSyncResponse)
	assert.Equal(t, late.site, *resp.Target)
	require.NotEmpty(t, resp.Patches)
}

func TestRosterAndDisconnect(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := dial(t, srv, "notes")

	ev := presence.Event{Site: a.site, Status: common.StatusActive, DisplayName: "alice", Seq: 1}
	data, err := ev.Encode()
	require.NoError(t, err)
	a.send(crdtsync.NewPresenceMessage(a.site, data))

	roster := func() []presence.Collaborator {
		var body RosterResponse
		if getJSON(t, srv.URL+"/docs/notes/roster", &body) != http.StatusOK {
			return nil
		}
		return body.Collaborators
	}
	assert.Eventually(t, func() bool {
		r := roster()
		return len(r) == 1 && r[0].DisplayName == "alice" && r[0].Status == common.StatusActive
	}, waitFor, 10*time.Millisecond)

	a.conn.Close()
	assert.Eventually(t, func() bool {
		r := roster()
		return len(r) == 1 && r[0].Status == common.StatusDisconnected
	}, waitFor, 10*time.Millisecond)
}

func TestSnapshotAndDocuments(t *testing.T) {
	_, srv := newTestHub(t, nil)
	a := dial(t, srv, "notes")
	a.insert("yo", common.RootID)

	assert.Eventually(t, func() bool {
		var body struct {
			Nodes []json.RawMessage `json:"nodes"`
		}
		return getJSON(t, srv.URL+"/docs/notes/snapshot", &body) == http.StatusOK && len(body.Nodes) == 2
	}, waitFor, 10*time.Millisecond)

	var docs map[string][]string
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/docs", &docs))
	assert.Equal(t, []string{"notes"}, docs["documents"])

	var peers PeersResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/docs/notes/peers", &peers))
	assert.Empty(t, peers.Peers)
}

func TestUnknownDocumentAndBadSite(t *testing.T) {
	_, srv := newTestHub(t, nil)

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/docs/missing/text", nil))

	resp, err := http.Get(srv.URL + "/ws/notes?site=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubPersistsDocuments(t *testing.T) {
	adapter := crdtstorage.NewMemoryAdapter()
	opts := crdtstorage.DefaultStorageOptions()
	opts.AutoSaveInterval = 0
	storage := crdtstorage.NewStorage(adapter, opts)
	defer storage.Close()

	hub, srv := newTestHub(t, storage)
	a := dial(t, srv, "notes")
	a.insert("saved", common.RootID)

	assert.Eventually(t, func() bool {
		var body TextResponse
		return getJSON(t, srv.URL+"/docs/notes/text", &body) == http.StatusOK && body.Text == "saved"
	}, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Close(ctx))

	rec, err := adapter.LoadDocument(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, "saved", rec.Text)

	_, err = hub.open(ctx, "other")
	assert.ErrorIs(t, err, ErrHubClosed)
}

// gatedAdapter blocks loads of one document until release is closed.
type gatedAdapter struct {
	*crdtstorage.MemoryAdapter
	doc     string
	release chan struct{}
}

func (a *gatedAdapter) LoadDocument(ctx context.Context, documentID string) (*crdtstorage.Record, error) {
	if documentID == a.doc {
		select {
		case <-a.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.MemoryAdapter.LoadDocument(ctx, documentID)
}

func TestSlowLoadDoesNotBlockOtherDocuments(t *testing.T) {
	adapter := &gatedAdapter{MemoryAdapter: crdtstorage.NewMemoryAdapter(), doc: "slow", release: make(chan struct{})}
	opts := crdtstorage.DefaultStorageOptions()
	opts.AutoSaveInterval = 0
	storage := crdtstorage.NewStorage(adapter, opts)
	defer storage.Close()

	hub, srv := newTestHub(t, storage)
	ctx := context.Background()

	type opened struct {
		r   *room
		err error
	}
	slow := make(chan opened, 2)
	for i := 0; i < 2; i++ {
		go func() {
			r, err := hub.open(ctx, "slow")
			slow <- opened{r, err}
		}()
	}

	fast := make(chan error, 1)
	go func() {
		_, err := hub.open(ctx, "fast")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("open of another document blocked behind a slow load")
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/docs", nil))
	assert.Equal(t, []string{"fast"}, hub.Documents())

	close(adapter.release)
	first, second := <-slow, <-slow
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Same(t, first.r, second.r)
	assert.Equal(t, []string{"fast", "slow"}, hub.Documents())
}

func TestNewHubRequiresFactory(t *testing.T) {
	_, err := NewHub(Options{})
	assert.Error(t, err)
}
