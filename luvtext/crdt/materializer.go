package crdt

import (
	"strings"
	"sync"

	"collabtext/luvtext/common"
)

// View is the visible projection of a store at one version.
type View struct {
	Version uint64
	Text    string
	IDs     []common.NodeID

	values []string
	carets map[common.NodeID]int
}

// Len returns the number of visible characters.
func (v *View) Len() int {
	return len(v.IDs)
}

// IDAt returns the id of the visible character at pos.
func (v *View) IDAt(pos int) (common.NodeID, error) {
	if pos < 0 || pos >= len(v.IDs) {
		return common.NodeID{}, common.ErrInvalidPosition{Position: pos, Length: len(v.IDs)}
	}
	return v.IDs[pos], nil
}

// ValueAt returns the visible character at pos.
func (v *View) ValueAt(pos int) (string, error) {
	if pos < 0 || pos >= len(v.values) {
		return "", common.ErrInvalidPosition{Position: pos, Length: len(v.values)}
	}
	return v.values[pos], nil
}

// AnchorAt returns the node a character inserted at visible position pos
// must be placed after: the preceding visible node, or the root for 0.
func (v *View) AnchorAt(pos int) (common.NodeID, error) {
	if pos < 0 || pos > len(v.IDs) {
		return common.NodeID{}, common.ErrInvalidPosition{Position: pos, Length: len(v.IDs)}
	}
	if pos == 0 {
		return common.RootID, nil
	}
	return v.IDs[pos-1], nil
}

// OffsetOf returns the visible offset of a visible node.
func (v *View) OffsetOf(id common.NodeID) (int, bool) {
	caret, ok := v.carets[id]
	if !ok || caret == 0 {
		return 0, false
	}
	pos := caret - 1
	if pos >= len(v.IDs) || v.IDs[pos] != id {
		return 0, false
	}
	return pos, true
}

// CaretAfter returns the visible caret offset directly after anchor. A
// tombstoned anchor resolves to the caret after the nearest preceding
// visible character. Unknown anchors report false.
func (v *View) CaretAfter(anchor common.NodeID) (int, bool) {
	if anchor.IsRoot() {
		return 0, true
	}
	caret, ok := v.carets[anchor]
	return caret, ok
}

// Materializer projects a store into visible text and caches the result
// until the store changes.
type Materializer struct {
	store *Store

	mu     sync.Mutex
	cached *View
}

// NewMaterializer creates a materializer reading from store.
func NewMaterializer(store *Store) *Materializer {
	return &Materializer{store: store}
}

// View returns the projection for the current store version.
func (m *Materializer) View() *View {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.cached.Version == m.store.Version() {
		return m.cached
	}
	m.cached = project(m.store)
	return m.cached
}

// Text returns the visible text.
func (m *Materializer) Text() string {
	return m.View().Text
}

func project(store *Store) *View {
	var sb strings.Builder
	view := &View{
		IDs:    make([]common.NodeID, 0),
		carets: make(map[common.NodeID]int),
	}

	visible := 0
	view.Version = store.Walk(func(n CharNode) {
		if !n.Tombstone {
			sb.WriteString(n.Value)
			view.IDs = append(view.IDs, n.ID)
			view.values = append(view.values, n.Value)
			visible++
		}
		view.carets[n.ID] = visible
	})
	view.Text = sb.String()
	return view
}
