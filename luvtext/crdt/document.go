package crdt

import (
	"collabtext/luvtext/common"
)

// Document is one replica of a shared text: the node store, its visible
// projection and the clock of the local site.
type Document struct {
	clock *common.SiteClock
	store *Store
	mat   *Materializer
}

// NewDocument creates an empty replica owned by site.
func NewDocument(site common.SessionID) *Document {
	store := NewStore()
	return &Document{
		clock: common.NewSiteClock(site),
		store: store,
		mat:   NewMaterializer(store),
	}
}

// Site returns the local site identifier.
func (d *Document) Site() common.SessionID {
	return d.clock.Site()
}

// Clock returns the local site clock.
func (d *Document) Clock() *common.SiteClock {
	return d.clock
}

// Store returns the underlying node store.
func (d *Document) Store() *Store {
	return d.store
}

// Insert creates a local node holding value after left and returns its id.
func (d *Document) Insert(value string, left common.NodeID) (common.NodeID, error) {
	if err := ValidateValue(value); err != nil {
		return common.NodeID{}, err
	}
	if !d.store.Has(left) {
		return common.NodeID{}, common.ErrUnknownNodeReference{ID: left}
	}

	id := d.clock.Next()
	if _, err := d.store.Add(CharNode{ID: id, Value: value, Left: left}); err != nil {
		return common.NodeID{}, err
	}
	return id, nil
}

// Integrate records a node created elsewhere and advances the local clock
// past it. It returns false for a duplicate.
func (d *Document) Integrate(node CharNode) (bool, error) {
	added, err := d.store.Add(node)
	if err != nil {
		return false, err
	}
	d.clock.Observe(node.ID.Clock)
	return added, nil
}

// Delete tombstones id. It returns false when the node was already deleted.
func (d *Document) Delete(id common.NodeID) (bool, error) {
	return d.store.Tombstone(id)
}

// Get returns the node with the given id.
func (d *Document) Get(id common.NodeID) (CharNode, bool) {
	return d.store.Get(id)
}

// Has reports whether id is present.
func (d *Document) Has(id common.NodeID) bool {
	return d.store.Has(id)
}

// Nodes returns all nodes in document order.
func (d *Document) Nodes() []CharNode {
	return d.store.Nodes()
}

// View returns the current visible projection.
func (d *Document) View() *View {
	return d.mat.View()
}

// Text returns the visible text.
func (d *Document) Text() string {
	return d.mat.Text()
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	return d.mat.View().Len()
}
