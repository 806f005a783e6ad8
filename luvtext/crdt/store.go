package crdt

import (
	"sync"

	"collabtext/luvtext/common"
)

// Store is the arena of character nodes addressed by id. It records facts
// only: nodes and their left-neighbor relation. Ordering is derived on read.
// Nodes are never removed.
type Store struct {
	mu       sync.RWMutex
	nodes    map[common.NodeID]*CharNode
	children map[common.NodeID][]common.NodeID
	maxClock map[common.SessionID]uint64
	version  uint64
}

// NewStore creates an empty store holding only the implicit root sentinel.
func NewStore() *Store {
	return &Store{
		nodes:    make(map[common.NodeID]*CharNode),
		children: make(map[common.NodeID][]common.NodeID),
		maxClock: make(map[common.SessionID]uint64),
	}
}

// Add records node. It returns false without error when a node with the
// same id and payload is already present. A tombstone carried by node is
// merged into an existing node.
//
// Errors:
//   - ErrUnknownNodeReference when node.Left has not arrived yet.
//   - ErrClockRegression when the id is already used by a node with a
//     different value or left neighbor.
func (s *Store) Add(node CharNode) (bool, error) {
	if node.ID.IsRoot() || node.ID.Site.IsNil() {
		return false, common.ErrInvalidOperation{Message: "root id is reserved"}
	}
	if err := ValidateValue(node.Value); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.nodes[node.ID]; ok {
		if existing.Value != node.Value || existing.Left != node.Left {
			return false, common.ErrClockRegression{ID: node.ID, Observed: s.maxClock[node.ID.Site]}
		}
		if node.Tombstone && !existing.Tombstone {
			existing.Tombstone = true
			s.version++
		}
		return false, nil
	}

	if !node.Left.IsRoot() {
		if _, ok := s.nodes[node.Left]; !ok {
			return false, common.ErrUnknownNodeReference{ID: node.Left}
		}
	}

	n := node
	s.nodes[n.ID] = &n
	s.children[n.Left] = insertSorted(s.children[n.Left], n.ID)
	if n.ID.Clock > s.maxClock[n.ID.Site] {
		s.maxClock[n.ID.Site] = n.ID.Clock
	}
	s.version++
	return true, nil
}

// Tombstone marks id as deleted. It returns false when the node was already
// tombstoned. ErrUnknownNodeReference is returned for ids not yet present.
func (s *Store) Tombstone(id common.NodeID) (bool, error) {
	if id.IsRoot() {
		return false, common.ErrInvalidOperation{Message: "root cannot be deleted"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return false, common.ErrUnknownNodeReference{ID: id}
	}
	if n.Tombstone {
		return false, nil
	}
	n.Tombstone = true
	s.version++
	return true, nil
}

// Has reports whether id is present. The root is always present.
func (s *Store) Has(id common.NodeID) bool {
	if id.IsRoot() {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// Get returns a copy of the node with the given id.
func (s *Store) Get(id common.NodeID) (CharNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return CharNode{}, false
	}
	return *n, true
}

// Len returns the number of stored nodes, tombstones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Version increases with every state change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Nodes enumerates every node in document order. Each node appears after
// its left neighbor, so the result can be replayed into an empty store.
func (s *Store) Nodes() []CharNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CharNode, 0, len(s.nodes))
	walk(s.nodes, s.children, func(n *CharNode) {
		out = append(out, *n)
	})
	return out
}

// Walk calls fn for every node in document order and returns the version
// the traversal observed. fn must not call back into the store.
func (s *Store) Walk(fn func(CharNode)) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	walk(s.nodes, s.children, func(n *CharNode) {
		fn(*n)
	})
	return s.version
}

// Children returns the ids inserted directly after parent, in order.
func (s *Store) Children(parent common.NodeID) []common.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kids := s.children[parent]
	out := make([]common.NodeID, len(kids))
	copy(out, kids)
	return out
}

// MaxClocks returns the highest insert clock seen per site.
func (s *Store) MaxClocks() map[common.SessionID]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[common.SessionID]uint64, len(s.maxClock))
	for site, c := range s.maxClock {
		out[site] = c
	}
	return out
}
