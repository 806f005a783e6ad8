package crdt

import (
	"sort"

	"collabtext/luvtext/common"
)

// precedes reports whether sibling a is ordered before sibling b when both
// share the same left neighbor: higher clock first, then higher site.
func precedes(a, b common.NodeID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Site.Compare(b.Site) > 0
}

// insertSorted places id among siblings keeping sibling precedence.
func insertSorted(siblings []common.NodeID, id common.NodeID) []common.NodeID {
	i := sort.Search(len(siblings), func(i int) bool {
		return precedes(id, siblings[i])
	})
	siblings = append(siblings, common.NodeID{})
	copy(siblings[i+1:], siblings[i:])
	siblings[i] = id
	return siblings
}

// walk visits every node in document order, tombstones included.
// A node is followed by the nodes inserted after it, each with its own
// subtree, before the node's next sibling. The traversal uses an explicit
// stack because typing produces chains as deep as the document is long.
func walk(nodes map[common.NodeID]*CharNode, children map[common.NodeID][]common.NodeID, fn func(*CharNode)) {
	stack := make([]common.NodeID, 0, 32)
	push := func(parent common.NodeID) {
		kids := children[parent]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}

	push(common.RootID)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n, ok := nodes[id]; ok {
			fn(n)
		}
		push(id)
	}
}
