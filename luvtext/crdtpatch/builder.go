package crdtpatch

import (
	"collabtext/luvtext/common"
)

// PatchBuilder collects the operations of one local edit. Every operation
// consumes one tick of the site clock; inserts use their tick as node id.
type PatchBuilder struct {
	clock *common.SiteClock

	first   common.NodeID
	started bool
	pending []Operation
}

// NewPatchBuilder creates a builder drawing ids from clock.
func NewPatchBuilder(clock *common.SiteClock) *PatchBuilder {
	return &PatchBuilder{clock: clock}
}

func (b *PatchBuilder) tick() common.NodeID {
	id := b.clock.Next()
	if !b.started {
		b.first = id
		b.started = true
	}
	return id
}

// Insert adds an Insert of value after left and returns the new node id.
func (b *PatchBuilder) Insert(value string, left common.NodeID) common.NodeID {
	id := b.tick()
	b.pending = append(b.pending, NewInsert(id, value, left))
	return id
}

// InsertText adds one Insert per character, each anchored on the previous.
// It returns the new node ids in text order.
func (b *PatchBuilder) InsertText(text string, left common.NodeID) []common.NodeID {
	ids := make([]common.NodeID, 0, len(text))
	for _, r := range text {
		left = b.Insert(string(r), left)
		ids = append(ids, left)
	}
	return ids
}

// Delete adds a Delete of id.
func (b *PatchBuilder) Delete(id common.NodeID) {
	b.tick()
	b.pending = append(b.pending, NewDelete(id))
}

// Len returns the number of pending operations.
func (b *PatchBuilder) Len() int {
	return len(b.pending)
}

// Flush returns the built patch and resets the builder. It returns nil
// when no operation was added.
func (b *PatchBuilder) Flush() *Patch {
	if len(b.pending) == 0 {
		return nil
	}
	p := NewPatch(b.first)
	p.operations = b.pending

	b.pending = nil
	b.started = false
	b.first = common.NodeID{}
	return p
}
