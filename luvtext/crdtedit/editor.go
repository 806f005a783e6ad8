package crdtedit

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtpatch"
)

// ErrNothingToUndo is returned by Undo when no local edit is recorded.
var ErrNothingToUndo = errors.New("nothing to undo")

// Emitter hands locally produced patches to the transport.
type Emitter interface {
	Emit(ctx context.Context, patch *crdtpatch.Patch) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(ctx context.Context, patch *crdtpatch.Patch) error

// Emit calls f(ctx, patch).
func (f EmitterFunc) Emit(ctx context.Context, patch *crdtpatch.Patch) error {
	return f(ctx, patch)
}

type removedChar struct {
	id    common.NodeID
	value string
}

// edit is one undoable local change.
type edit struct {
	inserted []common.NodeID
	removed  []removedChar
}

// Editor is the local edit interface of one replica. It owns the replica's
// site clock through the patch builder.
type Editor struct {
	mu      sync.Mutex
	doc     *crdt.Document
	emitter Emitter
	history []edit
	limit   int
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithEmitter sets the transport for produced patches.
func WithEmitter(e Emitter) EditorOption {
	return func(ed *Editor) {
		ed.emitter = e
	}
}

// WithHistoryLimit caps the number of undoable edits kept.
func WithHistoryLimit(n int) EditorOption {
	return func(ed *Editor) {
		ed.limit = n
	}
}

// NewEditor creates an editor for doc.
func NewEditor(doc *crdt.Document, opts ...EditorOption) *Editor {
	e := &Editor{
		doc:   doc,
		limit: 1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Document returns the edited replica.
func (e *Editor) Document() *crdt.Document {
	return e.doc
}

// InsertAt inserts a single character at visible position pos and returns
// the new node id. pos 0 inserts at the start of the text.
func (e *Editor) InsertAt(ctx context.Context, pos int, char string) (common.NodeID, error) {
	if err := crdt.ValidateValue(char); err != nil {
		return common.NodeID{}, err
	}
	ids, err := e.InsertText(ctx, pos, char)
	if len(ids) == 0 {
		return common.NodeID{}, err
	}
	return ids[0], err
}

// InsertText inserts text at visible position pos as one patch.
func (e *Editor) InsertText(ctx context.Context, pos int, text string) ([]common.NodeID, error) {
	if text == "" {
		return nil, common.ErrInvalidOperation{Message: "empty text"}
	}

	e.mu.Lock()
	anchor, err := e.doc.View().AnchorAt(pos)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	b := crdtpatch.NewPatchBuilder(e.doc.Clock())
	ids := b.InsertText(text, anchor)
	patch := b.Flush()
	if err := e.applyLocal(patch); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.record(edit{inserted: ids})
	e.mu.Unlock()

	return ids, e.emit(ctx, patch)
}

// DeleteAt deletes the character at visible position pos and returns the
// id of the tombstoned node.
func (e *Editor) DeleteAt(ctx context.Context, pos int) (common.NodeID, error) {
	ids, err := e.DeleteRange(ctx, pos, 1)
	if len(ids) == 0 {
		return common.NodeID{}, err
	}
	return ids[0], err
}

// DeleteRange deletes n visible characters starting at pos as one patch.
func (e *Editor) DeleteRange(ctx context.Context, pos, n int) ([]common.NodeID, error) {
	if n <= 0 {
		return nil, common.ErrInvalidOperation{Message: "delete length must be positive"}
	}

	e.mu.Lock()
	view := e.doc.View()
	if pos < 0 || pos+n > view.Len() {
		e.mu.Unlock()
		return nil, common.ErrInvalidPosition{Position: pos + n - 1, Length: view.Len()}
	}

	b := crdtpatch.NewPatchBuilder(e.doc.Clock())
	ids := make([]common.NodeID, 0, n)
	removed := make([]removedChar, 0, n)
	for i := pos; i < pos+n; i++ {
		id := view.IDs[i]
		value, _ := view.ValueAt(i)
		b.Delete(id)
		ids = append(ids, id)
		removed = append(removed, removedChar{id: id, value: value})
	}
	patch := b.Flush()
	if err := e.applyLocal(patch); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.record(edit{removed: removed})
	e.mu.Unlock()

	return ids, e.emit(ctx, patch)
}

// Undo reverts the most recent local edit with a new compensating patch:
// inserted characters are deleted, deleted characters are inserted again
// as new nodes at the place they occupied. The returned patch is nil when
// the edit was already fully reverted by other participants.
func (e *Editor) Undo(ctx context.Context) (*crdtpatch.Patch, error) {
	e.mu.Lock()
	if len(e.history) == 0 {
		e.mu.Unlock()
		return nil, ErrNothingToUndo
	}
	last := e.history[len(e.history)-1]
	e.history = e.history[:len(e.history)-1]

	b := crdtpatch.NewPatchBuilder(e.doc.Clock())
	for _, id := range last.inserted {
		if n, ok := e.doc.Get(id); ok && !n.Tombstone {
			b.Delete(id)
		}
	}
	if len(last.removed) > 0 {
		view := e.doc.View()
		caret, ok := view.CaretAfter(last.removed[0].id)
		if !ok {
			e.mu.Unlock()
			return nil, common.ErrUnknownNodeReference{ID: last.removed[0].id}
		}
		// The first removed node is a tombstone, so the caret sits before it.
		anchor, err := view.AnchorAt(caret)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		for _, r := range last.removed {
			anchor = b.Insert(r.value, anchor)
		}
	}

	patch := b.Flush()
	if patch == nil {
		e.mu.Unlock()
		return nil, nil
	}
	if err := e.applyLocal(patch); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.mu.Unlock()

	return patch, e.emit(ctx, patch)
}

// CanUndo reports whether Undo has an edit to revert.
func (e *Editor) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.history) > 0
}

func (e *Editor) applyLocal(patch *crdtpatch.Patch) error {
	if err := patch.Apply(e.doc); err != nil {
		return errors.Wrap(err, "failed to apply local edit")
	}
	return nil
}

func (e *Editor) record(ed edit) {
	e.history = append(e.history, ed)
	if e.limit > 0 && len(e.history) > e.limit {
		e.history = e.history[len(e.history)-e.limit:]
	}
}

func (e *Editor) emit(ctx context.Context, patch *crdtpatch.Patch) error {
	if e.emitter == nil {
		return nil
	}
	if err := e.emitter.Emit(ctx, patch); err != nil {
		return common.ErrTransportFailure{Cause: err}
	}
	return nil
}
