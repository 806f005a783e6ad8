package session

import (
	"context"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
	"collabtext/luvtext/crdtpatch"
)

// InsertAt inserts char at visible position pos. A returned
// common.ErrTransportFailure means the edit is applied but could not be
// queued for broadcast.
func (s *Session) InsertAt(ctx context.Context, pos int, char string) (common.NodeID, error) {
	var (
		id  common.NodeID
		err error
	)
	if doErr := s.do(ctx, func() {
		id, err = s.editor.InsertAt(ctx, pos, char)
		if !id.IsRoot() {
			s.tracker.Touch(&id)
		}
	}); doErr != nil {
		return common.NodeID{}, doErr
	}
	return id, err
}

// InsertText inserts text at visible position pos as a single patch.
func (s *Session) InsertText(ctx context.Context, pos int, text string) ([]common.NodeID, error) {
	var (
		ids []common.NodeID
		err error
	)
	if doErr := s.do(ctx, func() {
		ids, err = s.editor.InsertText(ctx, pos, text)
		if len(ids) > 0 {
			last := ids[len(ids)-1]
			s.tracker.Touch(&last)
		}
	}); doErr != nil {
		return nil, doErr
	}
	return ids, err
}

// DeleteAt deletes the character at visible position pos.
func (s *Session) DeleteAt(ctx context.Context, pos int) (common.NodeID, error) {
	var (
		id  common.NodeID
		err error
	)
	if doErr := s.do(ctx, func() {
		id, err = s.editor.DeleteAt(ctx, pos)
		if !id.IsRoot() {
			s.touchAt(pos)
		}
	}); doErr != nil {
		return common.NodeID{}, doErr
	}
	return id, err
}

// DeleteRange deletes n characters starting at visible position pos.
func (s *Session) DeleteRange(ctx context.Context, pos, n int) ([]common.NodeID, error) {
	var (
		ids []common.NodeID
		err error
	)
	if doErr := s.do(ctx, func() {
		ids, err = s.editor.DeleteRange(ctx, pos, n)
		if len(ids) > 0 {
			s.touchAt(pos)
		}
	}); doErr != nil {
		return nil, doErr
	}
	return ids, err
}

// Undo reverts the last local edit with a compensating patch.
func (s *Session) Undo(ctx context.Context) (*crdtpatch.Patch, error) {
	var (
		p   *crdtpatch.Patch
		err error
	)
	if doErr := s.do(ctx, func() {
		p, err = s.editor.Undo(ctx)
		s.tracker.Touch(nil)
	}); doErr != nil {
		return nil, doErr
	}
	return p, err
}

// MoveCursor publishes the local caret at visible position pos.
func (s *Session) MoveCursor(ctx context.Context, pos int) error {
	var err error
	if doErr := s.do(ctx, func() {
		err = s.touchAt(pos)
	}); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) touchAt(pos int) error {
	anchor, err := s.doc.View().AnchorAt(pos)
	if err != nil {
		return err
	}
	s.tracker.Touch(&anchor)
	return nil
}

// Text returns the visible text.
func (s *Session) Text() string {
	return s.doc.Text()
}

// View returns the current projection.
func (s *Session) View() *crdt.View {
	return s.doc.View()
}

// Snapshot captures the replica on the session goroutine, so it reflects
// every operation applied before the call.
func (s *Session) Snapshot(ctx context.Context) (crdt.Snapshot, error) {
	var snap crdt.Snapshot
	if err := s.do(ctx, func() { snap = s.doc.Snapshot() }); err != nil {
		return crdt.Snapshot{}, err
	}
	return snap, nil
}

// Cursors maps visible offsets to the sites whose caret sits there. The
// local site and collaborators whose anchor has not arrived are left out.
func (s *Session) Cursors() map[int][]common.SessionID {
	view := s.doc.View()
	out := make(map[int][]common.SessionID)
	for _, c := range s.tracker.Roster() {
		if c.Site == s.site || c.Cursor == nil {
			continue
		}
		offset, ok := view.CaretAfter(*c.Cursor)
		if !ok {
			continue
		}
		out[offset] = append(out[offset], c.Site)
	}
	return out
}
