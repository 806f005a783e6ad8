package session

import (
	"go.uber.org/zap"

	"collabtext/luvtext/crdtpatch"
	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/presence"
)

// handle applies one inbound message. It runs on the session goroutine.
func (s *Session) handle(msg *crdtsync.Message) {
	if msg.Sender == s.site || !msg.IsFor(s.site) {
		return
	}
	s.statsMu.Lock()
	s.received++
	s.statsMu.Unlock()

	switch msg.Type {
	case crdtsync.MessagePatch:
		s.applyRemote(msg.Patch)
	case crdtsync.MessageSyncRequest:
		s.answerSync(msg)
	case crdtsync.MessageSyncResponse:
		for _, p := range msg.Patches {
			s.applyRemote(p)
		}
	case crdtsync.MessagePresence:
		ev, err := presence.DecodeEvent(msg.Presence)
		if err != nil {
			s.logger.Warn("failed to decode presence", zap.Stringer("sender", msg.Sender), zap.Error(err))
			return
		}
		if ev.Site != msg.Sender {
			s.logger.Warn("presence for another site ignored",
				zap.Stringer("sender", msg.Sender), zap.Stringer("site", ev.Site))
			return
		}
		s.tracker.Apply(ev)
	}
}

func (s *Session) applyRemote(p *crdtpatch.Patch) {
	if p == nil {
		return
	}
	outcomes, err := s.reconciler.ApplyPatch(p)
	if err != nil {
		// Rejections are logged by the reconciler.
		p = withoutRejected(p, outcomes)
		if p.Len() == 0 {
			return
		}
	}
	s.record(p)
}

// withoutRejected returns p minus the operations the reconciler rejected.
func withoutRejected(p *crdtpatch.Patch, outcomes []crdtsync.Outcome) *crdtpatch.Patch {
	kept := crdtpatch.NewPatch(p.ID())
	kept.SetMetadata(p.Metadata())
	for i, op := range p.Operations() {
		if i < len(outcomes) && outcomes[i] == crdtsync.OutcomeRejected {
			continue
		}
		kept.AddOperation(op)
	}
	return kept
}

// answerSync sends the requester the logged patches it has not seen and,
// when the requester is ahead, asks for its patches in return. The local
// presence is republished so the newcomer learns the roster.
func (s *Session) answerSync(msg *crdtsync.Message) {
	s.tracker.Announce()

	patches, err := s.oplog.GetPatches(msg.StateVector)
	if err != nil {
		s.logger.Warn("failed to read operation log", zap.Error(err))
		return
	}
	if len(patches) > 0 {
		resp := crdtsync.NewSyncResponse(s.site, msg.Sender, patches)
		if err := s.out.enqueue(resp, nil); err != nil {
			s.logger.Warn("failed to queue sync response", zap.Error(err))
		}
	}

	theirs := crdtsync.NewStateVector()
	theirs.Merge(msg.StateVector)
	if theirs.HasUpdates(s.vector.Get()) {
		req := crdtsync.NewSyncRequest(s.site, s.vector.Get())
		if err := s.out.enqueue(req, nil); err != nil {
			s.logger.Warn("failed to queue sync request", zap.Error(err))
		}
	}
}
