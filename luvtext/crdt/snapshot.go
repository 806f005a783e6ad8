package crdt

import (
	"encoding/json"

	"collabtext/luvtext/common"
)

// Snapshot is the full state of a replica: every node, tombstones
// included, plus the clock of the site that took it. It is sufficient to
// resume reconciliation from any point.
type Snapshot struct {
	Site  common.SessionID `json:"site" bson:"site"`
	Clock uint64           `json:"clock" bson:"clock"`
	Nodes []CharNode       `json:"nodes" bson:"nodes"`
}

// Snapshot captures the replica state.
func (d *Document) Snapshot() Snapshot {
	return Snapshot{
		Site:  d.Site(),
		Clock: d.clock.Current(),
		Nodes: d.store.Nodes(),
	}
}

// Restore merges a snapshot into the replica. Nodes already present are
// kept, tombstones are merged and the local clock is advanced past every
// clock in the snapshot.
func (d *Document) Restore(s Snapshot) error {
	pending := s.Nodes
	for len(pending) > 0 {
		var deferred []CharNode
		for _, n := range pending {
			if _, err := d.Integrate(n); err != nil {
				if _, ok := err.(common.ErrUnknownNodeReference); ok {
					deferred = append(deferred, n)
					continue
				}
				return err
			}
		}
		if len(deferred) == len(pending) {
			return common.ErrUnknownNodeReference{ID: deferred[0].Left}
		}
		pending = deferred
	}

	if s.Site == d.Site() {
		d.clock.Observe(s.Clock)
	}
	return nil
}

// MarshalJSON encodes the document as its snapshot.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

// NewDocumentFromSnapshot rebuilds a replica for site from s.
func NewDocumentFromSnapshot(site common.SessionID, s Snapshot) (*Document, error) {
	doc := NewDocument(site)
	if err := doc.Restore(s); err != nil {
		return nil, err
	}
	return doc, nil
}
