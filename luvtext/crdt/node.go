// Package crdt implements the replicated character sequence: an append-only
// store of character nodes linked by their immutable left-neighbor relation,
// the deterministic ordering derived from it, and the visible projection.
package crdt

import (
	"unicode/utf8"

	"collabtext/luvtext/common"
)

// CharNode is the atomic unit of the replicated sequence.
type CharNode struct {
	// ID is (site, clock) at creation time.
	ID common.NodeID `json:"id" bson:"id"`

	// Value holds exactly one character.
	Value string `json:"value" bson:"value"`

	// Left is the node this one was inserted immediately after.
	// It never changes, even if that node is later tombstoned.
	Left common.NodeID `json:"left" bson:"left"`

	// Tombstone marks logical deletion. It only ever flips false to true.
	Tombstone bool `json:"tombstone,omitempty" bson:"tombstone,omitempty"`
}

// Visible reports whether the node contributes to the visible text.
func (n CharNode) Visible() bool {
	return !n.Tombstone
}

// ValidateValue checks that v is a single valid character.
func ValidateValue(v string) error {
	if !utf8.ValidString(v) {
		return common.ErrInvalidOperation{Message: "value is not valid UTF-8"}
	}
	if utf8.RuneCountInString(v) != 1 {
		return common.ErrInvalidOperation{Message: "value must be exactly one character"}
	}
	return nil
}
