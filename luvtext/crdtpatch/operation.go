// Package crdtpatch defines the replicated operations of a text document
// and the patches that batch them on the wire.
package crdtpatch

import (
	"encoding/json"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
)

// Operation is the closed variant of replicated operations: Insert carries
// ID, Value and LeftID; Delete carries only the ID of the target node.
type Operation struct {
	Type   common.OperationType
	ID     common.NodeID
	Value  string
	LeftID common.NodeID
}

// NewInsert creates an Insert operation.
func NewInsert(id common.NodeID, value string, left common.NodeID) Operation {
	return Operation{Type: common.OperationTypeInsert, ID: id, Value: value, LeftID: left}
}

// NewDelete creates a Delete operation.
func NewDelete(id common.NodeID) Operation {
	return Operation{Type: common.OperationTypeDelete, ID: id}
}

// InsertOf converts a stored node to the Insert that created it.
func InsertOf(n crdt.CharNode) Operation {
	return NewInsert(n.ID, n.Value, n.Left)
}

// Node returns the character node an Insert creates.
func (o Operation) Node() crdt.CharNode {
	return crdt.CharNode{ID: o.ID, Value: o.Value, Left: o.LeftID}
}

// Validate checks the operation shape.
func (o Operation) Validate() error {
	if o.ID.IsRoot() || o.ID.Site.IsNil() {
		return common.ErrInvalidOperation{Message: "operation must target a non-root node"}
	}

	switch o.Type {
	case common.OperationTypeInsert:
		return crdt.ValidateValue(o.Value)
	case common.OperationTypeDelete:
		if o.Value != "" {
			return common.ErrInvalidOperation{Message: "delete must not carry a value"}
		}
		return nil
	default:
		return common.ErrInvalidOperation{Message: "unknown operation type: " + string(o.Type)}
	}
}

// Apply applies the operation to doc. It reports whether the document
// changed; duplicates report false without error.
func (o Operation) Apply(doc *crdt.Document) (bool, error) {
	if err := o.Validate(); err != nil {
		return false, err
	}

	switch o.Type {
	case common.OperationTypeInsert:
		return doc.Integrate(o.Node())
	case common.OperationTypeDelete:
		return doc.Delete(o.ID)
	}
	return false, common.ErrInvalidOperation{Message: "unknown operation type: " + string(o.Type)}
}

type wireOperation struct {
	OpType common.OperationType `json:"opType"`
	NodeID common.NodeID        `json:"nodeId"`
	Value  *string              `json:"value,omitempty"`
	LeftID *common.NodeID       `json:"leftId,omitempty"`
}

// MarshalJSON encodes the operation as
// {opType, nodeId: {site, clock}, value?, leftId?}.
func (o Operation) MarshalJSON() ([]byte, error) {
	w := wireOperation{OpType: o.Type, NodeID: o.ID}
	if o.Type == common.OperationTypeInsert {
		v := o.Value
		left := o.LeftID
		w.Value = &v
		w.LeftID = &left
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes and validates the wire form.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var w wireOperation
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	op := Operation{Type: w.OpType, ID: w.NodeID}
	if w.OpType == common.OperationTypeInsert {
		if w.Value == nil {
			return common.ErrInvalidOperation{Message: "insert without value"}
		}
		if w.LeftID == nil {
			return common.ErrInvalidOperation{Message: "insert without leftId"}
		}
		op.Value = *w.Value
		op.LeftID = *w.LeftID
	} else if w.Value != nil {
		op.Value = *w.Value
	}

	if err := op.Validate(); err != nil {
		return err
	}
	*o = op
	return nil
}
