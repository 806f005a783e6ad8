package crdtpatch

import (
	"encoding/json"

	"github.com/pkg/errors"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
)

// Patch is a batch of operations originated by one site in one edit.
// Its ID is the first clock tick the edit consumed.
type Patch struct {
	// id is the ID of the patch.
	id common.NodeID

	// metadata is optional custom metadata.
	metadata map[string]interface{}

	// operations is the list of operations in the patch.
	operations []Operation
}

// NewPatch creates an empty patch.
func NewPatch(id common.NodeID) *Patch {
	return &Patch{
		id:         id,
		metadata:   make(map[string]interface{}),
		operations: make([]Operation, 0),
	}
}

// ID returns the ID of the patch.
func (p *Patch) ID() common.NodeID {
	return p.id
}

// Site returns the originating site.
func (p *Patch) Site() common.SessionID {
	return p.id.Site
}

// Metadata returns the metadata of the patch.
func (p *Patch) Metadata() map[string]interface{} {
	return p.metadata
}

// SetMetadata sets the metadata of the patch.
func (p *Patch) SetMetadata(metadata map[string]interface{}) {
	p.metadata = metadata
}

// Operations returns the operations in the patch.
func (p *Patch) Operations() []Operation {
	return p.operations
}

// AddOperation adds an operation to the patch.
func (p *Patch) AddOperation(op Operation) {
	p.operations = append(p.operations, op)
}

// Len returns the number of operations.
func (p *Patch) Len() int {
	return len(p.operations)
}

// Clone returns a copy that shares no slices or maps with p.
func (p *Patch) Clone() *Patch {
	c := NewPatch(p.id)
	for k, v := range p.metadata {
		c.metadata[k] = v
	}
	c.operations = append(c.operations, p.operations...)
	return c
}

// Validate checks every operation.
func (p *Patch) Validate() error {
	if p.id.Site.IsNil() {
		return common.ErrInvalidOperation{Message: "patch without origin site"}
	}
	for i, op := range p.operations {
		if err := op.Validate(); err != nil {
			return errors.Wrapf(err, "operation %d", i)
		}
	}
	return nil
}

// Apply applies the operations in order, stopping at the first error.
// Use a reconciler for inbound patches that may arrive out of order.
func (p *Patch) Apply(doc *crdt.Document) error {
	for _, op := range p.operations {
		if _, err := op.Apply(doc); err != nil {
			return errors.Wrap(err, "failed to apply operation")
		}
	}
	return nil
}

type wirePatch struct {
	ID       common.NodeID          `json:"id"`
	Metadata map[string]interface{} `json:"meta,omitempty"`
	Ops      []Operation            `json:"ops"`
}

// MarshalJSON implements the json.Marshaler interface.
func (p *Patch) MarshalJSON() ([]byte, error) {
	ops := p.operations
	if ops == nil {
		ops = []Operation{}
	}
	return json.Marshal(wirePatch{ID: p.id, Metadata: p.metadata, Ops: ops})
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Patch) UnmarshalJSON(data []byte) error {
	var w wirePatch
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.id = w.ID
	p.metadata = w.Metadata
	if p.metadata == nil {
		p.metadata = make(map[string]interface{})
	}
	p.operations = w.Ops
	if p.operations == nil {
		p.operations = make([]Operation, 0)
	}
	return nil
}

// DecodePatch parses and validates a JSON patch.
func DecodePatch(data []byte) (*Patch, error) {
	p := &Patch{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "failed to decode patch")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
