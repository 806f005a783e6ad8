package crdtsync

import (
	"encoding/json"
	"fmt"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtpatch"
)

// MessageType names the kind of a document message.
type MessageType string

const (
	// MessagePatch carries one locally originated patch.
	MessagePatch MessageType = "patch"
	// MessageSyncRequest carries the sender's state vector.
	MessageSyncRequest MessageType = "sync_request"
	// MessageSyncResponse carries the patches the target is missing.
	MessageSyncResponse MessageType = "sync_response"
	// MessagePresence carries one presence event.
	MessagePresence MessageType = "presence"
)

// Message is the envelope exchanged between replicas of one document.
type Message struct {
	Type        MessageType        `json:"type"`
	Sender      common.SessionID   `json:"sender"`
	Target      *common.SessionID  `json:"target,omitempty"`
	Patch       *crdtpatch.Patch   `json:"patch,omitempty"`
	StateVector map[string]uint64  `json:"stateVector,omitempty"`
	Patches     []*crdtpatch.Patch `json:"patches,omitempty"`
	Presence    json.RawMessage    `json:"presence,omitempty"`
}

// NewPatchMessage wraps a patch.
func NewPatchMessage(sender common.SessionID, p *crdtpatch.Patch) *Message {
	return &Message{Type: MessagePatch, Sender: sender, Patch: p}
}

// NewSyncRequest asks peers for everything newer than vector.
func NewSyncRequest(sender common.SessionID, vector map[string]uint64) *Message {
	if vector == nil {
		vector = map[string]uint64{}
	}
	return &Message{Type: MessageSyncRequest, Sender: sender, StateVector: vector}
}

// NewSyncResponse answers a sync request from target.
func NewSyncResponse(sender, target common.SessionID, patches []*crdtpatch.Patch) *Message {
	t := target
	return &Message{Type: MessageSyncResponse, Sender: sender, Target: &t, Patches: patches}
}

// NewPresenceMessage wraps an encoded presence event.
func NewPresenceMessage(sender common.SessionID, event json.RawMessage) *Message {
	return &Message{Type: MessagePresence, Sender: sender, Presence: event}
}

// IsFor reports whether the message is addressed to site. Messages
// without a target are for everyone.
func (m *Message) IsFor(site common.SessionID) bool {
	return m.Target == nil || *m.Target == site
}

// Validate checks the envelope shape and the carried patches.
func (m *Message) Validate() error {
	if m.Sender.IsNil() {
		return common.ErrInvalidOperation{Message: "message without sender"}
	}

	switch m.Type {
	case MessagePatch:
		if m.Patch == nil {
			return common.ErrInvalidOperation{Message: "patch message without patch"}
		}
		return m.Patch.Validate()
	case MessageSyncRequest:
		return nil
	case MessageSyncResponse:
		for _, p := range m.Patches {
			if err := p.Validate(); err != nil {
				return err
			}
		}
		return nil
	case MessagePresence:
		if len(m.Presence) == 0 {
			return common.ErrInvalidOperation{Message: "presence message without event"}
		}
		return nil
	default:
		return common.ErrInvalidOperation{Message: "unknown message type: " + string(m.Type)}
	}
}

// EncodeMessage encodes msg as JSON.
func EncodeMessage(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage decodes and validates a JSON message.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
