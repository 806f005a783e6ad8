package common

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SessionID identifies a participant connection (a site).
// It is implemented as a UUID v7 which provides time-ordered values.
type SessionID uuid.UUID

// NilSessionID is the zero value for SessionID. It is reserved for the root sentinel.
var NilSessionID SessionID

// RootID is the fixed NodeID of the sentinel start node.
var RootID = NodeID{Site: NilSessionID, Clock: 0}

// NewSessionID creates a new SessionID using UUID v7.
// It panics if the UUID cannot be created.
func NewSessionID() SessionID {
	const retry = 3

	var lastErr error
	for i := 0; i < retry; i++ {
		id, err := uuid.NewV7()
		if err == nil {
			return SessionID(id)
		}
		lastErr = err
	}

	panic(lastErr)
}

// ParseSessionID parses the canonical string form of a SessionID.
func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilSessionID, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return SessionID(u), nil
}

// String returns the string representation of the SessionID.
func (s SessionID) String() string {
	return uuid.UUID(s).String()
}

// IsNil reports whether s is the nil session.
func (s SessionID) IsNil() bool {
	return s == NilSessionID
}

// Compare compares two SessionIDs byte-wise.
// Returns:
//
//	-1 if s < other
//	 0 if s == other
//	 1 if s > other
func (s SessionID) Compare(other SessionID) int {
	return bytes.Compare(s[:], other[:])
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s SessionID) MarshalText() ([]byte, error) {
	return []byte(uuid.UUID(s).String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *SessionID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return fmt.Errorf("invalid UUID format: %w", err)
	}
	*s = SessionID(u)
	return nil
}

// NodeID names a character node: the creating site and that site's
// logical clock at creation time. It is globally unique and immutable.
type NodeID struct {
	Site  SessionID `json:"site" bson:"site"`
	Clock uint64    `json:"clock" bson:"clock"`
}

// IsRoot reports whether id names the sentinel start node.
func (id NodeID) IsRoot() bool {
	return id == RootID
}

// Compare orders ids by clock first and site second.
// Returns:
//
//	-1 if id < other
//	 0 if id == other
//	 1 if id > other
func (id NodeID) Compare(other NodeID) int {
	if id.Clock < other.Clock {
		return -1
	}
	if id.Clock > other.Clock {
		return 1
	}
	return id.Site.Compare(other.Site)
}

// String returns a compact representation, e.g. "0190c2...@12".
func (id NodeID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s@%d", id.Site.String(), id.Clock)
}

// UnmarshalJSON accepts the object form {"site": "...", "clock": n}.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	var raw struct {
		Site  *SessionID `json:"site"`
		Clock *uint64    `json:"clock"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Site == nil {
		return ErrInvalidOperation{Message: "missing site field"}
	}
	if raw.Clock == nil {
		return ErrInvalidOperation{Message: "missing clock field"}
	}
	*id = NodeID{Site: *raw.Site, Clock: *raw.Clock}
	return nil
}

// OperationType is the kind of a CRDT operation.
type OperationType string

const (
	// OperationTypeInsert creates a character node.
	OperationTypeInsert OperationType = "Insert"
	// OperationTypeDelete tombstones a character node.
	OperationTypeDelete OperationType = "Delete"
)

// Status is the connection status of a collaborator.
type Status string

const (
	StatusJoining      Status = "joining"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusDisconnected Status = "disconnected"
	StatusLeft         Status = "left"
)
