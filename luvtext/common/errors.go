package common

import (
	"fmt"
)

// ErrUnknownNodeReference is returned when an operation references a node
// id that has not arrived yet. Reconcilers recover from it by buffering.
type ErrUnknownNodeReference struct {
	ID NodeID
}

func (e ErrUnknownNodeReference) Error() string {
	return fmt.Sprintf("unknown node reference: %v", e.ID)
}

// ErrClockRegression is returned when an inbound insert reuses an existing
// node id with a different payload or anchor. Observed is the highest clock
// seen from the same site.
type ErrClockRegression struct {
	ID       NodeID
	Observed uint64
}

func (e ErrClockRegression) Error() string {
	return fmt.Sprintf("clock regression from site %s: id clock %d reused with a different value or anchor (max observed %d)",
		e.ID.Site, e.ID.Clock, e.Observed)
}

// ErrTransportFailure is returned when a local edit was applied but could
// not be broadcast. The edit is never rolled back.
type ErrTransportFailure struct {
	Cause error
}

func (e ErrTransportFailure) Error() string {
	if e.Cause == nil {
		return "transport failure"
	}
	return fmt.Sprintf("transport failure: %v", e.Cause)
}

// Unwrap returns the underlying transport error.
func (e ErrTransportFailure) Unwrap() error {
	return e.Cause
}

// Retryable reports that delivery may be attempted again.
func (e ErrTransportFailure) Retryable() bool {
	return true
}

// ErrInvalidOperation is returned when an operation is malformed.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrInvalidPosition is returned when a visible offset is out of range.
type ErrInvalidPosition struct {
	Position int
	Length   int
}

func (e ErrInvalidPosition) Error() string {
	return fmt.Sprintf("invalid position %d for text of length %d", e.Position, e.Length)
}

// ErrNotFound is returned when a stored resource does not exist.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}
