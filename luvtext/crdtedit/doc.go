// Package crdtedit translates position-based user edits into CRDT
// operations against a local replica.
//
// Edits are local-first: every edit is applied to the replica before it is
// handed to the Emitter, so the editing participant sees it immediately.
// A failure to emit is reported as common.ErrTransportFailure and never
// rolls the edit back.
//
// Key features:
// - InsertAt / DeleteAt on visible offsets
// - InsertText / DeleteRange batches sent as one patch
// - Undo expressed as a new compensating edit
package crdtedit
