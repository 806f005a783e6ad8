// Package crdtsync reconciles operations received from other replicas and
// keeps replicas in step through broadcast and anti-entropy exchanges.
package crdtsync

import (
	"context"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtpatch"
)

// Broadcaster carries document messages between replicas.
type Broadcaster interface {
	// Broadcast sends msg to the other replicas.
	Broadcast(ctx context.Context, msg *Message) error

	// Next blocks until the next message from another replica arrives.
	Next(ctx context.Context) (*Message, error)

	// Close releases the broadcaster.
	Close() error
}

// PatchStore is the operation log used to answer sync requests.
type PatchStore interface {
	// StorePatch records a patch.
	StorePatch(patch *crdtpatch.Patch) error

	// GetPatches returns the patches the given state vector has not seen.
	GetPatches(stateVector map[string]uint64) ([]*crdtpatch.Patch, error)

	// GetPatch returns the patch with the given id.
	GetPatch(id common.NodeID) (*crdtpatch.Patch, error)

	// Close releases the store.
	Close() error
}

// PeerDiscovery tracks which replicas are online for a document.
type PeerDiscovery interface {
	// DiscoverPeers returns the ids of live peers.
	DiscoverPeers(ctx context.Context) ([]string, error)

	// RegisterPeer announces a peer.
	RegisterPeer(ctx context.Context, peerID string) error

	// UnregisterPeer withdraws a peer.
	UnregisterPeer(ctx context.Context, peerID string) error

	// Close stops heartbeats and releases resources.
	Close() error
}
