package crdtsync

import (
	"sync"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdtpatch"
)

// MemoryPatchStore is an in-memory operation log keyed by patch id.
type MemoryPatchStore struct {
	patches map[common.NodeID]*crdtpatch.Patch
	order   []common.NodeID
	mutex   sync.RWMutex
}

// NewMemoryPatchStore creates an empty operation log.
func NewMemoryPatchStore() *MemoryPatchStore {
	return &MemoryPatchStore{
		patches: make(map[common.NodeID]*crdtpatch.Patch),
	}
}

// StorePatch records patch. Storing the same id twice keeps the first copy.
func (s *MemoryPatchStore) StorePatch(patch *crdtpatch.Patch) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.patches[patch.ID()]; ok {
		return nil
	}
	s.patches[patch.ID()] = patch.Clone()
	s.order = append(s.order, patch.ID())
	return nil
}

// GetPatches returns, in arrival order, every patch whose clock is above
// the requester's entry for its site.
func (s *MemoryPatchStore) GetPatches(stateVector map[string]uint64) ([]*crdtpatch.Patch, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*crdtpatch.Patch, 0)
	for _, id := range s.order {
		if counter, ok := stateVector[id.Site.String()]; ok && id.Clock <= counter {
			continue
		}
		result = append(result, s.patches[id].Clone())
	}
	return result, nil
}

// GetPatch returns the patch with the given id.
func (s *MemoryPatchStore) GetPatch(id common.NodeID) (*crdtpatch.Patch, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	p, ok := s.patches[id]
	if !ok {
		return nil, common.ErrNotFound{Kind: "patch", Key: id.String()}
	}
	return p.Clone(), nil
}

// Len returns the number of stored patches.
func (s *MemoryPatchStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.order)
}

// Close releases the store.
func (s *MemoryPatchStore) Close() error {
	return nil
}
