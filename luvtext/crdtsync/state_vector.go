package crdtsync

import (
	"sync"

	"collabtext/luvtext/common"
)

// StateVector tracks, per site, the highest patch clock a replica has seen.
// Keys are site identifiers in string form so the vector travels as JSON.
type StateVector struct {
	vector map[string]uint64
	mutex  sync.RWMutex
}

// NewStateVector creates an empty state vector.
func NewStateVector() *StateVector {
	return &StateVector{
		vector: make(map[string]uint64),
	}
}

// Update raises the entry of id.Site to id.Clock.
func (sv *StateVector) Update(id common.NodeID) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()

	key := id.Site.String()
	if current, ok := sv.vector[key]; !ok || id.Clock > current {
		sv.vector[key] = id.Clock
	}
}

// Merge raises every entry to the maximum of both vectors.
func (sv *StateVector) Merge(other map[string]uint64) {
	sv.mutex.Lock()
	defer sv.mutex.Unlock()

	for key, counter := range other {
		if current, ok := sv.vector[key]; !ok || counter > current {
			sv.vector[key] = counter
		}
	}
}

// Get returns a copy of the vector.
func (sv *StateVector) Get() map[string]uint64 {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	result := make(map[string]uint64, len(sv.vector))
	for key, counter := range sv.vector {
		result[key] = counter
	}
	return result
}

// GetCounter returns the entry for site.
func (sv *StateVector) GetCounter(site common.SessionID) uint64 {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()
	return sv.vector[site.String()]
}

// HasUpdates reports whether this vector has an entry ahead of other.
func (sv *StateVector) HasUpdates(other map[string]uint64) bool {
	sv.mutex.RLock()
	defer sv.mutex.RUnlock()

	for key, counter := range sv.vector {
		if otherCounter, ok := other[key]; !ok || counter > otherCounter {
			return true
		}
	}
	return false
}
