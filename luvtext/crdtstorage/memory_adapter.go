package crdtstorage

import (
	"context"
	"sort"
	"sync"
)

// MemoryAdapter keeps serialized records in memory.
type MemoryAdapter struct {
	documents  map[string][]byte
	mutex      sync.RWMutex
	serializer DocumentSerializer
}

// NewMemoryAdapter creates an empty memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		documents:  make(map[string][]byte),
		serializer: NewJSONSerializer(),
	}
}

// SaveDocument stores rec.
func (a *MemoryAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.documents[rec.ID] = data
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *MemoryAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	a.mutex.RLock()
	data, ok := a.documents[documentID]
	a.mutex.RUnlock()
	if !ok {
		return nil, notFound(documentID)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments returns the stored ids in sorted order.
func (a *MemoryAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	ids := make([]string, 0, len(a.documents))
	for id := range a.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteDocument removes a record.
func (a *MemoryAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.documents, documentID)
	return nil
}

// Close drops every record.
func (a *MemoryAdapter) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.documents = make(map[string][]byte)
	return nil
}
