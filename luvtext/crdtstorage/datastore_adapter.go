package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// DatastoreAdapter stores records in any IPFS datastore under
// /<namespace>/docs/<id>.
type DatastoreAdapter struct {
	store      ds.Datastore
	prefix     ds.Key
	serializer DocumentSerializer
}

// NewDatastoreAdapter wraps store. The datastore is closed with the adapter.
func NewDatastoreAdapter(store ds.Datastore, namespace string) *DatastoreAdapter {
	if namespace == "" {
		namespace = "luvtext"
	}
	return &DatastoreAdapter{
		store:      store,
		prefix:     ds.NewKey(namespace).ChildString("docs"),
		serializer: NewJSONSerializer(),
	}
}

func (a *DatastoreAdapter) key(documentID string) (ds.Key, error) {
	if documentID == "" || strings.Contains(documentID, "/") {
		return ds.Key{}, fmt.Errorf("invalid document id %q", documentID)
	}
	return a.prefix.ChildString(documentID), nil
}

// SaveDocument stores rec.
func (a *DatastoreAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}
	key, err := a.key(rec.ID)
	if err != nil {
		return err
	}
	if err := a.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *DatastoreAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	key, err := a.key(documentID)
	if err != nil {
		return nil, err
	}
	data, err := a.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, notFound(documentID)
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments queries the docs prefix.
func (a *DatastoreAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	results, err := a.store.Query(ctx, dsq.Query{
		Prefix:   a.prefix.String(),
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, ds.RawKey(e.Key).BaseNamespace())
	}
	return ids, nil
}

// DeleteDocument removes the record.
func (a *DatastoreAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	key, err := a.key(documentID)
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close closes the underlying datastore.
func (a *DatastoreAdapter) Close() error {
	return a.store.Close()
}
