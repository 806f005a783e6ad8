package crdtstorage

import (
	"context"
)

// PersistenceAdapter stores document records.
// LoadDocument returns common.ErrNotFound for unknown ids.
type PersistenceAdapter interface {
	// SaveDocument stores rec, replacing any previous record with the same id.
	SaveDocument(ctx context.Context, rec *Record) error

	// LoadDocument returns the record stored under documentID.
	LoadDocument(ctx context.Context, documentID string) (*Record, error)

	// ListDocuments returns the ids of all stored records.
	ListDocuments(ctx context.Context) ([]string, error)

	// DeleteDocument removes a record. Deleting an unknown id is not an error.
	DeleteDocument(ctx context.Context, documentID string) error

	// Close releases resources owned by the adapter.
	Close() error
}
