package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("documents")

var errBoltNoBucket = errors.New("no bucket in bolt")

// BoltAdapter stores records in a single bbolt bucket keyed by document id.
type BoltAdapter struct {
	db         *bolt.DB
	serializer DocumentSerializer
}

// NewBoltAdapter opens or creates the bbolt file at path.
func NewBoltAdapter(path string) (*BoltAdapter, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltAdapter{db: db, serializer: NewJSONSerializer()}, nil
}

// SaveDocument stores rec.
func (a *BoltAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}
	err = a.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errBoltNoBucket
		}
		return bucket.Put([]byte(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *BoltAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	var data []byte
	err := a.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errBoltNoBucket
		}
		if v := bucket.Get([]byte(documentID)); v != nil {
			data = append([]byte(nil), v...) // copy
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	if data == nil {
		return nil, notFound(documentID)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments returns the bucket keys in byte order.
func (a *BoltAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errBoltNoBucket
		}
		return bucket.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}

// DeleteDocument removes the record.
func (a *BoltAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	err := a.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return errBoltNoBucket
		}
		return bucket.Delete([]byte(documentID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close closes the database file.
func (a *BoltAdapter) Close() error {
	return a.db.Close()
}
