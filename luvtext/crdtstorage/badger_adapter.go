package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var badgerDocPrefix = []byte("doc/")

// BadgerAdapter stores records in an embedded BadgerDB.
type BadgerAdapter struct {
	db         *badger.DB
	serializer DocumentSerializer
	stopGC     chan struct{}
	gcDone     chan struct{}
}

// NewBadgerAdapter opens a BadgerDB at dbPath. An empty path opens an
// in-memory database.
func NewBadgerAdapter(dbPath string) (*BadgerAdapter, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	a := &BadgerAdapter{
		db:         db,
		serializer: NewJSONSerializer(),
		stopGC:     make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	go a.runGC(5 * time.Minute)
	return a, nil
}

func badgerKey(documentID string) []byte {
	return append(append([]byte{}, badgerDocPrefix...), documentID...)
}

// SaveDocument stores rec.
func (a *BadgerAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *BadgerAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	var data []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(documentID))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, notFound(documentID)
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments iterates the document key prefix.
func (a *BadgerAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	var ids []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerDocPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(badgerDocPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}

// DeleteDocument removes the record.
func (a *BadgerAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(documentID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close stops value log GC and closes the database.
func (a *BadgerAdapter) Close() error {
	select {
	case <-a.stopGC:
		return nil
	default:
	}
	close(a.stopGC)
	<-a.gcDone
	return a.db.Close()
}

func (a *BadgerAdapter) runGC(interval time.Duration) {
	defer close(a.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopGC:
			return
		case <-ticker.C:
			// RunValueLogGC returns an error once nothing is left to reclaim.
			for a.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}
