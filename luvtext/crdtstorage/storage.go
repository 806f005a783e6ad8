package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdt"
)

// Storage saves and restores documents through a PersistenceAdapter and
// periodically saves the documents it tracks.
type Storage struct {
	adapter PersistenceAdapter
	options *StorageOptions
	logger  *zap.Logger

	mutex   sync.Mutex
	tracked map[string]*trackedDocument

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type trackedDocument struct {
	doc   *crdt.Document
	saved uint64
}

// NewStorage creates a Storage over adapter. When auto-save is enabled a
// background loop runs until Close.
func NewStorage(adapter PersistenceAdapter, options *StorageOptions) *Storage {
	if options == nil {
		options = DefaultStorageOptions()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		adapter: adapter,
		options: options,
		logger:  core.LoggerOr(options.Logger).Named("storage"),
		tracked: make(map[string]*trackedDocument),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if options.AutoSaveInterval > 0 {
		go s.autoSave(options.AutoSaveInterval)
	} else {
		close(s.done)
	}
	return s
}

// Adapter returns the underlying adapter.
func (s *Storage) Adapter() PersistenceAdapter {
	return s.adapter
}

// Save stores a snapshot of doc under id.
func (s *Storage) Save(ctx context.Context, id string, doc *crdt.Document) error {
	rec := NewRecord(id, doc)
	if len(s.options.Metadata) > 0 {
		rec.Metadata = make(map[string]string, len(s.options.Metadata))
		for k, v := range s.options.Metadata {
			rec.Metadata[k] = v
		}
	}

	if err := s.adapter.SaveDocument(ctx, rec); err != nil {
		return fmt.Errorf("failed to save document %s: %w", id, err)
	}

	s.mutex.Lock()
	if t, ok := s.tracked[id]; ok && t.doc == doc {
		t.saved = rec.Version
	}
	s.mutex.Unlock()
	return nil
}

// Load restores the document stored under id as a replica owned by site.
func (s *Storage) Load(ctx context.Context, id string, site common.SessionID) (*crdt.Document, error) {
	rec, err := s.adapter.LoadDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Document(site)
}

// LoadOrCreate restores id or returns a new empty replica when id was never
// saved. The boolean reports whether the document was created.
func (s *Storage) LoadOrCreate(ctx context.Context, id string, site common.SessionID) (*crdt.Document, bool, error) {
	doc, err := s.Load(ctx, id, site)
	if err == nil {
		return doc, false, nil
	}
	var nf common.ErrNotFound
	if errors.As(err, &nf) {
		return crdt.NewDocument(site), true, nil
	}
	return nil, false, err
}

// List returns the stored document ids.
func (s *Storage) List(ctx context.Context) ([]string, error) {
	return s.adapter.ListDocuments(ctx)
}

// Delete removes a stored document and stops tracking it.
func (s *Storage) Delete(ctx context.Context, id string) error {
	s.Untrack(id)
	return s.adapter.DeleteDocument(ctx, id)
}

// Track registers doc for auto-save under id.
func (s *Storage) Track(id string, doc *crdt.Document) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tracked[id] = &trackedDocument{doc: doc}
}

// Untrack stops auto-saving id.
func (s *Storage) Untrack(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tracked, id)
}

// Flush saves every tracked document changed since its last save.
func (s *Storage) Flush(ctx context.Context) error {
	s.mutex.Lock()
	dirty := make(map[string]*crdt.Document)
	for id, t := range s.tracked {
		if t.doc.Store().Version() != t.saved {
			dirty[id] = t.doc
		}
	}
	s.mutex.Unlock()

	var errs []error
	for id, doc := range dirty {
		if err := s.Save(ctx, id, doc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Storage) autoSave(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("auto-save failed", zap.Error(err))
			}
		}
	}
}

// Close stops auto-save, saves the tracked documents one last time and
// closes the adapter.
func (s *Storage) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		flushErr := s.Flush(ctx)
		err = errors.Join(flushErr, s.adapter.Close())
	})
	return err
}
