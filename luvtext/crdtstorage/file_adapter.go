package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileExt = ".json"

// FileAdapter stores one JSON file per document under a base directory.
type FileAdapter struct {
	basePath   string
	mutex      sync.RWMutex
	serializer DocumentSerializer
}

// NewFileAdapter creates the base directory when missing.
func NewFileAdapter(basePath string) (*FileAdapter, error) {
	if basePath == "" {
		basePath = "documents"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &FileAdapter{
		basePath:   basePath,
		serializer: NewJSONSerializer(),
	}, nil
}

func (a *FileAdapter) filePath(documentID string) (string, error) {
	if documentID == "" || strings.ContainsAny(documentID, `/\`) || documentID == "." || documentID == ".." {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	return filepath.Join(a.basePath, documentID+fileExt), nil
}

// SaveDocument writes rec through a temporary file and a rename.
func (a *FileAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}
	path, err := a.filePath(rec.ID)
	if err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// LoadDocument reads the record stored under documentID.
func (a *FileAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	path, err := a.filePath(documentID)
	if err != nil {
		return nil, err
	}

	a.mutex.RLock()
	data, err := os.ReadFile(path)
	a.mutex.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(documentID)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return a.serializer.Deserialize(data)
}

// ListDocuments returns the ids of the JSON files in the base directory.
func (a *FileAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	entries, err := os.ReadDir(a.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != fileExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteDocument removes the file of documentID.
func (a *FileAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	path, err := a.filePath(documentID)
	if err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (a *FileAdapter) Close() error {
	return nil
}
