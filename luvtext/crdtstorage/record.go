package crdtstorage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"collabtext/luvtext/common"
	"collabtext/luvtext/crdt"
)

// Record is a stored document snapshot.
type Record struct {
	ID           string            `json:"id"`
	Snapshot     crdt.Snapshot     `json:"snapshot"`
	Text         string            `json:"text"`
	Version      uint64            `json:"version"`
	LastModified time.Time         `json:"lastModified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewRecord captures doc under id. Version is read before the snapshot so
// it never claims changes the snapshot lacks.
func NewRecord(id string, doc *crdt.Document) *Record {
	version := doc.Store().Version()
	snapshot := doc.Snapshot()
	return &Record{
		ID:           id,
		Snapshot:     snapshot,
		Text:         textOf(snapshot),
		Version:      version,
		LastModified: time.Now().UTC(),
	}
}

func textOf(s crdt.Snapshot) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		if n.Visible() {
			b.WriteString(n.Value)
		}
	}
	return b.String()
}

// Document rebuilds a replica owned by site from the record. Passing the
// site that took the snapshot resumes its clock.
func (r *Record) Document(site common.SessionID) (*crdt.Document, error) {
	doc, err := crdt.NewDocumentFromSnapshot(site, r.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to restore document %s: %w", r.ID, err)
	}
	return doc, nil
}

// DocumentSerializer converts records to and from bytes.
type DocumentSerializer interface {
	Serialize(rec *Record) ([]byte, error)
	Deserialize(data []byte) (*Record, error)
}

// JSONSerializer is the default serializer.
type JSONSerializer struct{}

// NewJSONSerializer creates a JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Serialize encodes rec as JSON.
func (JSONSerializer) Serialize(rec *Record) ([]byte, error) {
	if rec == nil || rec.ID == "" {
		return nil, common.ErrInvalidOperation{Message: "record without id"}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	return data, nil
}

// Deserialize decodes a JSON record.
func (JSONSerializer) Deserialize(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return &rec, nil
}

func notFound(id string) error {
	return common.ErrNotFound{Kind: "document", Key: id}
}
