package crdtstorage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoDocument is the stored shape. The snapshot goes in data as the
// serialized record; text and version are kept alongside for queries.
type mongoDocument struct {
	ID           string            `bson:"_id"`
	Data         []byte            `bson:"data"`
	Text         string            `bson:"text"`
	Version      uint64            `bson:"version"`
	LastModified time.Time         `bson:"lastModified"`
	Metadata     map[string]string `bson:"metadata,omitempty"`
}

// MongoDBAdapter stores one MongoDB document per record.
type MongoDBAdapter struct {
	collection *mongo.Collection
	serializer DocumentSerializer
}

// NewMongoDBAdapter creates an adapter over collection. The client stays
// owned by the caller.
func NewMongoDBAdapter(collection *mongo.Collection) *MongoDBAdapter {
	return &MongoDBAdapter{
		collection: collection,
		serializer: NewJSONSerializer(),
	}
}

// SaveDocument upserts rec.
func (a *MongoDBAdapter) SaveDocument(ctx context.Context, rec *Record) error {
	data, err := a.serializer.Serialize(rec)
	if err != nil {
		return err
	}

	doc := mongoDocument{
		ID:           rec.ID,
		Data:         data,
		Text:         rec.Text,
		Version:      rec.Version,
		LastModified: rec.LastModified,
		Metadata:     rec.Metadata,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := a.collection.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, opts); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument returns the record stored under documentID.
func (a *MongoDBAdapter) LoadDocument(ctx context.Context, documentID string) (*Record, error) {
	var doc mongoDocument
	err := a.collection.FindOne(ctx, bson.M{"_id": documentID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound(documentID)
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return a.serializer.Deserialize(doc.Data)
}

// ListDocuments returns every stored id.
func (a *MongoDBAdapter) ListDocuments(ctx context.Context) ([]string, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1})
	cursor, err := a.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find documents: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var result struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		ids = append(ids, result.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return ids, nil
}

// DeleteDocument removes the record.
func (a *MongoDBAdapter) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := a.collection.DeleteOne(ctx, bson.M{"_id": documentID}); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Close leaves the client open.
func (a *MongoDBAdapter) Close() error {
	return nil
}
