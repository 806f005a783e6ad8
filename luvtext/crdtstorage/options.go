package crdtstorage

import (
	"time"

	"github.com/go-redis/redis/v8"
	format "github.com/ipfs/go-ipld-format"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"collabtext/luvtext/crdtpubsub"
)

// StorageOptions configures a Storage.
type StorageOptions struct {
	// AutoSaveInterval is the period between saves of tracked documents.
	// Zero disables auto-save.
	AutoSaveInterval time.Duration

	// Metadata is copied into every saved record.
	Metadata map[string]string

	Logger *zap.Logger
}

// DefaultStorageOptions returns the default storage options.
func DefaultStorageOptions() *StorageOptions {
	return &StorageOptions{
		AutoSaveInterval: 30 * time.Second,
	}
}

// PersistenceOptions selects and configures a PersistenceAdapter.
type PersistenceOptions struct {
	// Type is one of memory, file, redis, mongodb, badger, bolt, sqlite,
	// postgres, datastore or crdt.
	Type string

	// Path is the directory or file for file, badger, bolt and sqlite.
	Path string

	// DSN is the postgres connection string.
	DSN string

	// KeyPrefix namespaces Redis keys and datastore keys.
	KeyPrefix string

	// TableName is the SQL table name.
	TableName string

	// RedisClient backs the redis adapter and, when set, the datastore adapter.
	RedisClient *redis.Client

	// MongoCollection backs the mongodb adapter.
	MongoCollection *mongo.Collection

	// Heads carries head announcements for the crdt adapter.
	Heads crdtpubsub.PubSub

	// DAG resolves Merkle-DAG nodes for the crdt adapter. Nil stays offline.
	DAG format.DAGService

	Logger *zap.Logger
}

// DefaultPersistenceOptions returns in-memory persistence.
func DefaultPersistenceOptions() *PersistenceOptions {
	return &PersistenceOptions{
		Type:      "memory",
		KeyPrefix: "luvtext",
		TableName: "documents",
	}
}
