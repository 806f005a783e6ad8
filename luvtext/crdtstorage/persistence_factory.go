package crdtstorage

import (
	"context"
	"database/sql"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// NewPersistence creates the adapter named by options.Type.
func NewPersistence(ctx context.Context, options *PersistenceOptions) (PersistenceAdapter, error) {
	if options == nil {
		options = DefaultPersistenceOptions()
	}

	switch options.Type {
	case "", "memory":
		return NewMemoryAdapter(), nil
	case "file":
		return NewFileAdapter(options.Path)
	case "redis":
		if options.RedisClient == nil {
			return nil, fmt.Errorf("redis persistence requires a Redis client")
		}
		return NewRedisAdapter(options.RedisClient, options.KeyPrefix), nil
	case "mongodb":
		if options.MongoCollection == nil {
			return nil, fmt.Errorf("mongodb persistence requires a collection")
		}
		return NewMongoDBAdapter(options.MongoCollection), nil
	case "badger":
		return NewBadgerAdapter(options.Path)
	case "bolt":
		if options.Path == "" {
			return nil, fmt.Errorf("bolt persistence requires a path")
		}
		return NewBoltAdapter(options.Path)
	case "sqlite":
		path := options.Path
		if path == "" {
			path = "file::memory:?cache=shared"
		}
		return openSQL(ctx, string(DialectSQLite), path, DialectSQLite, options.TableName)
	case "postgres":
		if options.DSN == "" {
			return nil, fmt.Errorf("postgres persistence requires a DSN")
		}
		return openSQL(ctx, "pgx", options.DSN, DialectPostgres, options.TableName)
	case "datastore":
		store, err := baseDatastore(options)
		if err != nil {
			return nil, err
		}
		return NewDatastoreAdapter(store, options.KeyPrefix), nil
	case "crdt":
		if options.Heads == nil {
			return nil, fmt.Errorf("crdt persistence requires a pubsub for heads")
		}
		base, err := baseDatastore(options)
		if err != nil {
			return nil, err
		}
		ropts := DefaultReplicatedOptions()
		ropts.DAG = options.DAG
		ropts.Logger = options.Logger
		if options.KeyPrefix != "" {
			ropts.Namespace = "/" + options.KeyPrefix + "/crdt"
			ropts.Topic = options.KeyPrefix + "-snapshots"
		}
		store, err := NewReplicatedDatastore(ctx, base, options.Heads, ropts)
		if err != nil {
			_ = base.Close()
			return nil, err
		}
		return NewDatastoreAdapter(store, options.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unsupported persistence type: %s", options.Type)
	}
}

// baseDatastore is Redis when a client is configured, else an in-process map.
func baseDatastore(options *PersistenceOptions) (ds.Batching, error) {
	if options.RedisClient != nil {
		return NewRedisDatastore(options.RedisClient, 0)
	}
	return dssync.MutexWrap(ds.NewMapDatastore()), nil
}

func openSQL(ctx context.Context, driver, dsn string, dialect Dialect, table string) (PersistenceAdapter, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// go-sqlite3 serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	adapter, err := NewSQLAdapter(ctx, db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	adapter.ownsDB = true
	return adapter, nil
}
