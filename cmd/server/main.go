package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	format "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"collabtext/luvtext/common"
	"collabtext/luvtext/core"
	"collabtext/luvtext/crdtpubsub"
	"collabtext/luvtext/crdtstorage"
	"collabtext/luvtext/crdtsync"
	"collabtext/luvtext/server"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := core.ConfigureLogger(cfg.Development, cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	// libp2p and IPFS subsystems log through go-log.
	if err := logging.SetLogLevel("*", cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		core.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

// closers runs cleanups in reverse order.
type closers []func()

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg *config) error {
	logger := core.GetLogger()
	var cleanup closers
	defer cleanup.close()

	var rdb *redis.Client
	if cfg.needsRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("could not connect to Redis at %s: %w", cfg.RedisAddr, err)
		}
		cleanup = append(cleanup, func() { rdb.Close() })
		logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	}

	var dagService format.DAGService
	syncOpts := crdtsync.DefaultSyncOptions()
	syncOpts.EncodingFormat = crdtpubsub.EncodingFormat(cfg.Encoding)
	switch cfg.Transport {
	case "memory":
		ps, err := crdtpubsub.NewMemoryPubSub(nil)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { ps.Close() })
		syncOpts.PubSub = ps
	case "redis":
		ps, err := crdtpubsub.NewRedisPubSub(rdb, nil)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { ps.Close() })
		syncOpts.PubSub = ps
	case "gossip":
		if cfg.Storage == "crdt" {
			// Snapshot blocks and messages share one host.
			peer, err := crdtstorage.NewDAGPeer(ctx, dssync.MutexWrap(ds.NewMapDatastore()), cfg.ListenP2P)
			if err != nil {
				return err
			}
			cleanup = append(cleanup, func() { peer.Close() })
			ps, err := crdtpubsub.NewGossipPubSub(ctx, peer.Host(), nil)
			if err != nil {
				return err
			}
			cleanup = append(cleanup, func() { ps.Close() })
			if err := peer.Bootstrap(cfg.Bootstrap); err != nil {
				return err
			}
			dagService = peer
			syncOpts.PubSub = ps
			break
		}
		ps, err := crdtpubsub.NewGossipPubSubListen(ctx, nil, cfg.ListenP2P)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { ps.Close() })
		for _, addr := range cfg.Bootstrap {
			if err := ps.Connect(ctx, addr); err != nil {
				logger.Warn("failed to dial bootstrap peer", zap.String("addr", addr), zap.Error(err))
			}
		}
		syncOpts.PubSub = ps
	case "streams":
		syncOpts.SyncType = crdtsync.SyncTypeRedisStreams
		syncOpts.RedisClient = rdb
	}
	factory, err := crdtsync.NewBroadcasterFactory(syncOpts)
	if err != nil {
		return err
	}

	persistOpts := crdtstorage.DefaultPersistenceOptions()
	persistOpts.Type = cfg.Storage
	persistOpts.Path = cfg.StoragePath
	persistOpts.DSN = cfg.PostgresDSN
	persistOpts.RedisClient = rdb
	if cfg.Storage == "crdt" {
		persistOpts.DAG = dagService
		persistOpts.Heads = syncOpts.PubSub
		if persistOpts.Heads == nil {
			ps, err := crdtpubsub.NewRedisPubSub(rdb, nil)
			if err != nil {
				return err
			}
			cleanup = append(cleanup, func() { ps.Close() })
			persistOpts.Heads = ps
		}
	}
	if cfg.Storage == "mongodb" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		})
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("failed to ping MongoDB: %w", err)
		}
		persistOpts.MongoCollection = client.Database(cfg.MongoDB).Collection("documents")
	}
	adapter, err := crdtstorage.NewPersistence(ctx, persistOpts)
	if err != nil {
		return fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
	}
	storageOpts := crdtstorage.DefaultStorageOptions()
	storageOpts.AutoSaveInterval = cfg.AutoSave
	storage := crdtstorage.NewStorage(adapter, storageOpts)
	cleanup = append(cleanup, func() {
		if err := storage.Close(); err != nil {
			logger.Warn("failed to close storage", zap.Error(err))
		}
	})

	hubOpts := server.DefaultOptions()
	hubOpts.Broadcasters = factory
	hubOpts.Storage = storage
	if cfg.Discovery {
		pd := crdtsync.NewRedisPeerDiscovery(rdb, "luvtext", common.NewSessionID().String())
		if err := pd.Start(ctx); err != nil {
			return fmt.Errorf("failed to start peer discovery: %w", err)
		}
		cleanup = append(cleanup, func() { pd.Close() })
		hubOpts.Discovery = pd
	}
	hub, err := server.NewHub(hubOpts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: hub.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.Addr),
			zap.String("transport", cfg.Transport),
			zap.String("storage", cfg.Storage))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("failed to close documents", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
