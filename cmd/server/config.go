package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// config holds the server settings. Flags are read first, then a .env
// file, then the environment, which wins.
type config struct {
	Addr        string
	Transport   string
	Encoding    string
	RedisAddr   string
	MongoURI    string
	MongoDB     string
	Storage     string
	StoragePath string
	PostgresDSN string
	LogLevel    string
	Development bool
	AutoSave    time.Duration
	ListenP2P   string
	Bootstrap   []string
	Discovery   bool
}

func parseConfig(args []string) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", ":8080", "HTTP listen address")
	fs.StringVar(&cfg.Transport, "transport", "memory", "message transport: memory, redis, gossip or streams")
	fs.StringVar(&cfg.Encoding, "encoding", "json", "pubsub payload encoding: json, text or base64")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "Redis address")
	fs.StringVar(&cfg.MongoURI, "mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	fs.StringVar(&cfg.MongoDB, "mongo-db", "luvtext", "MongoDB database name")
	fs.StringVar(&cfg.Storage, "storage", "memory", "persistence: memory, file, redis, mongodb, badger, bolt, sqlite, postgres, datastore or crdt")
	fs.StringVar(&cfg.StoragePath, "storage-path", "./data", "path for file, badger, bolt and sqlite storage")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.Development, "dev", false, "development logging")
	fs.DurationVar(&cfg.AutoSave, "autosave", 30*time.Second, "auto-save interval, 0 disables")
	fs.StringVar(&cfg.ListenP2P, "p2p-listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen address for the gossip transport")
	bootstrap := fs.String("bootstrap", "", "comma separated libp2p peer addresses to dial")
	fs.BoolVar(&cfg.Discovery, "discovery", false, "register replicas with Redis peer discovery")
	envFile := fs.String("env", ".env", "path to .env file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if _, err := os.Stat(*envFile); err == nil {
		if err := godotenv.Load(*envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", *envFile, err)
		}
	}

	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override("ADDR", &cfg.Addr)
	override("TRANSPORT", &cfg.Transport)
	override("REDIS_ADDR", &cfg.RedisAddr)
	override("MONGO_URI", &cfg.MongoURI)
	override("STORAGE", &cfg.Storage)
	override("STORAGE_PATH", &cfg.StoragePath)
	override("POSTGRES_DSN", &cfg.PostgresDSN)
	override("LOG_LEVEL", &cfg.LogLevel)
	override("BOOTSTRAP_PEERS", bootstrap)

	for _, addr := range strings.Split(*bootstrap, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.Bootstrap = append(cfg.Bootstrap, addr)
		}
	}

	switch cfg.Transport {
	case "memory", "redis", "gossip", "streams":
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	return cfg, nil
}

// needsRedis reports whether any component connects to Redis.
func (c *config) needsRedis() bool {
	return c.Transport == "redis" || c.Transport == "streams" || c.Storage == "redis" || c.Discovery
}
