// Package backend opens the kv.Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/shadow-bridge/config"
	"github.com/pilab-dev/shadow-bridge/kv"
	"github.com/pilab-dev/shadow-bridge/kv/bolt"
	"github.com/pilab-dev/shadow-bridge/kv/mongodb"
	"github.com/pilab-dev/shadow-bridge/kv/redis"
)

const boltCleanupInterval = 10 * time.Minute

// Open connects to the backend named by cfg.KVBackend.
func Open(ctx context.Context, cfg *config.ServerConfig) (kv.Store, error) {
	var (
		store kv.Store
		err   error
	)

	switch cfg.KVBackend {
	case config.BackendMemory, "":
		store = kv.NewMemoryStore()
	case config.BackendRedis:
		store, err = redis.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case config.BackendBolt:
		store, err = bolt.Open(cfg.BoltPath, boltCleanupInterval)
	case config.BackendMongo:
		store, err = mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.KVBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s kv backend: %w", cfg.KVBackend, err)
	}

	log.Info().Str("backend", cfg.KVBackend).Msg("kv store opened")

	return store, nil
}
