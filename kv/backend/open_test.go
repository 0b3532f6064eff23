package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/shadow-bridge/config"
)

func TestOpen(t *testing.T) {
	mini := miniredis.RunT(t)

	tests := map[string]*config.ServerConfig{
		"memory": {KVBackend: config.BackendMemory},
		"redis":  {KVBackend: config.BackendRedis, RedisAddr: mini.Addr(), RedisPrefix: "test"},
		"bolt":   {KVBackend: config.BackendBolt, BoltPath: filepath.Join(t.TempDir(), "bridge.db")},
	}

	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer func() { assert.NoError(t, store.Close()) }()

			stored, err := store.PutIfAbsent(ctx, "keys", []byte("v"), 0)
			require.NoError(t, err)
			assert.True(t, stored)

			got, err := store.Get(ctx, "keys")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), &config.ServerConfig{KVBackend: "etcd"})
	assert.Error(t, err)
}
