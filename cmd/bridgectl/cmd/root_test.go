package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/shadow-bridge/internal/audit"
	"github.com/pilab-dev/shadow-bridge/kv/bolt"
)

func useBoltBackend(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.db")
	t.Setenv("KV_BACKEND", "bolt")
	t.Setenv("BOLT_PATH", path)

	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)

	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, closeStore())

	return out.String(), err
}

func TestKeysCommands(t *testing.T) {
	useBoltBackend(t)

	_, err := run(t, "keys", "show", "-o", "json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridgectl keys init")

	out, err := run(t, "keys", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Signing key jwtRS256 ready")

	again, err := run(t, "keys", "init")
	require.NoError(t, err)
	assert.Equal(t, out, again)

	out, err = run(t, "keys", "show", "-o", "json")
	require.NoError(t, err)
	var jwk map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &jwk))
	assert.Equal(t, "jwtRS256", jwk["kid"])
	assert.Equal(t, "RS256", jwk["alg"])
	assert.Equal(t, "RSA", jwk["kty"])
	assert.NotContains(t, jwk, "d")

	out, err = run(t, "keys", "show", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "kid: jwtRS256")
}

func TestLogsCommands(t *testing.T) {
	path := useBoltBackend(t)

	out, err := run(t, "logs", "list", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, "No audit entries found.")

	backing, err := bolt.Open(path, 0)
	require.NoError(t, err)
	id, err := audit.NewStore(backing, audit.WithOutput(zerolog.Nop())).
		Append(context.Background(), audit.StepTokenIssued, map[string]any{"servers": []string{"1"}})
	require.NoError(t, err)
	require.NoError(t, backing.Close())

	out, err = run(t, "logs", "list", "-o", "json")
	require.NoError(t, err)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].LogID)

	out, err = run(t, "logs", "get", id, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "step: token_issued")

	_, err = run(t, "logs", "get", "0:missing", "-o", "yaml")
	assert.ErrorIs(t, err, audit.ErrNotFound)

	out, err = run(t, "logs", "clear")
	require.NoError(t, err)
	assert.Equal(t, "Cleared 1 audit entries.\n", out)
}
