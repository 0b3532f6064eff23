package bridge

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pilab-dev/shadow-bridge/internal/crypto"
	"github.com/pilab-dev/shadow-bridge/internal/federation"
	"github.com/pilab-dev/shadow-bridge/kv"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// sharedTestKey avoids generating a fresh RSA key in every test.
func sharedTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := crypto.GenerateRSAKey()
		require.NoError(t, err)
		testKey = key
	})

	return testKey
}

func newMemoryKV(t *testing.T) *kv.MemoryStore {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	return store
}

// newTestKeyStore returns a key store whose generator hands out the shared
// test key and counts how often it was asked.
func newTestKeyStore(t *testing.T, store kv.Store) (*SigningKeyStore, *atomic.Int32) {
	t.Helper()
	key := sharedTestKey(t)
	var generated atomic.Int32

	ks := NewSigningKeyStore(store)
	ks.generate = func() (*rsa.PrivateKey, error) {
		generated.Add(1)
		return key, nil
	}

	return ks, &generated
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) AuthCodeURL(state string, scopes []string) string {
	args := m.Called(state, scopes)
	return args.String(0)
}

func (m *mockProvider) ExchangeCode(ctx context.Context, code string) (*federation.TokenResult, error) {
	args := m.Called(ctx, code)
	tr, _ := args.Get(0).(*federation.TokenResult)
	return tr, args.Error(1)
}

func (m *mockProvider) FetchProfile(ctx context.Context, accessToken string) (*federation.UserProfile, error) {
	args := m.Called(ctx, accessToken)
	p, _ := args.Get(0).(*federation.UserProfile)
	return p, args.Error(1)
}

func (m *mockProvider) FetchGuilds(ctx context.Context, accessToken string) ([]string, error) {
	args := m.Called(ctx, accessToken)
	g, _ := args.Get(0).([]string)
	return g, args.Error(1)
}

func (m *mockProvider) FetchRoles(ctx context.Context, userID string, guildIDs []string) federation.RoleLookup {
	args := m.Called(ctx, userID, guildIDs)
	return args.Get(0).(federation.RoleLookup)
}

type recordedEntry struct {
	step    string
	details map[string]any
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []recordedEntry
}

func (r *fakeRecorder) Record(_ context.Context, step string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, recordedEntry{step: step, details: details})
}

func (r *fakeRecorder) all() []recordedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedEntry(nil), r.entries...)
}

// failingKV fails every read.
type failingKV struct {
	kv.Store
	err error
}

func (f failingKV) Get(context.Context, string) ([]byte, error) {
	return nil, f.err
}

// mustJSONField returns the raw JSON found by walking path through nested
// objects.
func mustJSONField(t *testing.T, data []byte, path ...string) string {
	t.Helper()
	for _, key := range path {
		var obj map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &obj))
		raw, ok := obj[key]
		require.True(t, ok, "missing field %q", key)
		data = raw
	}

	return string(data)
}
