// Package bridge issues self-signed OpenID Connect ID tokens for users
// authenticated by an upstream OAuth2 provider.
package bridge

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pilab-dev/shadow-bridge/internal/crypto"
	"github.com/pilab-dev/shadow-bridge/internal/metrics"
	"github.com/pilab-dev/shadow-bridge/kv"
)

const (
	// SigningKeyID is the kid of the one signing key.
	SigningKeyID = "jwtRS256"
	// SigningAlgorithm is the JWS algorithm of issued tokens.
	SigningAlgorithm = "RS256"

	keyRecordKey = "keys"
)

// KeyPair is the loaded signing key.
type KeyPair struct {
	KeyID   string
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// SigningKeyStore lazily creates the signing key on first use and serves
// the persisted key afterwards. Every call reads the stored record, so a key
// replaced in the store is adopted on the next call; the parsed key is only
// reused while the record bytes are unchanged.
type SigningKeyStore struct {
	kv       kv.Store
	generate func() (*rsa.PrivateKey, error)

	group     singleflight.Group
	mu        sync.RWMutex
	cached    *KeyPair
	cachedRaw []byte
}

// NewSigningKeyStore creates a key store on top of store.
func NewSigningKeyStore(store kv.Store) *SigningKeyStore {
	return &SigningKeyStore{
		kv:       store,
		generate: crypto.GenerateRSAKey,
	}
}

// GetOrCreate returns the signing key, creating and persisting one if the
// store holds none. Concurrent creations share a single load.
func (s *SigningKeyStore) GetOrCreate(ctx context.Context) (*KeyPair, error) {
	pair, err := s.read(ctx)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}

	v, err, _ := s.group.Do(keyRecordKey, func() (any, error) {
		// One caller giving up must not fail the others waiting on this load.
		return s.load(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}

	return v.(*KeyPair), nil
}

// Lookup returns the persisted signing key without creating one.
func (s *SigningKeyStore) Lookup(ctx context.Context) (*KeyPair, error) {
	pair, err := s.read(ctx)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrKeyNotProvisioned
	}

	return pair, err
}

// PublicJWK returns the public half of the signing key.
func (s *SigningKeyStore) PublicJWK(ctx context.Context) (jose.JSONWebKey, error) {
	pair, err := s.GetOrCreate(ctx)
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	return jose.JSONWebKey{
		Key:       pair.Public,
		KeyID:     pair.KeyID,
		Algorithm: SigningAlgorithm,
		Use:       "sig",
	}, nil
}

func (s *SigningKeyStore) load(ctx context.Context) (*KeyPair, error) {
	pair, err := s.read(ctx)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	key, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	data, err := crypto.MarshalKeyRecord(key, SigningAlgorithm)
	if err != nil {
		return nil, err
	}

	stored, err := s.kv.PutIfAbsent(ctx, keyRecordKey, data, 0)
	if err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	if !stored {
		// Another writer got there first; its key is the key.
		log.Info().Msg("signing key created concurrently elsewhere, using the stored one")
		return s.read(ctx)
	}

	metrics.SigningKeysGeneratedTotal.Inc()
	log.Info().Str("kid", SigningKeyID).Msg("generated new signing key")

	pair = &KeyPair{KeyID: SigningKeyID, Private: key, Public: &key.PublicKey}
	s.remember(data, pair)

	return pair, nil
}

func (s *SigningKeyStore) read(ctx context.Context) (*KeyPair, error) {
	data, err := s.kv.Get(ctx, keyRecordKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load signing key: %w", err)
	}

	s.mu.RLock()
	pair := s.cached
	if pair != nil && !bytes.Equal(s.cachedRaw, data) {
		pair = nil
	}
	s.mu.RUnlock()
	if pair != nil {
		return pair, nil
	}

	priv, pub, err := crypto.ParseKeyRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}

	pair = &KeyPair{KeyID: SigningKeyID, Private: priv, Public: pub}
	if s.remember(data, pair) {
		log.Warn().Str("kid", SigningKeyID).Msg("stored signing key changed, adopting it")
	}

	return pair, nil
}

// remember caches pair for record data and reports whether it replaced a
// different key.
func (s *SigningKeyStore) remember(data []byte, pair *KeyPair) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.cached != nil && !bytes.Equal(s.cachedRaw, data)
	s.cached = pair
	s.cachedRaw = bytes.Clone(data)

	return changed
}
