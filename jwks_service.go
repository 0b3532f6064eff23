package bridge

import (
	"context"

	"github.com/go-jose/go-jose/v4"
)

// JWKSService exposes the public signing key.
type JWKSService struct {
	keys *SigningKeyStore
}

func NewJWKSService(keys *SigningKeyStore) *JWKSService {
	return &JWKSService{keys: keys}
}

// KeySet returns the key set relying parties verify ID tokens against. It
// holds exactly one key, the same one for as long as the key record lives.
func (s *JWKSService) KeySet(ctx context.Context) (jose.JSONWebKeySet, error) {
	jwk, err := s.keys.PublicJWK(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}, nil
}
