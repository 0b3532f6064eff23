package bridge

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of an issued ID token.
const DefaultTokenTTL = time.Hour

// SignedToken is a compact RS256 JWS and the claims it carries.
type SignedToken struct {
	Token     string
	ExpiresAt time.Time
	Claims    jwt.MapClaims
}

// TokenSigner signs claim sets with the key from a SigningKeyStore.
type TokenSigner struct {
	keys *SigningKeyStore
	ttl  time.Duration
	now  func() time.Time
}

// NewTokenSigner creates a new Signer instance
func NewTokenSigner(keys *SigningKeyStore, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenSigner{keys: keys, ttl: ttl, now: time.Now}
}

// Sign adds iat and exp to a copy of claims and signs it.
func (s *TokenSigner) Sign(ctx context.Context, claims map[string]any) (*SignedToken, error) {
	pair, err := s.keys.GetOrCreate(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.ttl)

	mc := make(jwt.MapClaims, len(claims)+2)
	maps.Copy(mc, claims)
	mc["iat"] = now.Unix()
	mc["exp"] = expiresAt.Unix()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, mc)
	token.Header["kid"] = pair.KeyID

	signed, err := token.SignedString(pair.Private)
	if err != nil {
		return nil, fmt.Errorf("sign id token: %w", err)
	}

	return &SignedToken{Token: signed, ExpiresAt: expiresAt, Claims: mc}, nil
}
