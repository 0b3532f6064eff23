package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// RSAKeyBits is the modulus size of generated signing keys.
const RSAKeyBits = 2048

var (
	ErrNotRSAKey   = errors.New("key record does not hold an RSA key pair")
	ErrKeyMismatch = errors.New("key record public half does not match its private half")
)

// GenerateRSAKey generates a new RSA private key. It returns the key and any error that
// occurred during the generation process.
func GenerateRSAKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, RSAKeyBits)
}

// KeyRecord is the persisted form of a signing key pair: both halves as
// JSON Web Keys, the same layout WebCrypto's "jwk" export produces.
type KeyRecord struct {
	PrivateKey jose.JSONWebKey `json:"privateKey"`
	PublicKey  jose.JSONWebKey `json:"publicKey"`
}

// MarshalKeyRecord serializes both halves of key into a KeyRecord document.
func MarshalKeyRecord(key *rsa.PrivateKey, alg string) ([]byte, error) {
	rec := KeyRecord{
		PrivateKey: jose.JSONWebKey{Key: key, Algorithm: alg, Use: "sig"},
		PublicKey:  jose.JSONWebKey{Key: &key.PublicKey, Algorithm: alg, Use: "sig"},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal key record: %w", err)
	}

	return data, nil
}

// ParseKeyRecord decodes a KeyRecord and checks that both halves belong to
// the same RSA key pair.
func ParseKeyRecord(data []byte) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("unmarshal key record: %w", err)
	}

	priv, ok := rec.PrivateKey.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, ErrNotRSAKey
	}
	pub, ok := rec.PublicKey.Key.(*rsa.PublicKey)
	if !ok {
		return nil, nil, ErrNotRSAKey
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, nil, ErrKeyMismatch
	}

	return priv, pub, nil
}
