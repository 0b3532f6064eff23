// Package kv defines the durable key-value store the bridge persists its
// signing key and audit entries in, along with an in-memory implementation.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	ErrClosed   = errors.New("kv: store closed")
)

// Store is a minimal key-value store with optional per-key expiry.
// A ttl of zero or less means the value never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent stores value only when no live value exists for key. It
	// reports whether the write happened. Implementations must make the
	// check-and-write atomic with respect to every other writer of the
	// same backing store.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Close() error
}
