// Package redis implements kv.Store on Redis. It is the backend to use when
// several bridge instances share one signing key.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pilab-dev/shadow-bridge/kv"
)

// Store implements kv.Store using Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string // Optional prefix for keys
}

// NewStore creates a new [Store] instance.
func NewStore(client goredis.UniversalClient, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// Dial connects to addr and verifies the connection with a PING.
func Dial(ctx context.Context, addr, password string, db int, prefix string) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewStore(client, prefix), nil
}

func (s *Store) redisKey(key string) string {
	if s.prefix == "" {
		return key
	}

	return s.prefix + ":" + key
}

// Get retrieves a value from Redis.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}

	return b, nil
}

// Put stores a value. A non-positive ttl stores it without expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.redisKey(key), value, redisTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}

	return nil
}

// PutIfAbsent uses SETNX, which Redis executes atomically for every client.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.redisKey(key), value, redisTTL(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}

	return ok, nil
}

// Delete removes a key from Redis.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis del %q: %w", key, err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func redisTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}

	return ttl
}

var _ kv.Store = (*Store)(nil)
