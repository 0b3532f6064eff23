// Package bolt implements kv.Store on an embedded bbolt database file.
package bolt

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/pilab-dev/shadow-bridge/kv"
)

const (
	bucketName     = "bridge"
	metadataSuffix = "_meta"
)

// itemMetadata holds the expiration time of a stored item. Zero means never.
type itemMetadata struct {
	ExpiresAtUnixNano int64
}

// Store wraps a bbolt database. bbolt holds an exclusive file lock, so a
// Store is only shared by the goroutines of one process.
type Store struct {
	db              *bbolt.DB
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	closeOnce       sync.Once
	now             func() time.Time
}

// Open opens (or creates) the database at dbPath, creating the parent
// directory when missing. A positive cleanupInterval starts a goroutine that
// purges expired items.
func Open(dbPath string, cleanupInterval time.Duration) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db at %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketName)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName + metadataSuffix))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{
		db:              db,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		now:             time.Now,
	}

	if cleanupInterval > 0 {
		go s.runCleanupLoop()
	}

	log.Debug().Str("path", dbPath).Msg("bbolt store opened")

	return s, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		live, err := s.isLive(tx, key)
		if err != nil || !live {
			return err
		}

		v := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if v == nil {
			return nil
		}
		// Values are only valid for the life of the transaction.
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, kv.ErrNotFound
	}

	return value, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	meta, err := s.encodeMetadata(ttl)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putTx(tx, key, value, meta)
	})
}

// PutIfAbsent runs the check and the write in one read-write transaction;
// bbolt serializes those, so concurrent callers cannot both win.
func (s *Store) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	meta, err := s.encodeMetadata(ttl)
	if err != nil {
		return false, err
	}

	var written bool
	err = s.db.Update(func(tx *bbolt.Tx) error {
		live, err := s.isLive(tx, key)
		if err != nil {
			return err
		}
		if live {
			return nil
		}
		written = true
		return putTx(tx, key, value, meta)
	})
	if err != nil {
		return false, err
	}

	return written, nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteTx(tx, key)
	})
}

// Close stops the cleanup goroutine and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		err = s.db.Close()
	})

	return err
}

// DeleteExpired removes every expired item and returns how many were removed.
func (s *Store) DeleteExpired() (int, error) {
	var removed int

	err := s.db.Update(func(tx *bbolt.Tx) error {
		metaB := tx.Bucket([]byte(bucketName + metadataSuffix))

		var expired [][]byte
		err := metaB.ForEach(func(k, v []byte) error {
			meta, err := decodeMetadata(v)
			if err != nil {
				return fmt.Errorf("failed to decode metadata for key %s: %w", k, err)
			}
			if meta.expired(s.now()) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := deleteTx(tx, string(k)); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})

	return removed, err
}

func (s *Store) runCleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.DeleteExpired()
			if err != nil {
				log.Error().Err(err).Msg("bbolt cleanup failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("removed", n).Msg("bbolt cleanup removed expired items")
			}
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) isLive(tx *bbolt.Tx, key string) (bool, error) {
	raw := tx.Bucket([]byte(bucketName + metadataSuffix)).Get([]byte(key))
	if raw == nil {
		return false, nil
	}

	meta, err := decodeMetadata(raw)
	if err != nil {
		return false, fmt.Errorf("failed to decode metadata for key %s: %w", key, err)
	}

	return !meta.expired(s.now()), nil
}

func (s *Store) encodeMetadata(ttl time.Duration) ([]byte, error) {
	var meta itemMetadata
	if ttl > 0 {
		meta.ExpiresAtUnixNano = s.now().Add(ttl).UnixNano()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeMetadata(raw []byte) (itemMetadata, error) {
	var meta itemMetadata
	err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&meta)

	return meta, err
}

func (m itemMetadata) expired(now time.Time) bool {
	return m.ExpiresAtUnixNano != 0 && now.UnixNano() > m.ExpiresAtUnixNano
}

func putTx(tx *bbolt.Tx, key string, value, meta []byte) error {
	if err := tx.Bucket([]byte(bucketName)).Put([]byte(key), value); err != nil {
		return fmt.Errorf("failed to put value for key %s: %w", key, err)
	}

	return tx.Bucket([]byte(bucketName+metadataSuffix)).Put([]byte(key), meta)
}

func deleteTx(tx *bbolt.Tx, key string) error {
	if err := tx.Bucket([]byte(bucketName)).Delete([]byte(key)); err != nil {
		return err
	}

	return tx.Bucket([]byte(bucketName + metadataSuffix)).Delete([]byte(key))
}

var _ kv.Store = (*Store)(nil)
