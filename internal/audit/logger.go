// Package audit keeps a short-lived, append-only trail of token issuance
// attempts for post-hoc debugging.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pilab-dev/shadow-bridge/kv"
)

// Steps recorded by the token pipeline.
const (
	StepTokenExchangeFailed = "token_exchange_failed"
	StepUserNotVerified     = "user_not_verified"
	StepTokenIssued         = "token_issued"
	StepTokenSigningFailed  = "token_signing_failed"
)

const (
	keyPrefix = "debug:"
	indexKey  = "debug:index"

	DefaultTTL       = 24 * time.Hour
	DefaultIndexSize = 50
)

var ErrNotFound = errors.New("audit entry not found")

// Entry is one recorded pipeline outcome.
type Entry struct {
	LogID     string         `json:"logId"`
	Timestamp time.Time      `json:"timestamp"`
	Step      string         `json:"step"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder receives one entry per terminal pipeline outcome. Recording
// never fails the caller.
type Recorder interface {
	Record(ctx context.Context, step string, details map[string]any)
}

// Store persists entries in a kv.Store under "debug:<unix ms>:<suffix>" and
// keeps an index of the most recent ids. Both expire after the TTL.
type Store struct {
	kv        kv.Store
	ttl       time.Duration
	indexSize int
	now       func() time.Time
	out       zerolog.Logger

	// Serializes the index read-modify-write within this process. Two
	// instances appending at once may drop an id from the index; the entry
	// itself is still written.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIndexSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.indexSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithOutput mirrors every entry to the given logger.
func WithOutput(l zerolog.Logger) Option {
	return func(s *Store) { s.out = l }
}

// NewStore creates an audit Store on top of store.
func NewStore(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:        store,
		ttl:       DefaultTTL,
		indexSize: DefaultIndexSize,
		now:       time.Now,
		out:       log.Output(os.Stdout).With().Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Record appends an entry and logs, rather than returns, a storage failure.
func (s *Store) Record(ctx context.Context, step string, details map[string]any) {
	if _, err := s.Append(ctx, step, details); err != nil {
		log.Error().Err(err).Str("step", step).Msg("failed to persist audit entry")
	}
}

// Append stores a new entry and returns its id.
func (s *Store) Append(ctx context.Context, step string, details map[string]any) (string, error) {
	now := s.now().UTC()
	entry := Entry{
		LogID:     fmt.Sprintf("%s%d:%s", keyPrefix, now.UnixMilli(), uuid.NewString()[:8]),
		Timestamp: now,
		Step:      step,
		Details:   details,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	s.out.Log().Str("audit_step", step).RawJSON("audit_event", data).Msg("")

	if err := s.kv.Put(ctx, entry.LogID, data, s.ttl); err != nil {
		return "", fmt.Errorf("store audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(ctx)
	if err != nil {
		return "", err
	}
	index = append(index, entry.LogID)
	if len(index) > s.indexSize {
		index = index[len(index)-s.indexSize:]
	}
	if err := s.saveIndex(ctx, index); err != nil {
		return "", err
	}

	return entry.LogID, nil
}

// List returns the indexed entries, newest first. Entries that already
// expired are skipped.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	index, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(index))
	for i := len(index) - 1; i >= 0; i-- {
		entry, err := s.get(ctx, index[i])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}

// Get loads one entry. The id may be given with or without the "debug:"
// prefix.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	if !strings.HasPrefix(id, keyPrefix) {
		id = keyPrefix + id
	}
	if id == keyPrefix || id == indexKey {
		return nil, ErrNotFound
	}

	return s.get(ctx, id)
}

// Clear deletes every indexed entry and the index, returning how many ids
// the index held.
func (s *Store) Clear(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range index {
		if err := s.kv.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("delete audit entry %s: %w", id, err)
		}
	}
	if err := s.kv.Delete(ctx, indexKey); err != nil {
		return 0, fmt.Errorf("delete audit index: %w", err)
	}

	return len(index), nil
}

func (s *Store) get(ctx context.Context, id string) (*Entry, error) {
	data, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load audit entry %s: %w", id, err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode audit entry %s: %w", id, err)
	}

	return &entry, nil
}

func (s *Store) loadIndex(ctx context.Context) ([]string, error) {
	data, err := s.kv.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load audit index: %w", err)
	}

	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("decode audit index: %w", err)
	}

	return index, nil
}

func (s *Store) saveIndex(ctx context.Context, index []string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal audit index: %w", err)
	}
	if err := s.kv.Put(ctx, indexKey, data, s.ttl); err != nil {
		return fmt.Errorf("store audit index: %w", err)
	}

	return nil
}

var _ Recorder = (*Store)(nil)
