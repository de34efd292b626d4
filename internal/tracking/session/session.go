package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pixtrack/internal/tracking/attribution"
)

// ErrNotFound is returned when a user has no stored attribution.
var ErrNotFound = errors.New("session: no attribution for user")

// Store holds the live attribution per user. Save replaces whatever was
// stored before; fields are never merged.
type Store interface {
	Save(ctx context.Context, userID string, rec attribution.Record) error
	Get(ctx context.Context, userID string) (attribution.Record, error)
}

const keyPrefix = "tracking:session:"

// RedisStore keeps one JSON document per user.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a store. A zero ttl keeps records forever.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, userID string, rec attribution.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session encode: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+userID, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("session save %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (attribution.Record, error) {
	b, err := s.rdb.Get(ctx, keyPrefix+userID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return attribution.Record{}, ErrNotFound
		}
		return attribution.Record{}, fmt.Errorf("session get %s: %w", userID, err)
	}
	var rec attribution.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return attribution.Record{}, fmt.Errorf("session decode %s: %w", userID, err)
	}
	return rec, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]attribution.Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]attribution.Record)}
}

func (s *MemoryStore) Save(ctx context.Context, userID string, rec attribution.Record) error {
	s.mu.Lock()
	s.recs[userID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (attribution.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[userID]
	if !ok {
		return attribution.Record{}, ErrNotFound
	}
	return rec, nil
}
