package mapping

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "tracking:mapping:"
	indexKey  = "tracking:mapping:index"

	fieldOriginal = "original"
	fieldCreated  = "created_at"
	fieldAccessed = "accessed_at"
)

// touchScript refreshes accessed_at and returns the hash in one round trip.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HSET', KEYS[1], 'accessed_at', ARGV[1])
return redis.call('HGETALL', KEYS[1])
`)

// RedisStore keeps mapping entries in Redis hashes indexed by creation time.
type RedisStore struct {
	rdb          *redis.Client
	logger       Logger
	latestWindow time.Duration
	now          func() time.Time
}

// NewRedisStore creates a store. latestWindow bounds how old an entry
// Latest may return; zero disables the bound.
func NewRedisStore(rdb *redis.Client, logger Logger, latestWindow time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, logger: logger, latestWindow: latestWindow, now: time.Now}
}

// WithClock overrides the store clock.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func entryKey(id string) string {
	return keyPrefix + id
}

// Put stores a new entry. Existing ids are never overwritten.
func (s *RedisStore) Put(ctx context.Context, opaqueID, payload string) error {
	if opaqueID == "" {
		return fmt.Errorf("mapping: empty opaque id")
	}
	key := entryKey(opaqueID)
	ok, err := s.rdb.HSetNX(ctx, key, fieldOriginal, payload).Result()
	if err != nil {
		return fmt.Errorf("mapping put %s: %w", opaqueID, err)
	}
	if !ok {
		return ErrDuplicate
	}
	now := s.now().UTC()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldCreated, now.Format(time.RFC3339Nano))
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(now.UnixMilli()), Member: opaqueID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mapping index %s: %w", opaqueID, err)
	}
	return nil
}

// Get returns the entry and refreshes its last access time.
func (s *RedisStore) Get(ctx context.Context, opaqueID string) (Entry, bool) {
	accessed := s.now().UTC()
	res, err := touchScript.Run(ctx, s.rdb, []string{entryKey(opaqueID)}, accessed.Format(time.RFC3339Nano)).Slice()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Errorf("mapping get %s: %v", opaqueID, err)
		}
		return Entry{}, false
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		fields[k] = v
	}
	return toEntry(opaqueID, fields), true
}

// Latest returns the most recently created entry. This is a best-effort
// heuristic for users arriving without a token and may pick an unrelated
// click.
func (s *RedisStore) Latest(ctx context.Context) (Entry, bool) {
	ids, err := s.rdb.ZRevRangeWithScores(ctx, indexKey, 0, 4).Result()
	if err != nil {
		s.logger.Errorf("mapping latest: %v", err)
		return Entry{}, false
	}
	for _, z := range ids {
		id, _ := z.Member.(string)
		created := time.UnixMilli(int64(z.Score)).UTC()
		if s.latestWindow > 0 && s.now().Sub(created) > s.latestWindow {
			return Entry{}, false
		}
		fields, err := s.rdb.HGetAll(ctx, entryKey(id)).Result()
		if err != nil {
			s.logger.Errorf("mapping latest %s: %v", id, err)
			return Entry{}, false
		}
		if len(fields) == 0 {
			// index points at a purged hash
			s.rdb.ZRem(ctx, indexKey, id)
			continue
		}
		return toEntry(id, fields), true
	}
	return Entry{}, false
}

// Purge deletes entries created before the cutoff and returns how many
// were removed.
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int, error) {
	max := strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + max}).Result()
	if err != nil {
		return 0, fmt.Errorf("mapping purge scan: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entryKey(id)
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, indexKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mapping purge: %w", err)
	}
	return len(ids), nil
}

func toEntry(id string, fields map[string]string) Entry {
	e := Entry{OpaqueID: id, Original: fields[fieldOriginal]}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldCreated]); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields[fieldAccessed]); err == nil {
		e.LastAccessedAt = t
	}
	return e
}
