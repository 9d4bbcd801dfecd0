// Package kv wraps a Redis client behind the typed capability surface the
// collision detector, agent-match service, and event bus need: hash
// get-all/set-field, string get/set with optional TTL and NX, sorted-set
// add/range/remove, and append-only streams with approximate trimming.
//
// Grounded on the same redis/go-redis/v9 primitives (hashes, ZADD/
// ZRangeByScore sorted sets, SET NX) used in the retrieved corpus's
// internal-live-service.go session/active-set/demand-tracking code.
package kv

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NegInf and PosInf are convenience bounds for ZRangeByScore callers that
// want an unbounded side of the range (e.g. "everything with score <= X").
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

// ErrNotFound is returned in place of redis.Nil so callers outside this
// package never need to import redis directly to distinguish "missing key"
// from a transport failure.
var ErrNotFound = errors.New("kv: key not found")

// Store is the typed capability surface over Redis.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying client for callers (e.g. health checks)
// that need it directly.
func (s *Store) Client() *redis.Client { return s.rdb }

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return err
}

// HGetAll returns all fields of a hash. Returns ErrNotFound if the key is
// absent (an empty map from Redis, which HGetAll returns for a missing
// key, is treated the same as not-found here since every hash this
// package manages always has at least one field).
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// HSet sets multiple fields of a hash atomically and optionally refreshes
// its TTL (ttl <= 0 leaves the TTL untouched).
func (s *Store) HSet(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return wrap(err)
}

// HSetField sets a single hash field without touching TTL.
func (s *Store) HSetField(ctx context.Context, key, field string, value interface{}) error {
	return wrap(s.rdb.HSet(ctx, key, field, value).Err())
}

// HDel deletes a key entirely (used to clear transient collision/cooldown
// state once it is promoted, expired, or superseded).
func (s *Store) HDel(ctx context.Context, key string) error {
	return wrap(s.rdb.Del(ctx, key).Err())
}

// SetNX sets key to value only if it does not already exist, with a TTL.
// Returns true if the lock/value was acquired, false if it already existed
// (contention, not an error).
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

// Set unconditionally sets key to value, with an optional TTL (ttl <= 0
// means no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(s.rdb.Set(ctx, key, value, ttl).Err())
}

// Get returns the string value at key, or ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", wrap(err)
	}
	return v, nil
}

// Del removes a key. Not finding it is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	return wrap(s.rdb.Del(ctx, key).Err())
}

// ZAdd adds or updates a member's score in a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRangeByScore returns members with score in [min, max].
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	members, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return members, nil
}

// ZRem removes a member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return wrap(s.rdb.ZRem(ctx, key, member).Err())
}

// Expire sets (or refreshes) a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(s.rdb.Expire(ctx, key, ttl).Err())
}

// XAdd appends an event to a stream, trimming it to approximately maxLen
// entries (MAXLEN ~ is acceptable per spec).
func (s *Store) XAdd(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) error {
	return wrap(s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err())
}

func formatScore(f float64) string {
	switch {
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsInf(f, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}
