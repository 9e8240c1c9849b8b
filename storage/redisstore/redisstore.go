// Package redisstore backs the storage contract with a Redis-compatible
// server. CompareAndSwap runs as a Lua script so the rotation guard is a
// single atomic round trip, and writes are immediately visible to every
// process instance sharing the server.
package redisstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/sessionworks/go-session-server/storage"
)

var _ storage.Backend = (*Store)(nil)

// casScript implements the conditional write. ARGV[1] flags whether an
// expected value was supplied ("1") or the key must be absent ("0").
// ARGV[2] is the expected value, ARGV[3] flags whether a replacement was
// supplied, ARGV[4] is the replacement, ARGV[5] is the TTL in milliseconds
// (0 for none).
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
  if not current or current ~= ARGV[2] then
    return 0
  end
else
  if current then
    return 0
  end
end
if ARGV[3] == '0' then
  redis.call('DEL', KEYS[1])
  return 1
end
if tonumber(ARGV[5]) > 0 then
  redis.call('SET', KEYS[1], ARGV[4], 'PX', ARGV[5])
else
  redis.call('SET', KEYS[1], ARGV[4])
end
return 1
`)

// Config holds the connection settings for a Store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string // optional namespace prepended to every key
}

// Store is a Redis-backed storage.Backend.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, keyPrefix: cfg.KeyPrefix}
}

// NewWithClient wraps an existing client, mainly for tests against miniredis
// or a shared connection pool.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[redisstore.Get]")
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.Set]")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "[redisstore.Delete]")
	}
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, replacement []byte, ttl time.Duration) (bool, error) {
	hasExpected, hasReplacement := "0", "0"
	if expected != nil {
		hasExpected = "1"
	}
	if replacement != nil {
		hasReplacement = "1"
	}
	res, err := casScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		hasExpected, string(expected), hasReplacement, string(replacement), ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "[redisstore.CompareAndSwap]")
	}
	return res == 1, nil
}

func (s *Store) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		val, err := s.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return errors.Wrap(err, "[redisstore.Scan] get")
		}
		if err := fn(fullKey[len(s.keyPrefix):], val); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "[redisstore.Scan]")
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
