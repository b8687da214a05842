package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/subshare-cli/apiclient"
)

const redisKeyPrefix = "subshare:session:"

// RedisStore keeps the session under a single key so that several machines
// running against the same deployment share one login. A zero TTL keeps the
// key until it is cleared.
type RedisStore struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

// NewRedisStore creates a RedisStore. The store takes ownership of rdb.
func NewRedisStore(rdb redis.UniversalClient, namespace string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		key: redisKeyPrefix + namespace,
		ttl: ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context) (apiclient.TokenPair, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return apiclient.TokenPair{}, nil
	}
	if err != nil {
		return apiclient.TokenPair{}, s.fail("get", err)
	}

	pair, err := decodeRecord(b)
	if err != nil {
		return apiclient.TokenPair{}, s.fail("get", err)
	}
	return pair, nil
}

func (s *RedisStore) Set(ctx context.Context, pair apiclient.TokenPair) error {
	b, err := encodeRecord(pair)
	if err != nil {
		return s.fail("set", err)
	}
	if err := s.rdb.Set(ctx, s.key, b, s.ttl).Err(); err != nil {
		return s.fail("set", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key).Err(); err != nil {
		return s.fail("clear", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) fail(op string, err error) error {
	return &StoreError{Op: op, Backend: BackendRedis, Err: err}
}

var _ Store = (*RedisStore)(nil)
