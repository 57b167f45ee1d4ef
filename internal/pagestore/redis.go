package pagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/stockpile/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces all keys written by RedisStore.
const KeyPrefix = "stockpile:reset:"

// unlockScript deletes the lock only if the caller still owns it.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisStore is a Store shared by all instances behind a load balancer.
// Expiry is left to Redis key TTLs.
type RedisStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisStore creates a store on an existing client. A non-positive ttl
// uses DefaultTTL.
func NewRedisStore(rdb *goredis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// NewRedisClient parses a redis:// URL and checks the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) Create(ctx context.Context, page *domain.ResetPage) error {
	const op = "RedisStore.Create"

	data, err := json.Marshal(page)
	if err != nil {
		return domain.Internal(err, op, "failed to encode reset page")
	}

	created, err := s.rdb.SetNX(ctx, s.pageKey(page.ID), data, s.ttl).Result()
	if err != nil {
		return domain.Internal(err, op, "failed to store reset page")
	}
	if !created {
		return domain.Conflict(op, "Reset page already exists")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.ResetPage, error) {
	const op = "RedisStore.Get"

	data, err := s.rdb.Get(ctx, s.pageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, notFound(op)
		}
		return nil, domain.Internal(err, op, "failed to load reset page")
	}

	var page domain.ResetPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, domain.Internal(err, op, "failed to decode reset page")
	}
	return &page, nil
}

func (s *RedisStore) Save(ctx context.Context, page *domain.ResetPage) error {
	const op = "RedisStore.Save"

	data, err := json.Marshal(page)
	if err != nil {
		return domain.Internal(err, op, "failed to encode reset page")
	}
	if err := s.rdb.Set(ctx, s.pageKey(page.ID), data, s.ttl).Err(); err != nil {
		return domain.Internal(err, op, "failed to store reset page")
	}
	return nil
}

func (s *RedisStore) TryLock(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	const op = "RedisStore.TryLock"

	token, err := newLockToken()
	if err != nil {
		return "", false, err
	}

	ok, err := s.rdb.SetNX(ctx, s.busyKey(id), token, ttl).Result()
	if err != nil {
		return "", false, domain.Internal(err, op, "failed to take page lock")
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (s *RedisStore) Unlock(ctx context.Context, id, token string) error {
	const op = "RedisStore.Unlock"

	if err := s.rdb.Eval(ctx, unlockScript, []string{s.busyKey(id)}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return domain.Internal(err, op, "failed to release page lock")
	}
	return nil
}

// DeleteExpired is a no-op; Redis expires keys itself.
func (s *RedisStore) DeleteExpired(ctx context.Context) (int, error) {
	return 0, nil
}

func (s *RedisStore) pageKey(id string) string {
	return KeyPrefix + "page:" + id
}

func (s *RedisStore) busyKey(id string) string {
	return KeyPrefix + "busy:" + id
}

var _ Store = (*RedisStore)(nil)
