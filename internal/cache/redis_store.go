package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const keyPrefix = "cache:response:"

// RedisStore keeps one hash per key with result, created_at, expires_at and
// hits fields. Calls go through a gobreaker so a struggling Redis turns into
// fast misses instead of stalled requests.
type RedisStore struct {
	rdb     *redis.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	settings := gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMiss)
		},
	}
	return &RedisStore{
		rdb:     rdb,
		breaker: gobreaker.NewCircuitBreaker(settings),
		now:     time.Now,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.get(ctx, keyPrefix+key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*Entry, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrMiss
	}

	expiresAt, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, ErrMiss
	}
	if !s.now().Before(expiresAt) {
		return nil, ErrMiss
	}

	var e Entry
	if err := json.Unmarshal([]byte(fields["result"]), &e.Result); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	e.ExpiresAt = expiresAt
	e.CreatedAt, _ = parseMillis(fields["created_at"])

	hits, err := s.rdb.HIncrBy(ctx, key, "hits", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to bump cache hits: %w", err)
	}
	e.Hits = hits
	return &e, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.set(ctx, keyPrefix+key, entry, ttl)
	})
	return err
}

func (s *RedisStore) set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	result, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	expiresAt := entry.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(ttl)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"result", result,
			"created_at", createdAt.UnixMilli(),
			"expires_at", expiresAt.UnixMilli(),
			"hits", 0,
		)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// State reports the guard breaker state, for health output.
func (s *RedisStore) State() string {
	return s.breaker.State().String()
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
