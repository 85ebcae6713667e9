package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore shares attempt counters and grants across replicas.
// Counters use INCR with a sliding expiry.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func redisFailureKey(session string, action Action) string {
	return fmt.Sprintf("verify:failures:%s:%s", session, action)
}

func redisGrantKey(session, phone string) string {
	return fmt.Sprintf("verify:grant:%s:%s", session, phone)
}

func (s *RedisSessionStore) Failures(ctx context.Context, session string, action Action) (int, error) {
	n, err := s.client.Get(ctx, redisFailureKey(session, action)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read verification failures: %w", err)
	}
	return n, nil
}

func (s *RedisSessionStore) RecordFailure(ctx context.Context, session string, action Action) (int, error) {
	key := redisFailureKey(session, action)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record verification failure: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisSessionStore) Grant(ctx context.Context, session, phone string) error {
	if err := s.client.Set(ctx, redisGrantKey(session, phone), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("store verification grant: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) HasGrant(ctx context.Context, session, phone string) (bool, error) {
	n, err := s.client.Exists(ctx, redisGrantKey(session, phone)).Result()
	if err != nil {
		return false, fmt.Errorf("read verification grant: %w", err)
	}
	return n > 0, nil
}
