package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiryGrace keeps a challenge readable a little past ExpiresAt so that a
// late submission reports Expired rather than NoChallenge.
const expiryGrace = 5 * time.Minute

// RedisStore keeps challenges in Redis so every API replica sees the same
// table.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func challengeKey(phone string) string {
	return fmt.Sprintf("otp:challenge:%s", phone)
}

func (s *RedisStore) Get(ctx context.Context, phone string) (*Challenge, error) {
	raw, err := s.client.Get(ctx, challengeKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoChallenge
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge from redis: %w", err)
	}

	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &c, nil
}

func (s *RedisStore) Put(ctx context.Context, c Challenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	ttl := c.ExpiresAt.Sub(s.now()) + expiryGrace
	if ttl <= 0 {
		ttl = expiryGrace
	}
	if err := s.client.Set(ctx, challengeKey(c.Phone), data, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, phone string) error {
	if err := s.client.Del(ctx, challengeKey(phone)).Err(); err != nil {
		return fmt.Errorf("delete challenge from redis: %w", err)
	}
	return nil
}
