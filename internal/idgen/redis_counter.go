package idgen

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var advanceScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local floor = tonumber(ARGV[1])
if cur < floor then
  cur = floor
end
cur = cur + 1
redis.call("SET", KEYS[1], cur)
return cur
`)

// RedisCounter shares sequence numbers between processes. The script makes
// the max-then-increment step atomic on the Redis side.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Next(ctx context.Context, kind Kind, floor int) (int, error) {
	key := fmt.Sprintf("idgen:%s", kind)
	n, err := advanceScript.Run(ctx, c.client, []string{key}, floor).Int()
	if err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", key, err)
	}
	return n, nil
}
