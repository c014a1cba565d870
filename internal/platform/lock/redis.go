package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false then
  return 0
end
if v == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return -1
`)

// Redis is a Locker shared by every API instance pointing at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromURL parses a redis:// URL and verifies the server answers.
func NewRedisFromURL(ctx context.Context, url, prefix string) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix), client, nil
}

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return "", ErrNotAcquired
	}
	return token, nil
}

func (r *Redis) Unlock(ctx context.Context, key, token string) error {
	res, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int()
	if err != nil {
		return fmt.Errorf("redis unlock %s: %w", key, err)
	}
	if res < 0 {
		return ErrNotOwner
	}
	return nil
}
