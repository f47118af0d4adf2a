package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Address  string
	Password string
	Database int
	Key      string
}

// RedisLock is a single-holder lease used to keep background sweeps on one
// replica at a time.
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
}

// NewRedisLock connects and pings.
func NewRedisLock(ctx context.Context, cfg RedisConfig) (*RedisLock, error) {
	if cfg.Key == "" {
		cfg.Key = "approvals:timeout-sweep"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisLock{client: rdb, key: cfg.Key, token: uuid.NewString()}, nil
}

// TryLock takes or extends the lease for ttl. It reports false when another
// replica holds it.
func (l *RedisLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != l.token {
		return false, nil
	}
	return true, l.client.Expire(ctx, l.key, ttl).Err()
}

// Unlock releases the lease if this process holds it.
func (l *RedisLock) Unlock(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// Close closes the Redis client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
