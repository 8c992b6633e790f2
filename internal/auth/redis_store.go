package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLimitPrefix = "storefront:login_ip:"

// RedisIPStore is a fixed-window limiter shared by every API instance.
type RedisIPStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIPStore(client *redis.Client) *RedisIPStore {
	return &RedisIPStore{client: client, prefix: redisLimitPrefix}
}

func (s *RedisIPStore) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	key := s.prefix + ip

	hits, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr login ip counter: %w", err)
	}
	if hits == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login ip counter: %w", err)
		}
	}
	if hits <= int64(maxHits) {
		return true, 0, nil
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("read login ip counter ttl: %w", err)
	}
	if ttl < 0 {
		// The counter lost its expiry; start a fresh window from here.
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire login ip counter: %w", err)
		}
		ttl = window
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	return false, ttl, nil
}
