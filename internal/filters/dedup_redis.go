package filters

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisDedupPrefix = "buyalerts:dedup:"

// RedisDedup is a restart-durable Dedup backend on top of SET NX EX. Redis
// errors fail open: availability of alerts beats strict dedup.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisDedup wires a Redis client into a Dedup backend.
func NewRedisDedup(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedup{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "dedup_redis").Logger(),
	}
}

// IsDuplicateAndMark marks the key with SET NX; Redis expires entries itself
// so no sweep is needed.
func (d *RedisDedup) IsDuplicateAndMark(ctx context.Context, key string) bool {
	created, err := d.client.SetNX(ctx, redisDedupPrefix+key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("redis dedup check failed; treating as new")
		return false
	}
	return !created
}

var _ Dedup = (*RedisDedup)(nil)
