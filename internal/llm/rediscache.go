package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RemoteCache is an optional second cache tier shared across replicas. The
// local LRU is always consulted first; a remote hit is promoted into it.
type RemoteCache interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, value Response)
}

// RedisCache implements RemoteCache over a Redis instance.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies reachability. Returns an
// error rather than a lazily-failing cache so startup surfaces misconfig.
func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis response cache ping: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) redisKey(key string) string { return "llm:resp:" + key }

// Get retrieves a cached response. Remote failures are logged and treated as
// misses; the local tier and the live endpoint remain authoritative.
func (c *RedisCache) Get(ctx context.Context, key string) (Response, bool) {
	if c == nil || c.client == nil {
		return Response{}, false
	}
	val, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("llm_redis_cache_get_error")
		}
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(val, &resp); err != nil {
		log.Debug().Err(err).Msg("llm_redis_cache_decode_error")
		return Response{}, false
	}
	return resp, true
}

// Set stores a response with the cache TTL. Best effort.
func (c *RedisCache) Set(ctx context.Context, key string, value Response) {
	if c == nil || c.client == nil {
		return
	}
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.redisKey(key), b, c.ttl).Err(); err != nil {
		log.Debug().Err(err).Msg("llm_redis_cache_set_error")
	}
}

// Close releases the underlying connection.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
