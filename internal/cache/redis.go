package cache

import (
	"context"
	"encoding/json"
	"time"

	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "proxy:cache:"

// Redis is a Store backed by a shared redis instance, letting multiple
// gateway replicas share one response cache. Backend errors degrade to
// misses.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, hash string) (Entry, bool) {
	val, err := r.client.Get(ctx, redisKeyPrefix+hash).Result()
	if err != nil {
		if err != redis.Nil {
			logs.Warn("cache read failed, treating as miss", "err", err)
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		logs.Warn("cache entry corrupt, treating as miss", "err", err)
		return Entry{}, false
	}
	return e, true
}

func (r *Redis) Put(ctx context.Context, hash string, e Entry) {
	if !success(e.StatusCode) {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		logs.Warn("cache entry not serializable, dropping", "err", err)
		return
	}
	if err := r.client.Set(ctx, redisKeyPrefix+hash, b, r.ttl).Err(); err != nil {
		logs.Warn("cache write failed, dropping entry", "err", err)
	}
}
