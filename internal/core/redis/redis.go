package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gemini-stealth-gateway/internal/core/config"
	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/redis/go-redis/v9"
)

func Connect() (*redis.Client, error) {
	cfg := config.LoadConfig()

	retryCount := 5
	retryDelay := 5 * time.Second

	for i := 0; i < retryCount; i++ {
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
		})

		err := client.Ping(context.Background()).Err()
		if err == nil {
			i++
			message := fmt.Sprintf("Connected to Redis on attempt %d/%d", i, retryCount)
			logs.Info(message)
			return client, nil
		}
		i++
		message := fmt.Sprintf("Failed to connect to Redis. Attempt %d/%d. Error: %v", i, retryCount, err)
		logs.Error(message)
		time.Sleep(retryDelay)
	}

	message := fmt.Sprintf("Failed to connect to Redis after %d attempts. Exiting...", retryCount)
	logs.Error(message)
	return nil, errors.New(message)
}

func Cleanup(ctx context.Context, client *redis.Client) {
	if client == nil {
		return
	}
	_ = client.Close()
}

// SaveJSON stores any JSON-serializable value at the provided key. Used to
// publish the pool snapshot where other replicas and dashboards can read it.
func SaveJSON(ctx context.Context, client *redis.Client, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, b, ttl).Err()
}

// AcquireProbeLock attempts to acquire a distributed lock so only one
// gateway replica probes backoff credentials at a time.
// Returns whether the lock was acquired, a release function, and any error.
// The lock carries a 300-second TTL to prevent deadlocks if a replica crashes.
// If the lock is not acquired, the release function is nil.
func AcquireProbeLock(ctx context.Context, client *redis.Client, lockKey string) (bool, func(), error) {
	lockAcquired, err := client.SetNX(ctx, lockKey, time.Now().UnixMilli(), 300*time.Second).Result()
	if err != nil {
		return false, nil, err
	}
	if !lockAcquired {
		return false, nil, nil
	}

	cleanup := func() {
		_ = client.Del(ctx, lockKey).Err()
	}
	return true, cleanup, nil
}
