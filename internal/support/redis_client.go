package support

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisNotConfigured is returned when REDIS_URL is unset. Redis is
// optional: leader election, config sync and the audit stream switch off.
var ErrRedisNotConfigured = errors.New("redis not configured")

var (
	redisMu     sync.Mutex
	redisClient *redis.Client
)

func GetRedisClient() (*redis.Client, error) {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient != nil {
		return redisClient, nil
	}

	redisURL := GetEnv("REDIS_URL", "")
	if redisURL == "" {
		return nil, ErrRedisNotConfigured
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	redisClient = client
	return redisClient, nil
}

// OptionalRedisClient returns the shared client, or nil when Redis is not
// configured. Connection failures are still reported.
func OptionalRedisClient() (*redis.Client, error) {
	client, err := GetRedisClient()
	if errors.Is(err, ErrRedisNotConfigured) {
		return nil, nil
	}
	return client, err
}

func CloseRedisClient() error {
	redisMu.Lock()
	defer redisMu.Unlock()

	if redisClient == nil {
		return nil
	}

	err := redisClient.Close()
	redisClient = nil
	return err
}
