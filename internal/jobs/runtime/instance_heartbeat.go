package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"backbone/internal/app/version"
)

const (
	InstanceHeartbeatKeyPrefix = "backbone:instance:"
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultHeartbeatTTL        = 30 * time.Second

	scanBatchSize = 100
)

var instanceID = generateInstanceID()

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), time.Now().UnixNano())
}

// InstanceKey is the heartbeat key of the running process.
func InstanceKey(prefix string) string {
	return prefix + instanceID
}

// StartInstanceHeartbeat refreshes a short lived key until ctx ends so other
// instances can count the live ones. The key holds the build version.
func StartInstanceHeartbeat(ctx context.Context, client *redis.Client, keyPrefix string, interval, ttl time.Duration) {
	if client == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	heartbeatKey := InstanceKey(keyPrefix)
	value := version.Get().BuildVersion

	sendHeartbeat := func() {
		if err := client.SetEx(ctx, heartbeatKey, value, ttl).Err(); err != nil && ctx.Err() == nil {
			log.Error("Failed to update instance heartbeat", "key", heartbeatKey, "error", err)
		}
	}

	sendHeartbeat()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = client.Del(cleanupCtx, heartbeatKey).Err()
			cancel()
			return
		case <-ticker.C:
			sendHeartbeat()
		}
	}
}

func LaunchInstanceHeartbeat(parent context.Context, client *redis.Client) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	go StartInstanceHeartbeat(ctx, client, InstanceHeartbeatKeyPrefix, DefaultHeartbeatInterval, DefaultHeartbeatTTL)
	return cancel
}

// CountActiveInstances counts heartbeat keys. Without Redis only this process
// is known.
func CountActiveInstances(ctx context.Context, client *redis.Client) (int, error) {
	if client == nil {
		return 1, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	count := 0
	iter := client.Scan(ctx, 0, InstanceHeartbeatKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return count, nil
}
