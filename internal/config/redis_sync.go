package config

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisConfigKey     = "backbone:config:settings"
	redisConfigChannel = "backbone:config:updates"
	redisOpTimeout     = 5 * time.Second
)

// configEnvelope tags a broadcast with the publishing instance so it can skip
// its own echo.
type configEnvelope struct {
	Origin   string `json:"origin"`
	Settings Config `json:"settings"`
}

type redisSyncState struct {
	mu     sync.RWMutex
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	origin string
}

var globalRedisSync redisSyncState

// EnableRedisSynchronization loads the shared settings from Redis (or seeds
// Redis with the local ones) and follows later updates from other instances.
func EnableRedisSynchronization(ctx context.Context, client *redis.Client) {
	if client == nil {
		log.Warn("Config synchronization disabled: redis client is nil")
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	syncCtx, cancel := context.WithCancel(ctx)

	globalRedisSync.mu.Lock()
	if globalRedisSync.client != nil {
		globalRedisSync.mu.Unlock()
		cancel()
		return
	}

	globalRedisSync.client = client
	globalRedisSync.ctx = syncCtx
	globalRedisSync.cancel = cancel
	globalRedisSync.origin = newOriginID()
	globalRedisSync.mu.Unlock()

	loaded, err := loadConfigFromRedis(syncCtx, client)
	if err != nil {
		log.Error("Config sync: failed to load configuration from redis", "error", err)
	}

	if !loaded {
		payload, err := json.Marshal(GetConfig())
		if err != nil {
			log.Error("Config sync: failed to serialize configuration for redis", "error", err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Config sync: failed to publish configuration to redis", "error", err)
		}
	}

	go subscribeToConfigUpdates(syncCtx, client)
}

// DisableRedisSynchronization stops following remote updates.
func DisableRedisSynchronization() {
	globalRedisSync.mu.Lock()
	defer globalRedisSync.mu.Unlock()

	if globalRedisSync.cancel != nil {
		globalRedisSync.cancel()
	}
	globalRedisSync.client = nil
	globalRedisSync.ctx = nil
	globalRedisSync.cancel = nil
}

func loadConfigFromRedis(ctx context.Context, client *redis.Client) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	payload, err := client.Get(opCtx, redisConfigKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return true, err
	}

	if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
		return true, err
	}

	return true, nil
}

func subscribeToConfigUpdates(ctx context.Context, client *redis.Client) {
	pubsub := client.Subscribe(ctx, redisConfigChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Config sync: subscription error", "error", err)
			time.Sleep(time.Second)
			continue
		}

		cfg, fromSelf, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			log.Error("Config sync: invalid payload", "error", err)
			continue
		}
		if fromSelf {
			continue
		}

		if err := applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, source: "redis"}); err != nil {
			log.Error("Config sync: failed to apply remote update", "error", err)
		}
	}
}

func decodeEnvelope(payload []byte) (Config, bool, error) {
	envelope := configEnvelope{Settings: DefaultConfig()}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Config{}, false, err
	}

	globalRedisSync.mu.RLock()
	origin := globalRedisSync.origin
	globalRedisSync.mu.RUnlock()

	return envelope.Settings, origin != "" && envelope.Origin == origin, nil
}

// broadcastConfigUpdate stores the settings under the shared key and
// publishes them wrapped in an envelope. No-op without a client.
func broadcastConfigUpdate(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	globalRedisSync.mu.RLock()
	client := globalRedisSync.client
	baseCtx := globalRedisSync.ctx
	origin := globalRedisSync.origin
	globalRedisSync.mu.RUnlock()

	if client == nil {
		return nil
	}

	ctx := baseCtx
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	message, err := json.Marshal(struct {
		Origin   string          `json:"origin"`
		Settings json.RawMessage `json:"settings"`
	}{Origin: origin, Settings: payload})
	if err != nil {
		return err
	}

	pipe := client.TxPipeline()
	pipe.Set(opCtx, redisConfigKey, payload, 0)
	pipe.Publish(opCtx, redisConfigChannel, message)
	_, err = pipe.Exec(opCtx)
	return err
}

func newOriginID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return time.Now().UTC().Format(time.RFC3339Nano)
	}
	return hex.EncodeToString(buf)
}
