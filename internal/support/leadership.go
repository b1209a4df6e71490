package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL   = 45 * time.Second
	leadershipRetryDelay   = time.Second
	renewalTimeout         = 5 * time.Second
	minRenewalInterval     = time.Second
	defaultRenewalFraction = 3
)

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// RunWithLeader runs fn only on the instance holding the Redis lock for key.
// The context handed to fn is cancelled when the lock is lost or ctx ends; the
// lock is renewed while fn runs and released when it returns, after which the
// instance competes for it again. Without a Redis client there is nobody to
// compete with and fn simply runs once with ctx.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		log.Debug("leader lock: no redis client, running unguarded", "key", key)
		fn(ctx)
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for ctx.Err() == nil {
		session, err := acquireLeaderSession(ctx, client, key, ttl)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warn("leader lock: failed to acquire", "key", key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				break
			}
			continue
		}

		log.Debug("leader lock: acquired", "key", key)
		fn(session.ctx)
		session.Close()
		log.Debug("leader lock: released", "key", key)

		if !sleepCtx(ctx, leadershipRetryDelay) {
			break
		}
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type leaderSession struct {
	client    *redis.Client
	key       string
	value     string
	ttl       time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

// acquireLeaderSession blocks until the lock for key is taken or ctx ends.
func acquireLeaderSession(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*leaderSession, error) {
	value := generateLeaderID()

	for {
		ok, err := client.SetNX(ctx, key, value, ttl).Result()
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.Warn("leader lock: setnx failed", "key", key, "error", err)
		case ok:
			sessionCtx, cancel := context.WithCancel(ctx)
			session := &leaderSession{
				client:    client,
				key:       key,
				value:     value,
				ttl:       ttl,
				ctx:       sessionCtx,
				cancel:    cancel,
				stopRenew: make(chan struct{}),
			}
			go session.renewLoop()
			return session, nil
		}

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (ls *leaderSession) Close() {
	ls.closeOnce.Do(func() {
		close(ls.stopRenew)
		ls.cancel()
		if err := ls.releaseLock(); err != nil {
			log.Warn("leader lock: release failed", "key", ls.key, "error", err)
		}
	})
}

func (ls *leaderSession) renewLoop() {
	interval := ls.ttl / defaultRenewalFraction
	if interval <= 0 {
		interval = minRenewalInterval
	}
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopRenew:
			return
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
			if err := ls.renewLock(); err != nil {
				log.Warn("leader lock: renewal failed", "key", ls.key, "error", err)
				ls.cancel()
				return
			}
		}
	}
}

func (ls *leaderSession) renewLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	ttlMs := ls.ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = DefaultLeadershipTTL.Milliseconds()
	}

	res, err := renewScript.Run(ctx, ls.client, []string{ls.key}, ls.value, ttlMs).Result()
	if err != nil {
		return err
	}

	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}

	return nil
}

func (ls *leaderSession) releaseLock() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, ls.client, []string{ls.key}, ls.value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func generateLeaderID() string {
	host, _ := os.Hostname()
	counter := leaderCounter.Add(1)
	return fmt.Sprintf("backbone-%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}
