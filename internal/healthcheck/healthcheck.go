package healthcheck

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"backbone/internal/database"
)

const (
	checkTimeout = 5 * time.Second
	cacheKeyTTL  = 30 * time.Second
)

var ErrCacheNotConfigured = errors.New("healthcheck: cache is not configured")

type Check func(ctx context.Context) error

// Checker runs the service healthchecks.
type Checker struct {
	db    *gorm.DB
	redis func() (*redis.Client, error)
}

func New(db *gorm.DB, redisClient func() (*redis.Client, error)) *Checker {
	return &Checker{db: db, redis: redisClient}
}

func (c *Checker) Checks() map[string]Check {
	return map[string]Check{
		"api":        c.API,
		"database":   c.Database,
		"cache":      c.Cache,
		"migrations": c.Migrations,
	}
}

func (c *Checker) API(context.Context) error {
	return nil
}

// Database writes, reads and deletes a dummy row.
func (c *Checker) Database(ctx context.Context) error {
	if c.db == nil {
		return errors.New("healthcheck: database is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return database.CheckReadWrite(ctx, c.db, randomToken())
}

// Cache round-trips a short lived key through Redis.
func (c *Checker) Cache(ctx context.Context) error {
	if c.redis == nil {
		return ErrCacheNotConfigured
	}
	client, err := c.redis()
	if err != nil {
		return fmt.Errorf("healthcheck: cache client: %w", err)
	}
	if client == nil {
		return ErrCacheNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("healthcheck: cache ping: %w", err)
	}

	key := "backbone:healthcheck:" + randomToken()
	value := randomToken()
	if err := client.Set(ctx, key, value, cacheKeyTTL).Err(); err != nil {
		return fmt.Errorf("healthcheck: cache set: %w", err)
	}
	defer client.Del(context.WithoutCancel(ctx), key)

	got, err := client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("healthcheck: cache get: %w", err)
	}
	if got != value {
		return fmt.Errorf("healthcheck: cache returned %q, want %q", got, value)
	}
	return nil
}

// Migrations checks that every model table exists.
func (c *Checker) Migrations(context.Context) error {
	if c.db == nil {
		return errors.New("healthcheck: database is not configured")
	}
	if ok, missing := database.HasTables(c.db); !ok {
		return fmt.Errorf("healthcheck: missing tables %v", missing)
	}
	return nil
}

// All runs every check concurrently and joins the failures.
func (c *Checker) All(ctx context.Context) map[string]error {
	checks := c.Checks()
	results := make(map[string]error, len(checks))
	errs := make([]error, len(checks))
	names := make([]string, 0, len(checks))

	var g errgroup.Group
	i := 0
	for name, check := range checks {
		idx := i
		names = append(names, name)
		g.Go(func() error {
			errs[idx] = check(ctx)
			return nil
		})
		i++
	}
	_ = g.Wait()

	for idx, name := range names {
		results[name] = errs[idx]
	}
	return results
}

func randomToken() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
