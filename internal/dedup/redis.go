package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Sammy-Dabbas/ad-processing-pipeline/internal/config"
)

const keyNamespace = "adp:dedup:"

type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard shares dedup state between consumer instances through SETNX
// keys that expire with the retention horizon
type RedisGuard struct {
	store     setNXer
	retention time.Duration
	failOpen  bool
	log       *zap.Logger
}

// NewRedisClient builds a go-redis client from the URL or address and verifies connectivity
func NewRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	default:
		return nil, errors.New("redis url or address is required")
	}

	if opts.PoolSize == 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewRedisGuard creates a guard. With failOpen a Redis error lets the
// event through as Unique; otherwise the error is returned.
func NewRedisGuard(store setNXer, retention time.Duration, failOpen bool, log *zap.Logger) *RedisGuard {
	return &RedisGuard{
		store:     store,
		retention: retention,
		failOpen:  failOpen,
		log:       log,
	}
}

// CheckAndMark claims the key in Redis
func (g *RedisGuard) CheckAndMark(ctx context.Context, key string) (Result, error) {
	claimed, err := g.store.SetNX(ctx, keyNamespace+key, 1, g.retention).Result()
	if err != nil {
		if g.failOpen {
			g.log.Warn("Redis dedup check failed, accepting event", zap.String("event_id", key), zap.Error(err))
			return Unique, nil
		}
		return Unique, fmt.Errorf("redis dedup check: %w", err)
	}
	if !claimed {
		return Duplicate, nil
	}
	return Unique, nil
}

// Release drops a claim so a redelivered event is not taken for a duplicate
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return g.store.Del(ctx, keyNamespace+key).Err()
}

// Tiered consults the local filter first and the shared guard only for
// keys the local filter has not seen
type Tiered struct {
	local *Filter
	guard *RedisGuard
}

// NewTiered combines a local filter with an optional guard
func NewTiered(local *Filter, guard *RedisGuard) *Tiered {
	return &Tiered{local: local, guard: guard}
}

// CheckAndMark implements the two-tier check
func (t *Tiered) CheckAndMark(ctx context.Context, key string) (Result, error) {
	res, err := t.local.CheckAndMark(key)
	if err != nil || res == Duplicate || t.guard == nil {
		return res, err
	}
	res, err = t.guard.CheckAndMark(ctx, key)
	if err != nil {
		t.local.Forget(key)
	}
	return res, err
}

// Forget undoes CheckAndMark for a key whose event was not accepted
func (t *Tiered) Forget(ctx context.Context, key string) error {
	t.local.Forget(key)
	if t.guard == nil {
		return nil
	}
	return t.guard.Release(ctx, key)
}

// Local returns the in-process filter
func (t *Tiered) Local() *Filter {
	return t.local
}
