// Package redisgate puts a Redis cache in front of a delivery.ReplayLog so
// repeated replays of the same dead letter are answered without a database
// round trip. The database stays the authority: Redis failures are logged and
// fall through, and only replays already committed to the log are cached.
package redisgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/velmie/delivery"
)

const (
	// DefaultPrefix is prepended to the original message id.
	DefaultPrefix = "replay:"
	// DefaultTTL bounds how long a replay id stays cached.
	DefaultTTL = 24 * time.Hour
)

// Config controls the cache keys and their lifetime.
type Config struct {
	Prefix string
	TTL    time.Duration
	Logger delivery.Logger
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.Logger == nil {
		c.Logger = delivery.NopLogger{}
	}

	return c
}

// Gate is a delivery.ReplayLog backed by another ReplayLog.
type Gate struct {
	log    delivery.ReplayLog
	client redis.Cmdable
	cfg    Config
}

var _ delivery.ReplayLog = (*Gate)(nil)

// New wraps log with a cache on client.
func New(log delivery.ReplayLog, client redis.Cmdable, cfg Config) *Gate {
	if log == nil || client == nil {
		panic("redisgate: replay log and redis client are required")
	}

	return &Gate{log: log, client: client, cfg: cfg.withDefaults()}
}

// RecordReplay answers from the cache when the original message is known to be
// replayed, and otherwise delegates to the wrapped log. A fresh record is not
// cached, since the caller's transaction may still roll back.
func (g *Gate) RecordReplay(ctx context.Context, exec delivery.Executor, req delivery.ReplayRequest) (delivery.ReplayResult, error) {
	if err := req.Validate(); err != nil {
		return delivery.ReplayResult{}, err
	}

	key := g.cfg.Prefix + req.OriginalMsgID
	if id, ok := g.cached(ctx, key); ok {
		return delivery.ReplayResult{AlreadyReplayed: true, ReplayID: id}, nil
	}

	result, err := g.log.RecordReplay(ctx, exec, req)
	if err != nil {
		return result, err
	}
	if result.AlreadyReplayed {
		if err := g.client.Set(ctx, key, result.ReplayID.String(), g.cfg.TTL).Err(); err != nil {
			g.cfg.Logger.Warn("delivery replay cache write failed", "key", key, "err", err)
		}
	}

	return result, nil
}

func (g *Gate) cached(ctx context.Context, key string) (uuid.UUID, bool) {
	value, err := g.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false
	}
	if err != nil {
		g.cfg.Logger.Warn("delivery replay cache read failed", "key", key, "err", err)

		return uuid.Nil, false
	}

	id, err := uuid.Parse(value)
	if err != nil {
		g.cfg.Logger.Warn("delivery replay cache holds invalid id", "key", key, "err", fmt.Errorf("parse %q: %w", value, err))

		return uuid.Nil, false
	}

	return id, true
}
