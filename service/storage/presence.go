package storage

import (
	"context"
	"strconv"
	"time"

	errs "EProject/tools/errs"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Presence mirror and abuse cooldown flags. The gateway's in-memory state is
// authoritative; these keys exist so sibling services (and a restarted
// gateway) can read the last known truth.
//
// keys:
//   gw:presence:<user>  -> "1", while online
//   gw:lastseen:<user>  -> unix milli of the last offline edge
//   gw:cooldown:<user>  -> unix milli the cooldown expires at, TTL-bounded

func presenceKey(user string) string { return "gw:presence:" + user }
func lastSeenKey(user string) string { return "gw:lastseen:" + user }
func cooldownKey(user string) string { return "gw:cooldown:" + user }

type RedisPresence struct {
	rdb *goredis.Client
	ttl time.Duration // online key TTL, refreshed by edge writes (default 5m)
}

func NewRedisPresence(rdb *goredis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

func (p *RedisPresence) SetOnline(ctx context.Context, userID string) error {
	if err := p.rdb.Set(ctx, presenceKey(userID), "1", p.ttl).Err(); err != nil {
		return errs.WrapMsg(err, "presence online", "user", userID)
	}
	return nil
}

func (p *RedisPresence) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(userID))
	pipe.Set(ctx, lastSeenKey(userID), strconv.FormatInt(lastSeen.UnixMilli(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.WrapMsg(err, "presence offline", "user", userID)
	}
	return nil
}

// Lookup reports the mirrored state; redis.Nil means offline, not an error.
func (p *RedisPresence) Lookup(ctx context.Context, userID string) (bool, error) {
	_, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errs.WrapMsg(err, "presence lookup", "user", userID)
	}
	return true, nil
}

type RedisCooldown struct {
	rdb *goredis.Client
}

func NewRedisCooldown(rdb *goredis.Client) *RedisCooldown {
	return &RedisCooldown{rdb: rdb}
}

func (c *RedisCooldown) SetCooldown(ctx context.Context, userID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	val := strconv.FormatInt(until.UnixMilli(), 10)
	if err := c.rdb.Set(ctx, cooldownKey(userID), val, ttl).Err(); err != nil {
		return errs.WrapMsg(err, "cooldown set", "user", userID)
	}
	return nil
}

func (c *RedisCooldown) GetCooldown(ctx context.Context, userID string) (time.Time, error) {
	val, err := c.rdb.Get(ctx, cooldownKey(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errs.WrapMsg(err, "cooldown get", "user", userID)
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, errs.WrapMsg(err, "cooldown parse", "user", userID)
	}
	return time.UnixMilli(ms), nil
}
