// Package throttle limits how often and how concurrently devices may pull.
//
// Redis-backed limiters share their budget across API instances and fall back
// to the in-process limiter when Redis is unavailable.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Decision is the outcome of one Allow call. RetryAfter is set when the
// request was rejected.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config is a budget of Limit requests per Window for each key.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 120
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// LocalLimiter keeps one token bucket per key. The bucket refills at
// Limit/Window and holds at most Limit tokens.
type LocalLimiter struct {
	cfg      Config
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func NewLocalLimiter(cfg Config) *LocalLimiter {
	return &LocalLimiter{cfg: cfg.withDefaults(), limiters: map[string]*rate.Limiter{}}
}

func (l *LocalLimiter) get(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[key]; ok {
		return lim
	}
	every := l.cfg.Window / time.Duration(l.cfg.Limit)
	lim = rate.NewLimiter(rate.Every(every), l.cfg.Limit)
	l.limiters[key] = lim
	return lim
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	lim := l.get(key)
	if lim.Allow() {
		return Decision{Allowed: true}, nil
	}
	r := lim.Reserve()
	delay := r.Delay()
	r.Cancel()
	return Decision{RetryAfter: delay}, nil
}

// fixedWindowScript counts requests in the current window.
//
// KEYS[1] = counter key
// ARGV[1] = limit (int)
// ARGV[2] = window_ms (int)
//
// Returns {allowed (1|0), pttl_ms}.
var fixedWindowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return {0, ttl}
end
return {1, ttl}
`)

// RedisLimiter is a fixed-window counter shared by every API instance.
type RedisLimiter struct {
	rdb      *redis.Client
	cfg      Config
	fallback *LocalLimiter
	log      *slog.Logger
}

func NewRedisLimiter(rdb *redis.Client, cfg Config, log *slog.Logger) *RedisLimiter {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &RedisLimiter{rdb: rdb, cfg: cfg, fallback: NewLocalLimiter(cfg), log: log}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindowScript.Run(ctx, r.rdb, []string{"throttle:" + key}, r.cfg.Limit, r.cfg.Window.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = fmt.Errorf("throttle: unexpected script reply %v", res)
	}
	if err != nil {
		r.log.Warn("redis limiter failed, using local fallback", "key", key, "err", err)
		return r.fallback.Allow(ctx, key)
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}
