// Package ratelimit throttles notification senders with a token bucket kept
// in Redis, so every API replica draws from the same budget.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "thumbdata:ratelimit"

// Decision is the outcome of one take.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

type Config struct {
	// Capacity is the burst size and the number of tokens restored per Window.
	Capacity  int
	Window    time.Duration
	KeyPrefix string
}

func (c Config) validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, errors.New("capacity must be positive"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	return errors.Join(errs...)
}

// Refill and take run atomically in one script. Returns
// {allowed, floor(tokens), retry_after_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill_per_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl_ms = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "timestamp")
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

tokens = math.min(capacity, tokens + math.max(0, now_ms - last) * refill_per_ms)

local allowed = 0
local wait_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - tokens) / refill_per_ms)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "timestamp", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {allowed, math.floor(tokens), wait_ms}
`)

type RedisTokenBucket struct {
	client      redis.UniversalClient
	cfg         Config
	refillPerMS float64
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, cfg Config) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:      client,
		cfg:         cfg,
		refillPerMS: float64(cfg.Capacity) / float64(max(cfg.Window.Milliseconds(), 1)),
		now:         time.Now,
	}, nil
}

// Allow takes one token for subject.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN takes cost tokens for subject, all or nothing. A cost above the
// capacity can never succeed and is rejected without touching Redis.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	limit := int64(l.cfg.Capacity)
	if cost <= 0 {
		return Decision{}, fmt.Errorf("cost must be positive, got %d", cost)
	}
	if cost > l.cfg.Capacity {
		return Decision{Limit: limit}, fmt.Errorf("cost %d exceeds capacity %d", cost, l.cfg.Capacity)
	}

	reply, err := takeScript.Run(ctx, l.client, []string{l.key(subject)},
		l.cfg.Capacity,
		l.refillPerMS,
		l.now().UTC().UnixMilli(),
		cost,
		(2 * l.cfg.Window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("token bucket script returned %d values", len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Limit:      limit,
		Remaining:  reply[1],
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.cfg.KeyPrefix + ":" + subject
}

// RetryAfterSeconds renders RetryAfter for the Retry-After header: whole
// seconds, at least one.
func (d Decision) RetryAfterSeconds() string {
	return strconv.Itoa(max(int(d.RetryAfter.Round(time.Second)/time.Second), 1))
}
