// Package ratelimit provides Redis-backed fixed-window rate limiting for
// operator-initiated sends. A window starts at the first request and the
// counter expires with it, so limits hold across guard instances.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Standard rules.
var (
	// RuleSendText allows 20 operator messages per minute per tenant.
	RuleSendText = Rule{Key: "rl:send:", Limit: 20, Window: time.Minute}

	// RuleBroadcast allows 2 broadcasts per 10 minutes per tenant.
	RuleBroadcast = Rule{Key: "rl:broadcast:", Limit: 2, Window: 10 * time.Minute}
)

// incrLua increments the counter and starts the window on the first hit in
// one round trip, so a crash between the two steps cannot leave a counter
// without expiry.
//
// KEYS[1] = counter, ARGV[1] = window (ms)
const incrLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	script *redis.Script
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		client: client,
		script: redis.NewScript(incrLua),
		logger: logger.Named("ratelimit"),
	}
}

// Allow counts one request for identifier under rule and reports whether it
// is within the limit. On Redis errors it fails open and returns the error
// alongside true.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.script.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn("redis error, failing open", zap.String("key", key), zap.Error(err))
		return true, err
	}
	return count <= int64(rule.Limit), nil
}

// Remaining returns how many requests identifier has left in the current
// window. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn("redis error, failing open", zap.String("key", key), zap.Error(err))
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns how long until identifier's window resets. Zero means
// no window is open.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl < 0 {
		return 0
	}
	return ttl
}
