// Package ratelimit provides Redis-backed rate limiting using the
// INCR + EXPIRE window algorithm, throttling per-user actions on the live
// channel (messages, typing bursts) and per-IP connection attempts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines one policy: the Redis key prefix, the maximum count allowed
// in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Default rules. Thresholds are policy knobs, not contract.
var (
	// RuleMessage allows 10 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// RuleTyping allows 30 typing signals per 10 seconds per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 30, Window: 10 * time.Second}

	// RuleConnect allows 10 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 10, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, log: log}
}

// Allow checks whether the identifier is within the rule's limit. It
// increments the counter and sets the expiry on first access. On Redis
// errors it fails open so an outage does not block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("ratelimit: INCR failed, failing open")
		return true, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("ratelimit: EXPIRE failed, failing open")
			// The counter has no TTL and would throttle the identifier
			// forever; best effort removal.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= rule.Limit, nil
}

// Remaining returns how many actions the identifier has left in the current
// window. Unknown keys and Redis errors report the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	if remaining := rule.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}
