// Package ratelimit provides Redis-backed fixed-window counters for
// throttling message sends per user and socket connects per address.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, the maximum
// number of hits in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 30 socket connects per minute per address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client  *redis.Client
	message Rule
	connect Rule
	log     zerolog.Logger
}

// NewLimiter creates a Limiter with the given message rule and the default
// connect rule.
func NewLimiter(client *redis.Client, message Rule, log zerolog.Logger) *Limiter {
	return &Limiter{
		client:  client,
		message: message,
		connect: RuleConnect,
		log:     log.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow reports whether userID may send another message. It satisfies the
// chat service's throttle.
func (l *Limiter) Allow(ctx context.Context, userID int64) (bool, error) {
	return l.hit(ctx, strconv.FormatInt(userID, 10), l.message)
}

// AllowConnect reports whether addr may open another socket connection.
func (l *Limiter) AllowConnect(ctx context.Context, addr string) (bool, error) {
	return l.hit(ctx, addr, l.connect)
}

// hit increments the window counter and sets its expiry on first use in the
// same round trip. Redis errors fail open: the hit is allowed and the error
// returned for logging.
func (l *Limiter) hit(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	var incr *redis.IntCmd
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, rule.Window)
		return nil
	})
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("redis error, failing open")
		return true, fmt.Errorf("ratelimit: %s: %w", key, err)
	}
	return incr.Val() <= int64(rule.Limit), nil
}
