// Package ratelimit enforces connection, message, recipient and
// authentication rate limits with Redis-backed windowed counters.
// Counters are plain INCR+EXPIRE keys; the TTL defines the window.
// Redis being unreachable fails open: rate limiting protects capacity,
// it must not turn an outage into a mail outage.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes. The identifier is an IP for connection and auth limits
// and a username or IP for message limits.
const (
	connPrefix    = "smtp:ratelimit:conn:"
	hourPrefix    = "smtp:ratelimit:hour:"
	dayPrefix     = "smtp:ratelimit:day:"
	authPrefix    = "smtp:ratelimit:auth:"
	failurePrefix = "smtp:failures:"
	blockedPrefix = "smtp:blocked:"
)

// Counter windows.
const (
	connWindow = time.Minute
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
	authWindow = 15 * time.Minute
)

// Limits for unauthenticated senders, deliberately stricter than the
// configured authenticated limits.
const (
	unauthHourlyLimit = 50
	unauthDailyLimit  = 200
)

// Failure thresholds and the block durations they trigger.
const (
	bounceBlockThreshold = 10
	bounceBlockDuration  = time.Hour
	spamBlockThreshold   = 3
	spamBlockDuration    = 24 * time.Hour
)

// Config carries the configurable limits.
type Config struct {
	MaxConnectionRate  int
	MaxMessagesPerHour int
	MaxMessagesPerDay  int
	MaxAuthAttempts    int
}

// Limiter is a Redis-backed rate limiter.
type Limiter struct {
	rdb *redis.Client
	cfg Config
}

// New creates a Limiter over the given Redis client.
func New(rdb *redis.Client, cfg Config) *Limiter {
	return &Limiter{rdb: rdb, cfg: cfg}
}

// AllowConnection reports whether ip may open another connection within
// the per-minute window, counting this one.
func (l *Limiter) AllowConnection(ctx context.Context, ip string) bool {
	key := connPrefix + ip
	count, err := l.rdb.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return true
	}
	if count >= l.cfg.MaxConnectionRate {
		return false
	}
	l.incrWithTTL(ctx, key, connWindow)
	return true
}

// AllowMessage reports whether identifier may send another message,
// counting it against both the hourly and daily windows when allowed.
func (l *Limiter) AllowMessage(ctx context.Context, identifier string, authenticated bool) bool {
	hourlyLimit, dailyLimit := unauthHourlyLimit, unauthDailyLimit
	if authenticated {
		hourlyLimit, dailyLimit = l.cfg.MaxMessagesPerHour, l.cfg.MaxMessagesPerDay
	}

	if l.count(ctx, hourPrefix+identifier) >= hourlyLimit {
		return false
	}
	if l.count(ctx, dayPrefix+identifier) >= dailyLimit {
		return false
	}

	l.incrWithTTL(ctx, hourPrefix+identifier, hourWindow)
	l.incrWithTTL(ctx, dayPrefix+identifier, dayWindow)
	return true
}

// AllowAuthAttempt reports whether ip may attempt authentication,
// counting the attempt.
func (l *Limiter) AllowAuthAttempt(ctx context.Context, ip string) bool {
	key := authPrefix + ip
	if l.count(ctx, key) >= l.cfg.MaxAuthAttempts {
		return false
	}
	l.incrWithTTL(ctx, key, authWindow)
	return true
}

// RecordFailure counts a bounce or spam report against identifier over
// a 24 hour window and applies a temporary block when the threshold is
// crossed: more than 10 bounces block for an hour, more than 3 spam
// reports block for a day.
func (l *Limiter) RecordFailure(ctx context.Context, identifier, failureType string) error {
	key := failurePrefix + failureType + ":" + identifier
	l.incrWithTTL(ctx, key, dayWindow)

	count := l.count(ctx, key)
	switch {
	case failureType == "bounce" && count > bounceBlockThreshold:
		return l.Block(ctx, identifier, bounceBlockDuration)
	case failureType == "spam" && count > spamBlockThreshold:
		return l.Block(ctx, identifier, spamBlockDuration)
	}
	return nil
}

// Block blocks an identifier for the given duration.
func (l *Limiter) Block(ctx context.Context, identifier string, duration time.Duration) error {
	if err := l.rdb.SetEx(ctx, blockedPrefix+identifier, "1", duration).Err(); err != nil {
		return fmt.Errorf("ratelimit: blocking %s: %w", identifier, err)
	}
	return nil
}

// IsBlocked reports whether identifier currently has a temporary block.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) bool {
	err := l.rdb.Get(ctx, blockedPrefix+identifier).Err()
	return err == nil
}

// Usage describes the current consumption of one window.
type Usage struct {
	Limit     int
	Used      int
	Remaining int
}

// Limits reports the current hourly and daily usage for an identifier.
func (l *Limiter) Limits(ctx context.Context, identifier string, authenticated bool) (hourly, daily Usage, blocked bool) {
	hourlyLimit, dailyLimit := unauthHourlyLimit, unauthDailyLimit
	if authenticated {
		hourlyLimit, dailyLimit = l.cfg.MaxMessagesPerHour, l.cfg.MaxMessagesPerDay
	}

	hourly = usage(hourlyLimit, l.count(ctx, hourPrefix+identifier))
	daily = usage(dailyLimit, l.count(ctx, dayPrefix+identifier))
	return hourly, daily, l.IsBlocked(ctx, identifier)
}

func usage(limit, used int) Usage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Limit: limit, Used: used, Remaining: remaining}
}

func (l *Limiter) count(ctx context.Context, key string) int {
	count, err := l.rdb.Get(ctx, key).Int()
	if err != nil {
		return 0
	}
	return count
}

// incrWithTTL bumps a counter and refreshes its window in a single
// round trip.
func (l *Limiter) incrWithTTL(ctx context.Context, key string, ttl time.Duration) {
	pipe := l.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	_, _ = pipe.Exec(ctx)
}
