package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(rdb, Config{
		MaxConnectionRate:  3,
		MaxMessagesPerHour: 10,
		MaxMessagesPerDay:  20,
		MaxAuthAttempts:    3,
	}), mr
}

func TestAllowConnection(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.AllowConnection(ctx, "203.0.113.5") {
			t.Fatalf("connection %d should be allowed", i+1)
		}
	}
	if l.AllowConnection(ctx, "203.0.113.5") {
		t.Error("4th connection in the window should be refused")
	}

	// A different IP has its own window.
	if !l.AllowConnection(ctx, "203.0.113.6") {
		t.Error("other IP should be allowed")
	}
}

func TestConnectionWindowExpires(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.AllowConnection(ctx, "203.0.113.5")
	}
	if l.AllowConnection(ctx, "203.0.113.5") {
		t.Fatal("should be refused before window expiry")
	}

	mr.FastForward(61 * time.Second)
	if !l.AllowConnection(ctx, "203.0.113.5") {
		t.Error("should be allowed after the window expires")
	}
}

func TestAllowMessageAuthenticatedLimits(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if !l.AllowMessage(ctx, "alice", true) {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	if l.AllowMessage(ctx, "alice", true) {
		t.Error("11th message should exceed the hourly limit")
	}
}

func TestAllowMessageUnauthenticatedLimits(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	// Unauthenticated senders get 50/hour and 200/day regardless of
	// the configured limits.
	for i := 0; i < 50; i++ {
		if !l.AllowMessage(ctx, "203.0.113.5", false) {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}
	if l.AllowMessage(ctx, "203.0.113.5", false) {
		t.Error("51st unauthenticated message should be refused")
	}

	// After the hourly window rolls over the daily cap still applies.
	for hour := 0; hour < 3; hour++ {
		mr.FastForward(time.Hour + time.Second)
		for i := 0; i < 50; i++ {
			if !l.AllowMessage(ctx, "203.0.113.5", false) {
				t.Fatalf("hour %d message %d should be allowed", hour, i+1)
			}
		}
	}
	mr.FastForward(time.Hour + time.Second)
	if l.AllowMessage(ctx, "203.0.113.5", false) {
		t.Error("201st message in the day should be refused")
	}
}

func TestAllowAuthAttempt(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !l.AllowAuthAttempt(ctx, "203.0.113.5") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if l.AllowAuthAttempt(ctx, "203.0.113.5") {
		t.Error("4th auth attempt should be refused")
	}
}

func TestRecordFailureBounceBlock(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		if err := l.RecordFailure(ctx, "203.0.113.5", "bounce"); err != nil {
			t.Fatalf("RecordFailure() = %v", err)
		}
	}
	if !l.IsBlocked(ctx, "203.0.113.5") {
		t.Fatal("11 bounces in 24h should block")
	}

	// Bounce blocks last one hour.
	mr.FastForward(time.Hour + time.Second)
	if l.IsBlocked(ctx, "203.0.113.5") {
		t.Error("bounce block should expire after an hour")
	}
}

func TestRecordFailureSpamBlock(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.RecordFailure(ctx, "spammer", "spam")
	}
	if l.IsBlocked(ctx, "spammer") {
		t.Fatal("3 spam reports should not yet block")
	}
	l.RecordFailure(ctx, "spammer", "spam")
	if !l.IsBlocked(ctx, "spammer") {
		t.Fatal("4th spam report should block")
	}

	// Spam blocks last a day, not an hour.
	mr.FastForward(2 * time.Hour)
	if !l.IsBlocked(ctx, "spammer") {
		t.Error("spam block should still hold after 2 hours")
	}
	mr.FastForward(23 * time.Hour)
	if l.IsBlocked(ctx, "spammer") {
		t.Error("spam block should expire after 24 hours")
	}
}

func TestLimits(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.AllowMessage(ctx, "alice", true)
	}

	hourly, daily, blocked := l.Limits(ctx, "alice", true)
	if hourly.Used != 4 || hourly.Limit != 10 || hourly.Remaining != 6 {
		t.Errorf("hourly = %+v", hourly)
	}
	if daily.Used != 4 || daily.Limit != 20 {
		t.Errorf("daily = %+v", daily)
	}
	if blocked {
		t.Error("alice should not be blocked")
	}
}

func TestFailsOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, Config{MaxConnectionRate: 1, MaxMessagesPerHour: 1, MaxMessagesPerDay: 1, MaxAuthAttempts: 1})
	mr.Close()

	if !l.AllowConnection(context.Background(), "203.0.113.5") {
		t.Error("limiter must fail open when the backend is unreachable")
	}
	if !l.AllowMessage(context.Background(), "alice", true) {
		t.Error("limiter must fail open when the backend is unreachable")
	}
}
