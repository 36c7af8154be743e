// Package queue implements the durable delivery queue on Redis. A
// sorted set holds ready messages keyed by priority, a plain set tracks
// messages currently being delivered, and a second sorted set schedules
// retries keyed by the unix time they become due. Members are the
// Message-ID of the stored message; the message body itself lives in
// the store.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys shared by every queue instance.
const (
	readyKey      = "smtp:queue:messages"
	processingKey = "smtp:queue:processing"
	retryKey      = "smtp:queue:retry"
)

// Priorities. Lower score pops first; retries are promoted behind fresh
// mail so a backlogged retry burst cannot starve new submissions.
const (
	DefaultPriority = 5
	RetryPriority   = 10
)

// retryDelays is the backoff schedule indexed by attempt number:
// 5m, 15m, 45m, 2h, 6h, 12h, 24h.
var retryDelays = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	45 * time.Minute,
	2 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// RetryDelay returns the backoff delay before the given attempt number
// is retried. Attempts beyond the schedule reuse the final delay.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryDelays) {
		attempt = len(retryDelays)
	}
	return retryDelays[attempt-1]
}

// Queue is the Redis-backed delivery queue.
type Queue struct {
	rdb *redis.Client
}

// New creates a Queue over the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue adds a message to the ready queue at the given priority.
func (q *Queue) Enqueue(ctx context.Context, messageID string, priority int) error {
	err := q.rdb.ZAdd(ctx, readyKey, redis.Z{Score: float64(priority), Member: messageID}).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueueing %s: %w", messageID, err)
	}
	return nil
}

// dequeueScript pops ready messages and adds them to the processing
// set in one atomic step, so a crash between the two cannot strand a
// message outside both sets. ZPOPMIN returns a flat member/score list.
var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], ARGV[1])
local ids = {}
for i = 1, #popped, 2 do
	ids[#ids + 1] = popped[i]
	redis.call('SADD', KEYS[2], popped[i])
end
return ids
`)

// Dequeue pops up to count ready messages in priority order and moves
// them to the processing set.
func (q *Queue) Dequeue(ctx context.Context, count int) ([]string, error) {
	ids, err := dequeueScript.Run(ctx, q.rdb, []string{readyKey, processingKey}, count).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue: dequeueing: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// RequeueFailed moves a message from processing to the retry schedule,
// due after the given delay.
func (q *Queue) RequeueFailed(ctx context.Context, messageID string, delay time.Duration) error {
	if err := q.rdb.SRem(ctx, processingKey, messageID).Err(); err != nil {
		return fmt.Errorf("queue: releasing %s: %w", messageID, err)
	}
	due := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, retryKey, redis.Z{Score: due, Member: messageID}).Err(); err != nil {
		return fmt.Errorf("queue: scheduling retry of %s: %w", messageID, err)
	}
	return nil
}

// MarkCompleted removes a message from the processing set once its
// delivery has reached a terminal outcome.
func (q *Queue) MarkCompleted(ctx context.Context, messageID string) error {
	if err := q.rdb.SRem(ctx, processingKey, messageID).Err(); err != nil {
		return fmt.Errorf("queue: completing %s: %w", messageID, err)
	}
	return nil
}

// PromoteRetries moves every message whose retry time has arrived back
// to the ready queue at retry priority. It returns how many messages
// were promoted.
func (q *Queue) PromoteRetries(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: listing due retries: %w", err)
	}

	for _, id := range due {
		if err := q.rdb.ZRem(ctx, retryKey, id).Err(); err != nil {
			return 0, fmt.Errorf("queue: removing %s from retry schedule: %w", id, err)
		}
		if err := q.Enqueue(ctx, id, RetryPriority); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// InFlight returns the members of the processing set.
func (q *Queue) InFlight(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, processingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: listing in-flight messages: %w", err)
	}
	return ids, nil
}

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Ready      int64
	Processing int64
	Retry      int64
}

// Total returns the number of messages anywhere in the queue.
func (s Stats) Total() int64 {
	return s.Ready + s.Processing + s.Retry
}

// Stats reports the current depth of each queue segment.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.rdb.ZCard(ctx, readyKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: reading ready depth: %w", err)
	}
	processing, err := q.rdb.SCard(ctx, processingKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: reading processing depth: %w", err)
	}
	retry, err := q.rdb.ZCard(ctx, retryKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue: reading retry depth: %w", err)
	}
	return Stats{Ready: ready, Processing: processing, Retry: retry}, nil
}
