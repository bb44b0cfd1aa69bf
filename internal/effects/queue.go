package effects

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"refurb-tracker/internal/config"
)

// Queue coordinates ready, in-flight, and scheduled side-effect tasks in
// Redis. Only effect ids travel through Redis; the durable effect record
// lives in Postgres.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	dlqKey        string
	visibilityTTL time.Duration
}

// NewQueue builds a queue client from config.
func NewQueue(cfg config.Config) *Queue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:        client,
		readyKey:      "effects:ready",
		inflightKey:   "effects:inflight",
		scheduledKey:  "effects:scheduled",
		dlqKey:        cfg.EffectDLQName,
		visibilityTTL: visibility,
	}
}

// NewQueueWithClient is used by tests to point the queue at miniredis.
func NewQueueWithClient(client *redis.Client, visibility time.Duration) *Queue {
	return &Queue{
		client:        client,
		readyKey:      "effects:ready",
		inflightKey:   "effects:inflight",
		scheduledKey:  "effects:scheduled",
		dlqKey:        "effects:dlq",
		visibilityTTL: visibility,
	}
}

// Enqueue makes an effect available to workers immediately.
func (q *Queue) Enqueue(ctx context.Context, effectID string) error {
	return q.client.RPush(ctx, q.readyKey, effectID).Err()
}

// Schedule defers an effect until runAt (used for retry backoff).
func (q *Queue) Schedule(ctx context.Context, effectID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: effectID,
	}).Err()
}

// PromoteScheduled moves due scheduled effects into the ready queue and
// returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops the next ready effect and places it into inflight
// with a visibility deadline. Returns "" when the queue is empty.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight effect.
func (q *Queue) ExtendLease(ctx context.Context, effectID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: effectID,
	}).Err()
}

// Ack removes a finished effect from in-flight tracking.
func (q *Queue) Ack(ctx context.Context, effectID string) error {
	return q.client.ZRem(ctx, q.inflightKey, effectID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the effects.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush parks an exhausted effect for operational inspection.
func (q *Queue) DLQPush(ctx context.Context, effectID string) error {
	return q.client.RPush(ctx, q.dlqKey, effectID).Err()
}

// DLQPeek reads the oldest dead-lettered effect ids.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
