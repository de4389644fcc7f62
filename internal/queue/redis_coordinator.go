package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"approval-workflow-engine/internal/config"
)

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisCoordinator coordinates outbox delivery across dispatcher processes:
// per-request delivery locks keep one in-flight attempt per request, and a
// dead-letter list mirrors DEAD_LETTER rows for operational inspection.
type RedisCoordinator struct {
	client     *redis.Client
	lockPrefix string
	dlqKey     string
}

// NewRedisCoordinator wraps client using the configured DLQ key.
func NewRedisCoordinator(client *redis.Client, cfg config.Config) *RedisCoordinator {
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "outbox:dlq"
	}
	return &RedisCoordinator{
		client:     client,
		lockPrefix: "outbox:lock:",
		dlqKey:     dlq,
	}
}

func (q *RedisCoordinator) lockKey(requestID string) string {
	return q.lockPrefix + requestID
}

// AcquireRequestLock claims the delivery slot for requestID. token must be
// unique per holder; the lock lapses after ttl if never released.
func (q *RedisCoordinator) AcquireRequestLock(ctx context.Context, requestID, token string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, q.lockKey(requestID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire request lock: %w", err)
	}
	return ok, nil
}

// ReleaseRequestLock drops the lock only if token still holds it.
func (q *RedisCoordinator) ReleaseRequestLock(ctx context.Context, requestID, token string) error {
	if err := releaseScript.Run(ctx, q.client, []string{q.lockKey(requestID)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release request lock: %w", err)
	}
	return nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisCoordinator) DLQPush(ctx context.Context, outboxID string) error {
	return q.client.RPush(ctx, q.dlqKey, outboxID).Err()
}

// DLQPeek reads the oldest dead-lettered outbox IDs.
func (q *RedisCoordinator) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// DLQRemove drops every occurrence of outboxID, used after a replay.
func (q *RedisCoordinator) DLQRemove(ctx context.Context, outboxID string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, outboxID).Err()
}

// DLQDepth returns the dead-letter list length.
func (q *RedisCoordinator) DLQDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey).Result()
}

// Ping checks connectivity for health probes.
func (q *RedisCoordinator) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
