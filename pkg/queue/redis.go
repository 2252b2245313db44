package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/cadencehq/cadence/pkg/models"
)

const (
	// DeliveryStream is the Redis stream consumed by the delivery workers.
	DeliveryStream = "cadence:deliveries"

	idempotencyPrefix = "cadence:deliveries:idem:"
	idempotencyTTL    = 24 * time.Hour
)

// RedisQueue publishes delivery jobs onto a Redis stream, deduplicating on
// the idempotency key with a SETNX guard.
type RedisQueue struct {
	client redis.UniversalClient
	stream string
}

func NewRedisQueue(ctx context.Context, url string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client, stream: DeliveryStream}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, send *models.SendRecord) error {
	claimed, err := q.client.SetNX(ctx, idempotencyPrefix+send.IdempotencyKey, send.ID, idempotencyTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}

	if !claimed {
		return nil
	}

	payload, err := json.Marshal(send)
	if err != nil {
		return fmt.Errorf("failed to encode delivery job: %w", err)
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{
			"send_id":         send.ID,
			"idempotency_key": send.IdempotencyKey,
			"channel":         send.Channel,
			"payload":         string(payload),
		},
	}).Err()
	if err != nil {
		// The key reservation must not outlive a failed enqueue, or the
		// job would be lost for the TTL window.
		q.client.Del(ctx, idempotencyPrefix+send.IdempotencyKey)

		return fmt.Errorf("failed to enqueue delivery job: %w", err)
	}

	return nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
