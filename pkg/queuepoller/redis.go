package queuepoller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-pollbuffer/pkg/types"
	"github.com/rs/zerolog"
)

// RedisQueueConfig holds configuration for the Redis list queue.
type RedisQueueConfig struct {
	Addr     string `yaml:"addr"`     // e.g., "localhost:6379"
	Password string `yaml:"password"` // Leave empty if no password
	DB       int    `yaml:"db"`
	// QueueKey is the list messages are pushed onto. Received messages are
	// parked on QueueKey+":processing" until deleted.
	QueueKey string `yaml:"queue_key"`
	// WaitTime is how long Receive blocks waiting for the first message.
	WaitTime time.Duration `yaml:"wait_time"`
}

// redisEnvelope is the JSON structure stored in the Redis lists.
type redisEnvelope struct {
	ID          string            `json:"id"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishedAt time.Time         `json:"publishedAt"`
}

// RedisQueue is a reliable queue on two Redis lists. Receive moves entries
// from the queue list to a processing list; Delete removes them from it.
// Entries left on the processing list by a crash can be put back with
// RecoverInFlight.
type RedisQueue struct {
	client        *redis.Client
	queueKey      string
	processingKey string
	waitTime      time.Duration
	logger        zerolog.Logger
}

// NewRedisQueue connects to Redis and returns a queue on cfg.QueueKey.
func NewRedisQueue(ctx context.Context, cfg *RedisQueueConfig, logger zerolog.Logger) (*RedisQueue, error) {
	if cfg.QueueKey == "" {
		return nil, errors.New("queue key is required for Redis queue")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Str("queue_key", cfg.QueueKey).Msg("Successfully connected to Redis for queue")

	waitTime := cfg.WaitTime
	if waitTime <= 0 {
		waitTime = 5 * time.Second
	}
	return &RedisQueue{
		client:        rdb,
		queueKey:      cfg.QueueKey,
		processingKey: cfg.QueueKey + ":processing",
		waitTime:      waitTime,
		logger:        logger.With().Str("component", "RedisQueue").Str("queue_key", cfg.QueueKey).Logger(),
	}, nil
}

// Publish pushes a message onto the queue list and returns its ID.
func (q *RedisQueue) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	env := redisEnvelope{
		ID:          uuid.NewString(),
		Payload:     payload,
		Attributes:  attributes,
		PublishedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, q.queueKey, data).Err(); err != nil {
		return "", fmt.Errorf("push to %s: %w", q.queueKey, err)
	}
	return env.ID, nil
}

// Receive blocks up to WaitTime for the first message, then takes whatever
// else is immediately available up to maxMessages.
func (q *RedisQueue) Receive(ctx context.Context, maxMessages int) ([]types.QueueMessage, error) {
	first, err := q.client.BRPopLPush(ctx, q.queueKey, q.processingKey, q.waitTime).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush %s: %w", q.queueKey, err)
	}

	raws := []string{first}
	for len(raws) < maxMessages {
		raw, err := q.client.RPopLPush(ctx, q.queueKey, q.processingKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			// What was already moved is returned; the rest stays queued.
			q.logger.Warn().Err(err).Msg("rpoplpush failed, returning partial batch")
			break
		}
		raws = append(raws, raw)
	}

	msgs := make([]types.QueueMessage, 0, len(raws))
	for _, raw := range raws {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			q.logger.Error().Err(err).Str("raw", raw).Msg("Failed to unmarshal queued message, removing it.")
			if remErr := q.client.LRem(ctx, q.processingKey, 1, raw).Err(); remErr != nil {
				q.logger.Error().Err(remErr).Msg("Failed to remove malformed message from processing list.")
			}
			continue
		}
		msgs = append(msgs, types.QueueMessage{
			ID:              env.ID,
			ReceiptHandle:   raw,
			Payload:         env.Payload,
			Attributes:      env.Attributes,
			PublishTime:     env.PublishedAt,
			DeliveryAttempt: 1,
		})
	}
	return msgs, nil
}

// Delete removes msgs from the processing list.
func (q *RedisQueue) Delete(ctx context.Context, msgs []types.QueueMessage) error {
	pipe := q.client.TxPipeline()
	for _, m := range msgs {
		pipe.LRem(ctx, q.processingKey, 1, m.ReceiptHandle)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %d messages from %s: %w", len(msgs), q.processingKey, err)
	}
	return nil
}

// RecoverInFlight moves everything on the processing list back onto the
// queue. Call it before polling starts, never while a poller is running.
func (q *RedisQueue) RecoverInFlight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("recover in-flight messages: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info().Int("count", moved).Msg("Recovered in-flight messages.")
	}
	return moved, nil
}

// Close closes the Redis client connection.
func (q *RedisQueue) Close() error {
	q.logger.Info().Msg("Closing Redis client connection...")
	return q.client.Close()
}
