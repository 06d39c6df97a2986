package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DispatchQueueName = "flowrunner:engine:dispatch"
	FeedbackQueueName = "flowrunner:engine:feedback"
	EventQueueName    = "flowrunner:engine:events"
	streamKeyPrefix   = "flowrunner:stream:"
	streamTTL         = 24 * time.Hour
)

// RedisClient implements Client using Redis
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis transport client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// PublishDispatch sends a prepared flow to the engine's dispatch queue
func (r *RedisClient) PublishDispatch(ctx context.Context, message DispatchMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, DispatchQueueName, data).Err()
}

// PublishFeedback sends retry feedback for a rejected task output
func (r *RedisClient) PublishFeedback(ctx context.Context, message FeedbackMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, FeedbackQueueName, data).Err()
}

// PublishStream appends an event frame to the job's live stream
func (r *RedisClient) PublishStream(ctx context.Context, jobID string, frame []byte) error {
	key := streamKeyPrefix + jobID
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, frame)
	pipe.Expire(ctx, key, streamTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SubscribeTaskEvents starts listening for engine events and processes them with
// the handler. One client can only be subscribed once.
func (r *RedisClient) SubscribeTaskEvents(ctx context.Context, handler func(TaskEventMessage)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := r.getNewMessage(ctx)
			if err != nil {
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				continue
			}
			if message == nil {
				continue
			}

			// Process message
			if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Str("job_id", message.JobID).
					Msg("Error encountered when processing message")
			}
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*TaskEventMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, EventQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	messageData := []byte(result[1])
	var message TaskEventMessage
	err = json.Unmarshal(messageData, &message)
	if err != nil {
		return nil, fmt.Errorf("could not parse message into TaskEventMessage. %w", err)
	}
	return &message, nil
}

func processMessage(handler func(TaskEventMessage), message TaskEventMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Str("job_id", message.JobID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(message)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
