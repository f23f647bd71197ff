package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultPollInterval = 250 * time.Millisecond

// RedisSource reads scope keys straight from the backend's Redis. Each
// operation keeps its keys in its own database; changes are picked up from
// keyspace notifications and a short poll.
type RedisSource struct {
	client *redis.Client
	db     int
	poll   time.Duration
	logger zerolog.Logger
}

// NewRedisSource connects to redisURL and selects db.
func NewRedisSource(ctx context.Context, redisURL string, db int, logger zerolog.Logger) (*RedisSource, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	opts.DB = db

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Keyspace events may already be on, or CONFIG may be disabled.
	if err := client.ConfigSet(ctx, "notify-keyspace-events", "KEA").Err(); err != nil {
		logger.Debug().Err(err).Msg("could not enable keyspace notifications")
	}

	return &RedisSource{client: client, db: db, poll: defaultPollInterval, logger: logger}, nil
}

func (s *RedisSource) Close() error {
	return s.client.Close()
}

func (s *RedisSource) Stream(ctx context.Context, scopeKey string, emit func(Frame)) error {
	last, err := s.client.Get(ctx, scopeKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		emit(Frame{Key: scopeKey, Err: "Key does not exist"})
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", scopeKey, err)
	default:
		emit(Frame{Key: scopeKey, Initial: true, Lines: []string{initialPrefix + " " + last}})
	}

	pubsub := s.client.Subscribe(ctx, fmt.Sprintf("__keyspace@%d__:%s", s.db, scopeKey))
	defer pubsub.Close()
	events := pubsub.Channel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return ErrStreamClosed
			}
			if msg.Payload == "del" || msg.Payload == "expired" {
				emit(Frame{Key: scopeKey, Err: "Key no longer exists"})
				return ErrStreamClosed
			}
		case <-ticker.C:
		}

		current, err := s.client.Get(ctx, scopeKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read %s: %w", scopeKey, err)
		}
		if current == last {
			continue
		}
		last = current

		frame, err := DecodePayload(scopeKey, []byte(current))
		if err != nil {
			s.logger.Debug().Err(err).Str("key", scopeKey).Msg("skipping malformed value")
			continue
		}
		emit(frame)
	}
}
