package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lexiqai/claims-voice/internal/config"
)

const (
	channelPrefix = "call_state:"
	latestCallKey = "latest_call_id"
)

// Channel returns the pub/sub channel for a session
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// Redis publishes events on per-session pub/sub channels
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis backend. Connections are opened lazily.
func NewRedis(opts *redis.Options) *Redis {
	return &Redis{client: redis.NewClient(opts)}
}

func (r *Redis) Publish(ctx context.Context, sessionID string, payload []byte) error {
	if err := r.client.Publish(ctx, Channel(sessionID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

func (r *Redis) MarkLatest(ctx context.Context, sessionID string) error {
	if err := r.client.Set(ctx, latestCallKey, sessionID, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s failed: %w", latestCallKey, err)
	}
	return nil
}

func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Log writes events to the logger instead of a broker
type Log struct {
	logger zerolog.Logger
}

// NewLog creates a log-only backend
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, sessionID string, payload []byte) error {
	l.logger.Debug().Str("channel", Channel(sessionID)).RawJSON("event", payload).Msg("Call event")
	return nil
}

func (l *Log) MarkLatest(ctx context.Context, sessionID string) error {
	l.logger.Debug().Str("session_id", sessionID).Msg("Latest call")
	return nil
}

func (l *Log) HealthCheck(ctx context.Context) error { return nil }
func (l *Log) Close() error                          { return nil }

// Open creates the publisher for cfg.EventBusBackend
func Open(cfg *config.Config, logger zerolog.Logger) (*Publisher, error) {
	var backend Backend
	switch cfg.EventBusBackend {
	case "redis":
		backend = NewRedis(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	case "log":
		backend = NewLog(logger)
	default:
		return nil, fmt.Errorf("unknown event bus backend %q", cfg.EventBusBackend)
	}
	return NewPublisher(backend, cfg.EventQueueSize, logger), nil
}
