package events

import (
	"context"
	"fmt"

	"lead-router/internal/common/logging"
	"lead-router/internal/redis"
)

type Config struct {
	Backend string

	RedisStream string
	RedisMaxLen int64

	RabbitMQURL      string
	RabbitMQExchange string

	AWS         AWSConfig
	SNSTopicARN string
	SQSQueueURL string
}

// New builds the publisher for cfg.Backend. redisClient is only used by the
// redis backend and may be nil otherwise.
func New(ctx context.Context, cfg Config, redisClient *redis.Client, logger logging.Logger) (Publisher, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis events backend requires a redis client")
		}
		return NewRedisStream(redisClient, cfg.RedisStream, cfg.RedisMaxLen), nil
	case "rabbitmq":
		return DialRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQExchange, logger)
	case "sns":
		return NewSNS(ctx, cfg.AWS, cfg.SNSTopicARN)
	case "sqs":
		return NewSQS(ctx, cfg.AWS, cfg.SQSQueueURL)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
	}
}
