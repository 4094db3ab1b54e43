package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"lead-router/internal/redis"
)

// RedisStream appends events to a capped Redis stream.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{
		client: client,
		stream: client.Key("events", stream),
		maxLen: maxLen,
	}
}

func (p *RedisStream) Publish(ctx context.Context, e Event) error {
	body, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = p.client.XAdd(ctx, p.stream, p.maxLen, map[string]interface{}{
		"kind":        string(e.Kind),
		"lead_id":     e.LeadID,
		"attempts":    strconv.Itoa(e.Attempts),
		"occurred_at": e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"payload":     string(body),
	})
	return err
}

// Stream is the fully prefixed stream key.
func (p *RedisStream) Stream() string {
	return p.stream
}

// Close leaves the shared client open; its owner closes it.
func (p *RedisStream) Close() error {
	return nil
}
