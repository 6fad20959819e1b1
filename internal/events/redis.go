package events

import (
	"context"
	"fmt"

	rediscommon "wavy-aggregator/common/redis"

	"github.com/go-redis/redis/v8"
)

// RedisPublisher 发布到 Redis Streams（XADD）
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisPublisher 创建 Redis Streams 发布者
func NewRedisPublisher(client *redis.Client, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	if _, err := rediscommon.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, evt); err != nil {
		return fmt.Errorf("failed to publish %s to stream %s: %w", evt.Type, p.stream, err)
	}
	return nil
}
