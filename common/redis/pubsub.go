package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Publish 发布消息到 Redis 频道，返回收到消息的订阅者数量
func Publish(ctx context.Context, client *redis.Client, channel string, payload []byte) (int64, error) {
	return client.Publish(ctx, channel, payload).Result()
}

// SetLatest 写入最新一条消息（供后订阅的客户端读取当前状态）
func SetLatest(ctx context.Context, client *redis.Client, key string, payload []byte, ttl time.Duration) error {
	return client.Set(ctx, key, payload, ttl).Err()
}
