package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"
	commonredis "trip-sync/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Broadcaster 向订阅者推送快照
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload []byte) error
}

// RedisBroadcaster 通过 Redis Pub/Sub 推送，并缓存最新一条
type RedisBroadcaster struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewRedisBroadcaster 创建 Redis 广播器
func NewRedisBroadcaster(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// LatestKey 最新快照的缓存 key
func (b *RedisBroadcaster) LatestKey(topic string) string {
	return b.keyPrefix + topic + ":latest"
}

// Broadcast 发布到频道 topic，同时写入 <prefix><topic>:latest
func (b *RedisBroadcaster) Broadcast(ctx context.Context, topic string, payload []byte) error {
	receivers, err := commonredis.Publish(ctx, b.client, topic, payload)
	if err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", topic, err)
	}

	if err := commonredis.SetLatest(ctx, b.client, b.LatestKey(topic), payload, b.ttl); err != nil {
		return fmt.Errorf("failed to cache latest snapshot: %w", err)
	}

	b.logger.Debug("Snapshot published to redis",
		zap.String("channel", topic),
		zap.Int64("receivers", receivers),
	)
	return nil
}

// Publisher MQTT 发布能力（*commonmqtt.Client 实现）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTBroadcaster 通过 MQTT 推送保留消息
type MQTTBroadcaster struct {
	publisher   Publisher
	topicPrefix string
	logger      *zap.Logger
}

// NewMQTTBroadcaster 创建 MQTT 广播器
func NewMQTTBroadcaster(publisher Publisher, topicPrefix string, logger *zap.Logger) *MQTTBroadcaster {
	return &MQTTBroadcaster{
		publisher:   publisher,
		topicPrefix: topicPrefix,
		logger:      logger,
	}
}

// Topic MQTT 主题
func (b *MQTTBroadcaster) Topic(topic string) string {
	if b.topicPrefix == "" {
		return topic
	}
	return b.topicPrefix + "/" + topic
}

// Broadcast 以 QoS 0 发布保留消息
func (b *MQTTBroadcaster) Broadcast(_ context.Context, topic string, payload []byte) error {
	mqttTopic := b.Topic(topic)
	if err := b.publisher.Publish(mqttTopic, 0, true, payload); err != nil {
		return fmt.Errorf("failed to publish to mqtt topic %s: %w", mqttTopic, err)
	}
	return nil
}

// Multi 依次推送到所有广播器，单个失败不影响其它
type Multi []Broadcaster

// Broadcast 返回所有失败合并后的错误
func (m Multi) Broadcast(ctx context.Context, topic string, payload []byte) error {
	var errs []error
	for _, b := range m {
		if err := b.Broadcast(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
