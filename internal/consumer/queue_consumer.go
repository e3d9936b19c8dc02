package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"trip-sync/internal/config"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	// ErrDeliveriesClosed broker 关闭了投递通道（连接或通道已断开）
	ErrDeliveriesClosed = errors.New("delivery channel closed")
	// ErrConsumerStopped 消费者已停止
	ErrConsumerStopped = errors.New("consumer stopped")
)

// Handler 处理单条消息，返回错误时消息重新入队
type Handler func(ctx context.Context, body []byte) error

// QueueConsumer RabbitMQ 队列消费者
// 一次只处理一条消息（prefetch 1），处理成功才 ack
type QueueConsumer struct {
	config *config.Config
	dialer Dialer
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	conn    Connection
	channel Channel

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{} // Run 返回时关闭
}

// NewQueueConsumer 创建队列消费者
func NewQueueConsumer(cfg *config.Config, dialer Dialer, logger *zap.Logger) *QueueConsumer {
	return &QueueConsumer{
		config: cfg,
		dialer: dialer,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Run 连接并消费，连接失败或断开后按 RetryDelay 重连
// 阻塞直到 Stop 或 ctx 取消；配置了 MaxReconnectAttempts 时连续失败达到上限返回错误
// 停止信号只在两条消息之间生效，handler 拿到的 ctx 不随 ctx 取消
func (c *QueueConsumer) Run(ctx context.Context, handler Handler) error {
	if c.stopped() {
		return ErrConsumerStopped
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.running = true
	c.done = done
	c.mu.Unlock()
	defer func() {
		c.setRunning(false)
		close(done)
	}()

	cfg := c.config.Consumer
	failures := 0

	for {
		established, err := c.consumeOnce(ctx, handler)
		c.shutdown()

		if errors.Is(err, ErrConsumerStopped) || c.stopped() || ctx.Err() != nil {
			c.logger.Info("Queue consumer stopped", zap.String("queue", cfg.Queue))
			return nil
		}

		if established {
			failures = 0
		}
		failures++

		if cfg.MaxReconnectAttempts > 0 && failures >= cfg.MaxReconnectAttempts {
			c.logger.Error("Giving up on broker connection",
				zap.Int("attempts", failures),
				zap.Error(err),
			)
			return fmt.Errorf("broker unavailable after %d attempts: %w", failures, err)
		}

		c.logger.Error("Queue consumer connection failed",
			zap.Error(err),
			zap.Int("attempt", failures),
			zap.Duration("retry_in", cfg.RetryDelay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-time.After(cfg.RetryDelay):
		}
	}
}

// consumeOnce 建立一次会话并消费直到出错或停止
// established 表示会话是否已成功开始消费
func (c *QueueConsumer) consumeOnce(ctx context.Context, handler Handler) (bool, error) {
	cfg := c.config.Consumer

	conn, err := c.dialer.Dial()
	if err != nil {
		return false, fmt.Errorf("failed to connect to broker: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("failed to open channel: %w", err)
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return false, fmt.Errorf("failed to set qos: %w", err)
	}

	queue, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	tag := "trip-sync-" + uuid.NewString()
	deliveries, err := ch.Consume(cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("failed to start consuming %s: %w", cfg.Queue, err)
	}

	c.logger.Info("Queue consumer connected",
		zap.String("queue", cfg.Queue),
		zap.String("consumer_tag", tag),
		zap.Int("pending_messages", queue.Messages),
	)

	handlerCtx := context.WithoutCancel(ctx)
	for {
		// 已收到停止信号时不再取新消息
		if c.stopped() || ctx.Err() != nil {
			return true, ErrConsumerStopped
		}
		select {
		case <-ctx.Done():
			return true, ErrConsumerStopped
		case <-c.stopCh:
			return true, ErrConsumerStopped
		case d, ok := <-deliveries:
			if !ok {
				return true, ErrDeliveriesClosed
			}
			c.handle(handlerCtx, d, handler)
		}
	}
}

func (c *QueueConsumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	if err := invoke(ctx, d.Body, handler); err != nil {
		c.logger.Error("Failed to process message, requeueing",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err),
		)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ack message", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// invoke 调用 handler，panic 视为处理失败
func invoke(ctx context.Context, body []byte, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, body)
}

// Stop 发出停止信号，不等待；正在处理的消息会处理完并确认
func (c *QueueConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Shutdown 发出停止信号并等待 Run 返回（通道与连接由 Run 关闭）
// ctx 到期时强制关闭通道与连接并返回 ctx 的错误
func (c *QueueConsumer) Shutdown(ctx context.Context) error {
	c.Stop()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.shutdown()
		return ctx.Err()
	}
}

func (c *QueueConsumer) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// IsRunning 是否在运行
func (c *QueueConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *QueueConsumer) setRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// shutdown 先关通道再关连接，关闭错误只记录
func (c *QueueConsumer) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("Error closing channel", zap.Error(err))
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("Error closing connection", zap.Error(err))
		}
		c.conn = nil
	}
}
