package consumer

import (
	"fmt"
	"trip-sync/common/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel AMQP 通道（*amqp.Channel 实现）
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Connection AMQP 连接
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

// Dialer 建立到 broker 的连接
type Dialer interface {
	Dial() (Connection, error)
}

// AMQPDialer 基于 amqp091-go 的 Dialer
type AMQPDialer struct {
	cfg *config.AMQPConfig
}

// NewAMQPDialer 创建 RabbitMQ Dialer
func NewAMQPDialer(cfg *config.AMQPConfig) *AMQPDialer {
	return &AMQPDialer{cfg: cfg}
}

// Dial 连接 RabbitMQ
func (d *AMQPDialer) Dial() (Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName("trip-sync")

	conn, err := amqp.DialConfig(d.cfg.GetURL(), amqp.Config{
		Vhost:      d.cfg.VHost,
		Heartbeat:  d.cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s:%d/%s: %w", d.cfg.Host, d.cfg.Port, d.cfg.VHost, err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
