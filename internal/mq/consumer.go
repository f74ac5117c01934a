package mq

import (
	"context"
	"fmt"

	"github.com/gearloop/marketplace/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConsumerConfig describes the queue a consumer reads
type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Bindings []string
	// DLX receives messages rejected without requeue; empty disables dead-lettering
	DLX      string
	DLQ      string
	Prefetch int
	Tag      string
}

// ConsumerConfigFrom builds a consumer configuration from the RabbitMQ settings
func ConsumerConfigFrom(cfg *config.RabbitMQConfig, tag string) ConsumerConfig {
	return ConsumerConfig{
		URL:      cfg.URL,
		Exchange: cfg.Exchange,
		Queue:    cfg.Queue,
		Bindings: cfg.Bindings,
		DLX:      cfg.DLX,
		DLQ:      cfg.DLQ,
		Prefetch: cfg.Prefetch,
		Tag:      tag,
	}
}

// QueueArgs returns the declaration arguments of the work queue
func (c ConsumerConfig) QueueArgs() amqp.Table {
	args := amqp.Table{}
	if c.DLX != "" {
		args["x-dead-letter-exchange"] = c.DLX
	}
	return args
}

// Consumer reads deliveries from a durable queue bound to the exchange
type Consumer struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer dials RabbitMQ and declares the exchange, queue, bindings and dead-letter topology
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Consumer{cfg: cfg, conn: conn, ch: ch}
	if err := c.declare(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Consumer) declare() error {
	if err := declareQueue(c.ch, c.cfg); err != nil {
		return err
	}
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// declareQueue declares the exchange, the work queue with its bindings and the dead-letter topology.
// Declarations are idempotent.
func declareQueue(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return err
	}

	if cfg.DLX != "" {
		if err := declareExchange(ch, cfg.DLX); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(cfg.DLQ, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dlq: %w", err)
		}
		if err := ch.QueueBind(cfg.DLQ, "#", cfg.DLX, false, nil); err != nil {
			return fmt.Errorf("bind dlq: %w", err)
		}
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, cfg.QueueArgs())
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range cfg.Bindings {
		if err := ch.QueueBind(q.Name, key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Deliveries starts consuming with manual acknowledgement
func (c *Consumer) Deliveries(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return msgs, nil
}

// NotifyClose reports when the underlying connection drops
func (c *Consumer) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the channel and connection
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
