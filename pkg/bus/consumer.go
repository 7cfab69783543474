package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/certhub/threatpipe/pkg/logger"
)

// Handler processes one delivery body with its routing key. A non-nil error
// nacks the message for redelivery; nil acks it.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// ConsumerConfig holds construction parameters for a Consumer.
type ConsumerConfig struct {
	URL           string
	Exchange      ExchangeDeclaration
	Queue         QueueDeclaration
	BindingKeys   []string
	PrefetchCount int
}

// Consumer is a single-queue consume loop used by the daemon pipeline stages
// (aggregator, enricher). Handlers drop malformed messages by returning nil
// (the message is acked); handler failures are requeued.
type Consumer struct {
	cfg  ConsumerConfig
	log  *logger.Logger
	dial dialFunc

	conn    brokerConn
	channel brokerChannel

	done chan struct{}
}

// NewConsumer connects, declares the exchange and queue, applies the bindings
// and QoS.
func NewConsumer(cfg ConsumerConfig, log *logger.Logger) (*Consumer, error) {
	if cfg.Exchange.Type == "" {
		cfg.Exchange.Type = "topic"
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 1
	}
	c := &Consumer{
		cfg:  cfg,
		log:  log,
		dial: defaultDial,
		done: make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to the broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(
		c.cfg.Exchange.Name, c.cfg.Exchange.Type,
		c.cfg.Exchange.Durable, c.cfg.Exchange.AutoDelete,
		false, false, nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	if _, err := channel.QueueDeclare(
		c.cfg.Queue.Name, c.cfg.Queue.Durable, false, false, false, nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	for _, key := range c.cfg.BindingKeys {
		if err := channel.QueueBind(c.cfg.Queue.Name, key, c.cfg.Exchange.Name, false, nil); err != nil {
			channel.Close()
			conn.Close()
			return fmt.Errorf("failed to bind queue: %w", err)
		}
	}
	if err := channel.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	c.conn = conn
	c.channel = channel
	return nil
}

// Run consumes until the context is cancelled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	defer close(c.done)

	delivery, err := c.channel.Consume(
		c.cfg.Queue.Name,
		c.cfg.Queue.Name+"-"+uuid.NewString(), // consumer tag
		false, false, false, false, nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.Info().Str("queue", c.cfg.Queue.Name).Msg("Started consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-delivery:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, handler, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, handler Handler, d amqp.Delivery) {
	start := time.Now()
	if err := handler(ctx, d.RoutingKey, d.Body); err != nil {
		c.log.Error().
			Err(err).
			Str("routing_key", d.RoutingKey).
			Msg("Failed to handle message")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
	c.log.Debug().
		Str("routing_key", d.RoutingKey).
		Dur("elapsed", time.Since(start)).
		Msg("Message handled")
}

// Close tears the consumer connection down.
func (c *Consumer) Close() error {
	var first error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
